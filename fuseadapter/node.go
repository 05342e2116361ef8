// Package fuseadapter exposes a mounted modernfs.Mount as a FUSE file
// system using go-fuse's composable fs.InodeEmbedder interfaces.
package fuseadapter

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/modernfs/modernfs"
)

// Node is one live FUSE node backed by a modernfs inode number. The
// embedded fs.Inode gives it identity in go-fuse's own inode table; modernfs
// resolves operations against the number, not against any cached state
// here.
type Node struct {
	fs.Inode

	mnt  *modernfs.Mount
	inum uint32
}

var _ fs.InodeEmbedder = (*Node)(nil)

func kindErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch modernfs.KindOf(err) {
	case modernfs.KindNotFound:
		return syscall.ENOENT
	case modernfs.KindAlreadyExists:
		return syscall.EEXIST
	case modernfs.KindNotEmpty:
		return syscall.ENOTEMPTY
	case modernfs.KindNoSpace:
		return syscall.ENOSPC
	case modernfs.KindReadOnly:
		return syscall.EROFS
	case modernfs.KindInvalidArgument:
		return syscall.EINVAL
	case modernfs.KindCorruption:
		return syscall.EIO
	case modernfs.KindIoError:
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// Root builds the root Node to pass to fs.Mount; its inode number is always the
// mount's configured root inode.
func Root(mnt *modernfs.Mount) *Node {
	return &Node{mnt: mnt, inum: mnt.RootInum()}
}

func (n *Node) newChild(inum uint32, t modernfs.FileType) *fs.Inode {
	mode := uint32(0)
	if t == modernfs.TypeDir {
		mode = fuse.S_IFDIR
	}
	return n.NewInode(context.Background(), &Node{mnt: n.mnt, inum: inum}, fs.StableAttr{
		Mode: mode,
		Ino:  uint64(inum),
	})
}

func fillAttr(st modernfs.Stat, out *fuse.Attr) {
	out.Ino = uint64(st.Num)
	out.Size = st.Size
	out.Blocks = st.Blocks * (modernfs.BlockSize / 512)
	out.Mode = unixMode(st.Type, st.Mode)
	out.Nlink = st.Nlink
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.SetTimes(&st.Atime, &st.Mtime, &st.Ctime)
}

func (n *Node) stat() (modernfs.Stat, syscall.Errno) {
	in, err := n.mnt.InodeCache().Get(n.inum)
	if err != nil {
		return modernfs.Stat{}, kindErrno(err)
	}
	defer n.mnt.InodeCache().Put(in)
	return in.Stat(), 0
}

func (n *Node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	st, errno := n.stat()
	if errno != 0 {
		return errno
	}
	fillAttr(st, &out.Attr)
	return 0
}

func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	ino, err := n.mnt.InodeCache().Get(n.inum)
	if err != nil {
		return kindErrno(err)
	}
	defer n.mnt.InodeCache().Put(ino)

	if size, ok := in.GetSize(); ok {
		if err := n.mnt.InodeCache().Truncate(ino, n.mnt.BlockMapper(), size); err != nil {
			return kindErrno(err)
		}
	}
	if mode, ok := in.GetMode(); ok {
		ino.SetMode(mode & 0o7777)
	}
	if uid, ok := in.GetUID(); ok {
		ino.SetUID(uid)
	}
	if gid, ok := in.GetGID(); ok {
		ino.SetGID(gid)
	}
	if mtime, ok := in.GetMTime(); ok {
		ino.SetMtime(mtime)
	}
	if atime, ok := in.GetATime(); ok {
		ino.SetAtime(atime)
	}

	fillAttr(ino.Stat(), &out.Attr)
	return 0
}

func (n *Node) dirInode() (*modernfs.Inode, syscall.Errno) {
	in, err := n.mnt.InodeCache().Get(n.inum)
	if err != nil {
		return nil, kindErrno(err)
	}
	return in, 0
}

func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	dir, errno := n.dirInode()
	if errno != 0 {
		return nil, errno
	}
	defer n.mnt.InodeCache().Put(dir)

	inum, err := n.mnt.Dir().Lookup(dir, name)
	if err != nil {
		return nil, kindErrno(err)
	}

	child, err := n.mnt.InodeCache().Get(inum)
	if err != nil {
		return nil, kindErrno(err)
	}
	defer n.mnt.InodeCache().Put(child)
	st := child.Stat()
	fillAttr(st, &out.Attr)
	return n.newChild(inum, st.Type), 0
}

func (n *Node) Opendir(ctx context.Context) syscall.Errno {
	_, errno := n.dirInode()
	return errno
}

func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	dir, errno := n.dirInode()
	if errno != 0 {
		return nil, errno
	}
	defer n.mnt.InodeCache().Put(dir)

	var entries []fuse.DirEntry
	err := n.mnt.Dir().Iterate(dir, func(name string, inum uint32, ftype uint8) bool {
		mode := uint32(fuse.S_IFREG)
		switch ftype {
		case 2:
			mode = fuse.S_IFDIR
		case 3:
			mode = syscall.S_IFLNK
		}
		entries = append(entries, fuse.DirEntry{Name: name, Ino: uint64(inum), Mode: mode})
		return false
	})
	if err != nil {
		return nil, kindErrno(err)
	}
	return fs.NewListDirStream(entries), 0
}

type fileHandle struct {
	inum uint32
}

func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return &fileHandle{inum: n.inum}, 0, 0
}

func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	ino, err := n.mnt.InodeCache().Get(n.inum)
	if err != nil {
		return nil, kindErrno(err)
	}
	defer n.mnt.InodeCache().Put(ino)

	got, err := n.mnt.InodeCache().Read(ino, n.mnt.BlockMapper(), off, dest)
	if err != nil {
		return nil, kindErrno(err)
	}
	n.mnt.Stats().AddRead()
	return fuse.ReadResultData(dest[:got]), 0
}

func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if n.mnt.ReadOnly() {
		return 0, syscall.EROFS
	}
	ino, err := n.mnt.InodeCache().Get(n.inum)
	if err != nil {
		return 0, kindErrno(err)
	}
	defer n.mnt.InodeCache().Put(ino)

	var txn *modernfs.Txn
	if j := n.mnt.Journal(); j != nil {
		txn = j.Begin()
	}
	written, err := n.mnt.InodeCache().Write(ino, n.mnt.BlockMapper(), txn, off, data)
	if err != nil {
		return 0, kindErrno(err)
	}
	if txn != nil {
		if err := n.mnt.Journal().Commit(txn); err != nil {
			return 0, kindErrno(err)
		}
	}
	n.mnt.Stats().AddWrite()
	return uint32(written), 0
}

func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	if err := n.mnt.Sync(); err != nil {
		return kindErrno(err)
	}
	return 0
}

func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	if n.mnt.ReadOnly() {
		return nil, nil, 0, syscall.EROFS
	}
	dir, errno := n.dirInode()
	if errno != 0 {
		return nil, nil, 0, errno
	}
	defer n.mnt.InodeCache().Put(dir)

	caller, _ := fuse.FromContext(ctx)
	var uid, gid uint32
	if caller != nil {
		uid, gid = caller.Uid, caller.Gid
	}

	child, err := n.mnt.InodeCache().Alloc(modernfs.TypeFile, mode&0o7777, uid, gid)
	if err != nil {
		return nil, nil, 0, kindErrno(err)
	}
	defer n.mnt.InodeCache().Put(child)

	if err := n.mnt.Dir().Add(dir, name, child.Num(), modernfs.TypeFile); err != nil {
		return nil, nil, 0, kindErrno(err)
	}

	fillAttr(child.Stat(), &out.Attr)
	return n.newChild(child.Num(), modernfs.TypeFile), &fileHandle{inum: child.Num()}, 0, 0
}

func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if n.mnt.ReadOnly() {
		return nil, syscall.EROFS
	}
	dir, errno := n.dirInode()
	if errno != 0 {
		return nil, errno
	}
	defer n.mnt.InodeCache().Put(dir)

	caller, _ := fuse.FromContext(ctx)
	var uid, gid uint32
	if caller != nil {
		uid, gid = caller.Uid, caller.Gid
	}

	child, err := n.mnt.InodeCache().Alloc(modernfs.TypeDir, mode&0o7777, uid, gid)
	if err != nil {
		return nil, kindErrno(err)
	}
	defer n.mnt.InodeCache().Put(child)

	if err := n.mnt.Dir().InitDir(child, n.inum); err != nil {
		return nil, kindErrno(err)
	}
	if err := n.mnt.Dir().Add(dir, name, child.Num(), modernfs.TypeDir); err != nil {
		return nil, kindErrno(err)
	}
	dir.IncNlink()

	fillAttr(child.Stat(), &out.Attr)
	return n.newChild(child.Num(), modernfs.TypeDir), 0
}

func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	if n.mnt.ReadOnly() {
		return syscall.EROFS
	}
	dir, errno := n.dirInode()
	if errno != 0 {
		return errno
	}
	defer n.mnt.InodeCache().Put(dir)

	inum, err := n.mnt.Dir().Lookup(dir, name)
	if err != nil {
		return kindErrno(err)
	}
	target, err := n.mnt.InodeCache().Get(inum)
	if err != nil {
		return kindErrno(err)
	}
	if target.Stat().Type == modernfs.TypeDir {
		n.mnt.InodeCache().Put(target)
		return syscall.EISDIR
	}

	if err := n.mnt.Dir().Remove(dir, name); err != nil {
		n.mnt.InodeCache().Put(target)
		return kindErrno(err)
	}

	target.DecNlink()
	if target.Stat().Nlink == 0 {
		if err := n.mnt.InodeCache().Free(target, n.mnt.BlockMapper()); err != nil {
			return kindErrno(err)
		}
		return 0
	}
	n.mnt.InodeCache().Put(target)
	return 0
}

func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	if n.mnt.ReadOnly() {
		return syscall.EROFS
	}
	dir, errno := n.dirInode()
	if errno != 0 {
		return errno
	}
	defer n.mnt.InodeCache().Put(dir)

	inum, err := n.mnt.Dir().Lookup(dir, name)
	if err != nil {
		return kindErrno(err)
	}
	child, err := n.mnt.InodeCache().Get(inum)
	if err != nil {
		return kindErrno(err)
	}

	empty, err := n.mnt.Dir().IsEmpty(child)
	if err != nil {
		n.mnt.InodeCache().Put(child)
		return kindErrno(err)
	}
	if !empty {
		n.mnt.InodeCache().Put(child)
		return syscall.ENOTEMPTY
	}

	if err := n.mnt.Dir().Remove(dir, name); err != nil {
		n.mnt.InodeCache().Put(child)
		return kindErrno(err)
	}
	if err := n.mnt.InodeCache().Free(child, n.mnt.BlockMapper()); err != nil {
		return kindErrno(err)
	}
	dir.DecNlink()
	return 0
}

func (n *Node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	snap := n.mnt.Stats().Snapshot(0, 0)
	out.Bsize = modernfs.BlockSize
	out.Blocks = 0
	out.Bfree = snap.FreeBlocks
	out.Bavail = snap.FreeBlocks
	out.Files = 0
	out.Ffree = snap.FreeInodes
	return 0
}

var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeOpendirer = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)
var _ fs.NodeWriter = (*Node)(nil)
var _ fs.NodeFsyncer = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)
