package modernfs

import (
	"container/list"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FileType identifies what kind of object a disk inode describes.
type FileType uint8

const (
	TypeFree FileType = iota
	TypeFile
	TypeDir
	TypeSymlink
)

const (
	directPointers = 12
	// pointersPerBlock is the fan-out of one indirect block: 4096/4.
	pointersPerBlock = BlockSize / 4

	maxLogicalBlock = directPointers + pointersPerBlock + pointersPerBlock*pointersPerBlock
)

// DiskInode is the fixed 128-byte on-disk inode record.
type DiskInode struct {
	Type  FileType
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Nlink uint32

	Size   uint64
	Blocks uint64

	Atime int64
	Mtime int64
	Ctime int64

	Direct         [directPointers]uint32
	Indirect       uint32
	DoubleIndirect uint32
}

// diskInodeSize is the fixed wire size of DiskInode; the encoding below
// fills it out to exactly 128 bytes with trailing zero padding.
const diskInodeSize = 128

func (d *DiskInode) marshal(buf []byte) {
	for i := range buf[:diskInodeSize] {
		buf[i] = 0
	}
	buf[0] = byte(d.Type)
	binary.LittleEndian.PutUint32(buf[4:], d.Mode)
	binary.LittleEndian.PutUint32(buf[8:], d.Uid)
	binary.LittleEndian.PutUint32(buf[12:], d.Gid)
	binary.LittleEndian.PutUint32(buf[16:], d.Nlink)
	binary.LittleEndian.PutUint64(buf[20:], d.Size)
	binary.LittleEndian.PutUint64(buf[28:], d.Blocks)
	binary.LittleEndian.PutUint64(buf[36:], uint64(d.Atime))
	binary.LittleEndian.PutUint64(buf[44:], uint64(d.Mtime))
	binary.LittleEndian.PutUint64(buf[52:], uint64(d.Ctime))
	off := 60
	for _, p := range d.Direct {
		binary.LittleEndian.PutUint32(buf[off:], p)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], d.Indirect)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], d.DoubleIndirect)
}

func (d *DiskInode) unmarshal(buf []byte) {
	d.Type = FileType(buf[0])
	d.Mode = binary.LittleEndian.Uint32(buf[4:])
	d.Uid = binary.LittleEndian.Uint32(buf[8:])
	d.Gid = binary.LittleEndian.Uint32(buf[12:])
	d.Nlink = binary.LittleEndian.Uint32(buf[16:])
	d.Size = binary.LittleEndian.Uint64(buf[20:])
	d.Blocks = binary.LittleEndian.Uint64(buf[28:])
	d.Atime = int64(binary.LittleEndian.Uint64(buf[36:]))
	d.Mtime = int64(binary.LittleEndian.Uint64(buf[44:]))
	d.Ctime = int64(binary.LittleEndian.Uint64(buf[52:]))
	off := 60
	for i := range d.Direct {
		d.Direct[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	d.Indirect = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	d.DoubleIndirect = binary.LittleEndian.Uint32(buf[off:])
}

// Inode is the in-memory cache entry for one inode number: the disk record
// plus refcount, validity, dirty flag, and an exclusive lock guarding both
// the record and any bmap mutation against it.
type Inode struct {
	mu sync.Mutex // level 4: held across read/write/bmap for this inode

	num   uint32
	disk  DiskInode
	valid bool
	dirty bool
	refs  int

	elem   *list.Element // LRU position
	bucket *list.Element // hash chain position
}

func (ino *Inode) Num() uint32 { return ino.num }

// Stat is a point-in-time, lock-free snapshot of an inode's metadata for
// callers (getattr, statfs) that shouldn't hold the inode lock longer than
// necessary.
type Stat struct {
	Num    uint32
	Type   FileType
	Mode   uint32
	Uid    uint32
	Gid    uint32
	Nlink  uint32
	Size   uint64
	Blocks uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

func (ino *Inode) Stat() Stat {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return Stat{
		Num: ino.num, Type: ino.disk.Type, Mode: ino.disk.Mode,
		Uid: ino.disk.Uid, Gid: ino.disk.Gid, Nlink: ino.disk.Nlink,
		Size: ino.disk.Size, Blocks: ino.disk.Blocks,
		Atime: time.Unix(ino.disk.Atime, 0),
		Mtime: time.Unix(ino.disk.Mtime, 0),
		Ctime: time.Unix(ino.disk.Ctime, 0),
	}
}

// InodeCache is the fixed-size pool of in-memory inodes, resolved from
// inode number through a hash chain with LRU eviction, mirroring the
// shape and lock discipline of BufferCache.
type InodeCache struct {
	mu sync.Mutex // level 3: structural lock

	dev   *BlockDevice
	cache *BufferCache
	alloc *InodeAllocator
	lay   Layout

	capacity int
	lru      *list.List
	buckets  []*list.List
	count    int
}

// InodeAllocator is the bitmap-backed allocator over the inode-table
// region, the inode-number analogue of Allocator.
type InodeAllocator struct {
	mu    sync.Mutex
	bits  []byte
	total uint32
	free  uint32

	dev         *BlockDevice
	bitmapStart uint32
	bitmapLen   uint32
}

func NewInodeAllocator(dev *BlockDevice, bitmapStart, bitmapLen, total uint32) *InodeAllocator {
	nbytes := (total + 7) / 8
	a := &InodeAllocator{
		bits: make([]byte, nbytes), total: total,
		dev: dev, bitmapStart: bitmapStart, bitmapLen: bitmapLen,
	}
	a.setBit(0) // inode 0 reserved
	a.setBit(RootInum)
	a.free = total - 2
	return a
}

func LoadInodeAllocator(dev *BlockDevice, bitmapStart, bitmapLen, total uint32) (*InodeAllocator, error) {
	a := &InodeAllocator{
		bits: make([]byte, (total+7)/8), total: total,
		dev: dev, bitmapStart: bitmapStart, bitmapLen: bitmapLen,
	}
	buf := make([]byte, BlockSize)
	for i := uint32(0); i < bitmapLen; i++ {
		if err := dev.Read(bitmapStart+i, buf); err != nil {
			return nil, err
		}
		copy(a.bits[i*BlockSize:], buf)
	}
	a.free = 0
	for i := uint32(0); i < total; i++ {
		if !a.testBit(i) {
			a.free++
		}
	}
	return a, nil
}

func (a *InodeAllocator) testBit(i uint32) bool { return a.bits[i/8]&(1<<(i%8)) != 0 }
func (a *InodeAllocator) setBit(i uint32)       { a.bits[i/8] |= 1 << (i % 8) }
func (a *InodeAllocator) clearBit(i uint32)     { a.bits[i/8] &^= 1 << (i % 8) }

// Alloc finds the first clear bit, sets it, and returns the inode number.
func (a *InodeAllocator) Alloc() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := uint32(0); i < a.total; i++ {
		if !a.testBit(i) {
			a.setBit(i)
			a.free--
			return i, nil
		}
	}
	return 0, newErr("InodeAllocator.Alloc", KindNoSpace)
}

func (a *InodeAllocator) Free(inum uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if inum >= a.total || !a.testBit(inum) {
		return newErr("InodeAllocator.Free: double free", KindCorruption)
	}
	a.clearBit(inum)
	a.free++
	return nil
}

func (a *InodeAllocator) Stats() (total, free uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.free
}

func (a *InodeAllocator) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf := make([]byte, BlockSize)
	for i := uint32(0); i < a.bitmapLen; i++ {
		off := i * BlockSize
		end := off + BlockSize
		if end > uint32(len(a.bits)) {
			end = uint32(len(a.bits))
		}
		for j := range buf {
			buf[j] = 0
		}
		if off < uint32(len(a.bits)) {
			copy(buf, a.bits[off:end])
		}
		if err := a.dev.Write(a.bitmapStart+i, buf); err != nil {
			return err
		}
	}
	return nil
}

// NewInodeCache builds an empty cache of the given capacity (0 defaults to
// covering every inode in the layout, capped at 4096 resident records).
func NewInodeCache(dev *BlockDevice, cache *BufferCache, alloc *InodeAllocator, lay Layout, capacity int) *InodeCache {
	if capacity <= 0 {
		capacity = 4096
		if int(lay.TotalInodes) < capacity {
			capacity = int(lay.TotalInodes)
		}
	}
	nb := nbuckets(capacity)
	buckets := make([]*list.List, nb)
	for i := range buckets {
		buckets[i] = list.New()
	}
	return &InodeCache{
		dev: dev, cache: cache, alloc: alloc, lay: lay,
		capacity: capacity, lru: list.New(), buckets: buckets,
	}
}

func (ic *InodeCache) bucketFor(inum uint32) *list.List {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], inum)
	idx := xxhash.Sum64(b[:]) % uint64(len(ic.buckets))
	return ic.buckets[idx]
}

func (ic *InodeCache) findLocked(inum uint32) *Inode {
	for e := ic.bucketFor(inum).Front(); e != nil; e = e.Next() {
		in := e.Value.(*Inode)
		if in.num == inum {
			return in
		}
	}
	return nil
}

// blockFor locates the inode-table block and in-block offset holding inum's
// record.
func (ic *InodeCache) blockFor(inum uint32) (block uint32, offset int) {
	block = ic.lay.InodeTableStart + inum/inodesPerBlock
	offset = int(inum%inodesPerBlock) * diskInodeSize
	return
}

func (ic *InodeCache) readDisk(inum uint32) (DiskInode, error) {
	block, off := ic.blockFor(inum)
	buf, err := ic.cache.ReadThrough(ic.dev, block)
	if err != nil {
		return DiskInode{}, err
	}
	var d DiskInode
	d.unmarshal(buf[off : off+diskInodeSize])
	return d, nil
}

func (ic *InodeCache) writeDisk(inum uint32, d *DiskInode) error {
	block, off := ic.blockFor(inum)
	buf, err := ic.cache.ReadThrough(ic.dev, block)
	if err != nil {
		return err
	}
	d.marshal(buf[off : off+diskInodeSize])
	ic.cache.WriteThrough(block, buf)
	return nil
}

// writebackLocked flushes in *if dirty*; caller holds ic.mu and in.mu is not
// held (only called during eviction, when refs==0 so nobody else can be
// touching it).
func (ic *InodeCache) writebackLocked(in *Inode) error {
	if !in.dirty {
		return nil
	}
	if err := ic.writeDisk(in.num, &in.disk); err != nil {
		return err
	}
	in.dirty = false
	return nil
}

// evictLocked removes the LRU-tail entry with refs==0, if any, writing it
// back first. Returns the reclaimed slot or nil if every resident entry is
// pinned.
func (ic *InodeCache) evictLocked() (*Inode, error) {
	for e := ic.lru.Back(); e != nil; e = e.Prev() {
		in := e.Value.(*Inode)
		if in.refs != 0 {
			continue
		}
		if err := ic.writebackLocked(in); err != nil {
			return nil, err
		}
		ic.lru.Remove(in.elem)
		ic.bucketFor(in.num).Remove(in.bucket)
		ic.count--
		return in, nil
	}
	return nil, nil
}

// Get resolves inum to its cached Inode, loading it from disk on a miss.
// The returned Inode carries one reference; callers must Put it.
func (ic *InodeCache) Get(inum uint32) (*Inode, error) {
	ic.mu.Lock()
	if in := ic.findLocked(inum); in != nil {
		in.refs++
		ic.lru.MoveToFront(in.elem)
		ic.mu.Unlock()
		return in, nil
	}

	var in *Inode
	if ic.count >= ic.capacity {
		reused, err := ic.evictLocked()
		if err != nil {
			ic.mu.Unlock()
			return nil, err
		}
		if reused == nil {
			ic.mu.Unlock()
			return nil, newErr("InodeCache.Get: pool exhausted", KindNoSpace)
		}
		in = reused
	} else {
		in = &Inode{}
	}
	ic.mu.Unlock()

	d, err := ic.readDisk(inum)
	if err != nil {
		return nil, err
	}

	in.num = inum
	in.disk = d
	in.valid = true
	in.dirty = false
	in.refs = 1

	ic.mu.Lock()
	in.elem = ic.lru.PushFront(in)
	in.bucket = ic.bucketFor(inum).PushFront(in)
	ic.count++
	ic.mu.Unlock()
	return in, nil
}

// Put releases a reference obtained from Get/Alloc.
func (ic *InodeCache) Put(in *Inode) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if in.refs > 0 {
		in.refs--
	}
}

// Alloc finds a free inode number, initializes a zeroed disk record of the
// given type, writes it back synchronously so no reader ever observes a
// garbage inode, and returns it pinned with one reference.
func (ic *InodeCache) Alloc(t FileType, mode, uid, gid uint32) (*Inode, error) {
	inum, err := ic.alloc.Alloc()
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	d := DiskInode{
		Type: t, Mode: mode, Uid: uid, Gid: gid, Nlink: 1,
		Atime: now, Mtime: now, Ctime: now,
	}
	if err := ic.writeDisk(inum, &d); err != nil {
		ic.alloc.Free(inum)
		return nil, err
	}
	if err := ic.alloc.Sync(); err != nil {
		return nil, err
	}

	in, err := ic.Get(inum)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	in.disk = d
	in.mu.Unlock()
	return in, nil
}

// Free releases every data block owned by in (via Truncate(0)), then clears
// its inode-bitmap bit. Caller holds one reference on in (from Get/Alloc);
// Free consumes it.
func (ic *InodeCache) Free(in *Inode, blk *blockMapper) error {
	defer ic.Put(in)
	if err := ic.Truncate(in, blk, 0); err != nil {
		return err
	}
	in.mu.Lock()
	in.disk = DiskInode{}
	in.valid = false
	in.dirty = false
	in.mu.Unlock()
	return ic.alloc.Free(in.num)
}

// SyncAll writes back every dirty valid resident inode.
func (ic *InodeCache) SyncAll() error {
	ic.mu.Lock()
	elems := make([]*Inode, 0, ic.lru.Len())
	for e := ic.lru.Front(); e != nil; e = e.Next() {
		elems = append(elems, e.Value.(*Inode))
	}
	ic.mu.Unlock()

	for _, in := range elems {
		in.mu.Lock()
		dirty := in.dirty && in.valid
		d := in.disk
		in.mu.Unlock()
		if !dirty {
			continue
		}
		if err := ic.writeDisk(in.num, &d); err != nil {
			return err
		}
		in.mu.Lock()
		in.dirty = false
		in.mu.Unlock()
	}
	return nil
}

// blockMapper bundles the collaborators bmap needs beyond the inode cache
// itself: the data allocator and the cache.
type blockMapper struct {
	alloc *Allocator
	cache *BufferCache
	dev   *BlockDevice
}

func newBlockMapper(alloc *Allocator, cache *BufferCache, dev *BlockDevice) *blockMapper {
	return &blockMapper{alloc: alloc, cache: cache, dev: dev}
}

// NewBlockMapper is the format-time constructor for the same collaborator
// bundle MountImage wires up internally; mkfs needs it before a Mount
// exists to write the root directory's first block.
func NewBlockMapper(alloc *Allocator, cache *BufferCache, dev *BlockDevice) *blockMapper {
	return newBlockMapper(alloc, cache, dev)
}

// allocBlock reserves one data block and returns its global block number;
// Alloc itself only knows data-region-relative indices.
func (bm *blockMapper) allocBlock() (uint32, error) {
	idx, err := bm.alloc.AllocBlock()
	if err != nil {
		return 0, err
	}
	return bm.alloc.DataBlock(idx), nil
}

// freeBlock releases a global block number previously handed out by
// allocBlock.
func (bm *blockMapper) freeBlock(block uint32) error {
	return bm.alloc.FreeBlock(bm.alloc.DataIndex(block))
}

func (bm *blockMapper) zeroBlock(block uint32) {
	zero := make([]byte, BlockSize)
	bm.cache.WriteThrough(block, zero)
}

func (bm *blockMapper) readPointer(block uint32, idx int) (uint32, error) {
	buf, err := bm.cache.ReadThrough(bm.dev, block)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[idx*4:]), nil
}

func (bm *blockMapper) writePointer(block uint32, idx int, val uint32) error {
	buf, err := bm.cache.ReadThrough(bm.dev, block)
	if err != nil {
		return err
	}
	out := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint32(out[idx*4:], val)
	bm.cache.WriteThrough(block, out)
	return nil
}

// bmap translates logical block index i to a physical block number,
// lazily materializing indirect/double-indirect metablocks and the leaf
// itself when allocIfMissing is set. Caller holds in.mu.
func (ic *InodeCache) bmap(in *Inode, bm *blockMapper, i uint32, allocIfMissing bool) (uint32, error) {
	if i >= maxLogicalBlock {
		return 0, newErr("InodeCache.bmap: offset too large", KindInvalidArgument)
	}

	if i < directPointers {
		if in.disk.Direct[i] == 0 && allocIfMissing {
			b, err := bm.allocBlock()
			if err != nil {
				return 0, err
			}
			bm.zeroBlock(b)
			in.disk.Direct[i] = b
			in.disk.Blocks++
			in.dirty = true
		}
		return in.disk.Direct[i], nil
	}

	i -= directPointers
	if i < pointersPerBlock {
		meta := in.disk.Indirect
		if meta == 0 {
			if !allocIfMissing {
				return 0, nil
			}
			b, err := bm.allocBlock()
			if err != nil {
				return 0, err
			}
			bm.zeroBlock(b)
			in.disk.Indirect = b
			in.disk.Blocks++
			in.dirty = true
			meta = b
		}
		leaf, err := bm.readPointer(meta, int(i))
		if err != nil {
			return 0, err
		}
		if leaf == 0 && allocIfMissing {
			b, err := bm.allocBlock()
			if err != nil {
				return 0, err
			}
			bm.zeroBlock(b)
			if err := bm.writePointer(meta, int(i), b); err != nil {
				return 0, err
			}
			in.disk.Blocks++
			in.dirty = true
			leaf = b
		}
		return leaf, nil
	}

	i -= pointersPerBlock
	top := in.disk.DoubleIndirect
	if top == 0 {
		if !allocIfMissing {
			return 0, nil
		}
		b, err := bm.allocBlock()
		if err != nil {
			return 0, err
		}
		bm.zeroBlock(b)
		in.disk.DoubleIndirect = b
		in.disk.Blocks++
		in.dirty = true
		top = b
	}
	outerIdx := int(i / pointersPerBlock)
	innerIdx := int(i % pointersPerBlock)
	mid, err := bm.readPointer(top, outerIdx)
	if err != nil {
		return 0, err
	}
	if mid == 0 {
		if !allocIfMissing {
			return 0, nil
		}
		b, err := bm.allocBlock()
		if err != nil {
			return 0, err
		}
		bm.zeroBlock(b)
		if err := bm.writePointer(top, outerIdx, b); err != nil {
			return 0, err
		}
		in.disk.Blocks++
		in.dirty = true
		mid = b
	}
	leaf, err := bm.readPointer(mid, innerIdx)
	if err != nil {
		return 0, err
	}
	if leaf == 0 && allocIfMissing {
		b, err := bm.allocBlock()
		if err != nil {
			return 0, err
		}
		bm.zeroBlock(b)
		if err := bm.writePointer(mid, innerIdx, b); err != nil {
			return 0, err
		}
		in.disk.Blocks++
		in.dirty = true
		leaf = b
	}
	return leaf, nil
}

// Read copies up to len(p) bytes starting at offset into p, honoring holes
// as zero-fill and clipping to the inode's size. Never errors at EOF; the
// returned count may be short.
func (ic *InodeCache) Read(in *Inode, bm *blockMapper, offset int64, p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if offset < 0 {
		return 0, newErr("InodeCache.Read", KindInvalidArgument)
	}
	if uint64(offset) >= in.disk.Size {
		in.disk.Atime = time.Now().Unix()
		in.dirty = true
		return 0, nil
	}
	remaining := in.disk.Size - uint64(offset)
	if uint64(len(p)) > remaining {
		p = p[:remaining]
	}

	total := 0
	buf := make([]byte, BlockSize)
	for total < len(p) {
		logical := uint32((offset + int64(total)) / BlockSize)
		inBlock := int((offset + int64(total)) % BlockSize)
		n := BlockSize - inBlock
		if n > len(p)-total {
			n = len(p) - total
		}

		block, err := ic.bmap(in, bm, logical, false)
		if err != nil {
			return total, err
		}
		if block == 0 {
			for j := 0; j < n; j++ {
				p[total+j] = 0
			}
		} else {
			got, err := bm.cache.ReadThrough(bm.dev, block)
			if err != nil {
				return total, err
			}
			copy(buf, got)
			copy(p[total:total+n], buf[inBlock:inBlock+n])
		}
		total += n
	}

	in.disk.Atime = time.Now().Unix()
	in.dirty = true
	return total, nil
}

// Write stores p at offset, extending size on append, performing
// read-modify-write on partial blocks, and bumping mtime. When txn is
// non-nil, each completed payload is staged into it instead of going
// straight to the cache; the caller is responsible for committing.
func (ic *InodeCache) Write(in *Inode, bm *blockMapper, txn *Txn, offset int64, p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if offset < 0 {
		return 0, newErr("InodeCache.Write", KindInvalidArgument)
	}

	total := 0
	for total < len(p) {
		logical := uint32((offset + int64(total)) / BlockSize)
		inBlock := int((offset + int64(total)) % BlockSize)
		n := BlockSize - inBlock
		if n > len(p)-total {
			n = len(p) - total
		}

		block, err := ic.bmap(in, bm, logical, true)
		if err != nil {
			return total, err
		}

		var buf []byte
		if n < BlockSize {
			if txn != nil {
				if staged, ok := txn.Dirty(block); ok {
					buf = append([]byte(nil), staged...)
				}
			}
			if buf == nil {
				buf, err = bm.cache.ReadThrough(bm.dev, block)
				if err != nil {
					return total, err
				}
				buf = append([]byte(nil), buf...)
			}
		} else {
			buf = make([]byte, BlockSize)
		}
		copy(buf[inBlock:inBlock+n], p[total:total+n])

		if txn != nil {
			if err := txn.Write(block, buf); err != nil {
				return total, err
			}
		} else {
			bm.cache.WriteThrough(block, buf)
		}
		total += n
	}

	end := uint64(offset + int64(total))
	if end > in.disk.Size {
		in.disk.Size = end
	}
	in.disk.Mtime = time.Now().Unix()
	in.dirty = true
	return total, nil
}

// Truncate sets in's size to newSize. Shrinking releases every logical
// block beyond the new size, walking from the highest index down. The
// indirect and double-indirect metablocks are released only when the file
// shrinks to zero blocks; a shrink that keeps any block leaves them
// allocated (and counted in Blocks), even if all their leaves are gone.
// Growing is lazy: only the size field changes.
func (ic *InodeCache) Truncate(in *Inode, bm *blockMapper, newSize uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if newSize >= in.disk.Size {
		in.disk.Size = newSize
		in.disk.Mtime = time.Now().Unix()
		in.dirty = true
		return nil
	}

	oldBlocks := ceilDiv64(in.disk.Size, BlockSize)
	newBlocks := ceilDiv64(newSize, BlockSize)

	for i := oldBlocks; i > newBlocks; i-- {
		logical := uint32(i - 1)
		block, err := ic.bmap(in, bm, logical, false)
		if err != nil {
			return err
		}
		if block != 0 {
			bm.cache.Invalidate(block)
			if err := bm.freeBlock(block); err != nil {
				return err
			}
			if err := ic.clearPointer(in, bm, logical); err != nil {
				return err
			}
			in.disk.Blocks--
		}
	}
	if newBlocks == 0 {
		if in.disk.Indirect != 0 {
			bm.cache.Invalidate(in.disk.Indirect)
			bm.freeBlock(in.disk.Indirect)
			in.disk.Indirect = 0
			in.disk.Blocks--
		}
		if in.disk.DoubleIndirect != 0 {
			if err := ic.freeDoubleIndirect(in, bm); err != nil {
				return err
			}
		}
	}

	in.disk.Size = newSize
	in.disk.Mtime = time.Now().Unix()
	in.dirty = true
	return nil
}

func (ic *InodeCache) freeDoubleIndirect(in *Inode, bm *blockMapper) error {
	top := in.disk.DoubleIndirect
	for outer := 0; outer < pointersPerBlock; outer++ {
		mid, err := bm.readPointer(top, outer)
		if err != nil {
			return err
		}
		if mid == 0 {
			continue
		}
		for inner := 0; inner < pointersPerBlock; inner++ {
			leaf, err := bm.readPointer(mid, inner)
			if err != nil {
				return err
			}
			if leaf != 0 {
				bm.cache.Invalidate(leaf)
				bm.freeBlock(leaf)
				in.disk.Blocks--
			}
		}
		bm.cache.Invalidate(mid)
		bm.freeBlock(mid)
		in.disk.Blocks--
	}
	bm.cache.Invalidate(top)
	bm.freeBlock(top)
	in.disk.DoubleIndirect = 0
	in.disk.Blocks--
	return nil
}

// clearPointer zeroes the slot for logical block i after its data block has
// been freed, so a later bmap never returns a dangling pointer.
func (ic *InodeCache) clearPointer(in *Inode, bm *blockMapper, i uint32) error {
	if i < directPointers {
		in.disk.Direct[i] = 0
		return nil
	}
	i -= directPointers
	if i < pointersPerBlock {
		if in.disk.Indirect == 0 {
			return nil
		}
		return bm.writePointer(in.disk.Indirect, int(i), 0)
	}
	i -= pointersPerBlock
	if in.disk.DoubleIndirect == 0 {
		return nil
	}
	outerIdx := int(i / pointersPerBlock)
	innerIdx := int(i % pointersPerBlock)
	mid, err := bm.readPointer(in.disk.DoubleIndirect, outerIdx)
	if err != nil || mid == 0 {
		return err
	}
	return bm.writePointer(mid, innerIdx, 0)
}

// SetMode, SetUID, SetGID, SetMtime, SetAtime and DecNlink are the narrow
// mutators the FUSE adapter needs for setattr/unlink without reaching into
// the disk record directly.
func (ino *Inode) SetMode(mode uint32) {
	ino.mu.Lock()
	ino.disk.Mode = mode
	ino.disk.Ctime = time.Now().Unix()
	ino.dirty = true
	ino.mu.Unlock()
}

func (ino *Inode) SetUID(uid uint32) {
	ino.mu.Lock()
	ino.disk.Uid = uid
	ino.disk.Ctime = time.Now().Unix()
	ino.dirty = true
	ino.mu.Unlock()
}

func (ino *Inode) SetGID(gid uint32) {
	ino.mu.Lock()
	ino.disk.Gid = gid
	ino.disk.Ctime = time.Now().Unix()
	ino.dirty = true
	ino.mu.Unlock()
}

func (ino *Inode) SetMtime(t time.Time) {
	ino.mu.Lock()
	ino.disk.Mtime = t.Unix()
	ino.dirty = true
	ino.mu.Unlock()
}

func (ino *Inode) SetAtime(t time.Time) {
	ino.mu.Lock()
	ino.disk.Atime = t.Unix()
	ino.dirty = true
	ino.mu.Unlock()
}

// InitRoot stamps in as a directory inode at format time: mkfs reserves
// inode number RootInum directly (it never goes through Alloc, since the
// bitmap bit is pre-set by NewInodeAllocator), so this fills in the record
// Alloc would otherwise have written.
func (ino *Inode) InitRoot(mode uint32) {
	ino.mu.Lock()
	now := time.Now().Unix()
	ino.disk.Type = TypeDir
	ino.disk.Mode = mode
	ino.disk.Atime = now
	ino.disk.Mtime = now
	ino.disk.Ctime = now
	ino.dirty = true
	ino.mu.Unlock()
}

// DecNlink decrements the link count by one; Unlink calls it on the target
// before deciding whether to Free it, and Rmdir calls it on the parent
// directory for the removed child's ".." back-reference.
func (ino *Inode) DecNlink() {
	ino.mu.Lock()
	if ino.disk.Nlink > 0 {
		ino.disk.Nlink--
	}
	ino.disk.Ctime = time.Now().Unix()
	ino.dirty = true
	ino.mu.Unlock()
}

// IncNlink increments the link count by one; Mkdir calls it on the parent
// directory for the new child's ".." back-reference.
func (ino *Inode) IncNlink() {
	ino.mu.Lock()
	ino.disk.Nlink++
	ino.disk.Ctime = time.Now().Unix()
	ino.dirty = true
	ino.mu.Unlock()
}

func ceilDiv64(a uint64, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
