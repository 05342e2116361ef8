package modernfs

import "strings"

const maxSymlinkDepth = 32

// Normalize collapses "." and ".." components and repeated slashes.
// Absolute input yields an absolute result; relative input yields a
// relative result, with "." standing in for an empty path.
func Normalize(path string) string {
	abs := strings.HasPrefix(path, "/")
	parts := strings.Split(path, "/")
	var out []string
	for _, p := range parts {
		switch p {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != ".." {
				out = out[:len(out)-1]
			} else if !abs {
				out = append(out, "..")
			}
		default:
			out = append(out, p)
		}
	}
	joined := strings.Join(out, "/")
	if abs {
		return "/" + joined
	}
	if joined == "" {
		return "."
	}
	return joined
}

// Basename returns the final path component, textual only (no filesystem
// lookups).
func Basename(path string) string {
	p := strings.TrimRight(path, "/")
	if p == "" {
		return "/"
	}
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Dirname returns everything before the final path component.
func Dirname(path string) string {
	p := strings.TrimRight(path, "/")
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "."
	}
	if i == 0 {
		return "/"
	}
	return p[:i]
}

// Resolver walks paths against a mounted inode cache.
type Resolver struct {
	ic   *InodeCache
	dir  *Dir
	bm   *blockMapper
	root uint32
}

func NewResolver(ic *InodeCache, dir *Dir, bm *blockMapper, rootInum uint32) *Resolver {
	return &Resolver{ic: ic, dir: dir, bm: bm, root: rootInum}
}

// Resolve walks path starting at root (absolute) or cwd (relative),
// following symlinks when followSymlink is set, and returns the final
// inode pinned with one reference. A KindInvalidArgument error is returned
// if a non-final intermediate component isn't a directory; KindNotFound if
// any component is missing.
func (r *Resolver) Resolve(cwd *Inode, path string, followSymlink bool) (*Inode, error) {
	return r.resolveDepth(cwd, path, followSymlink, 0)
}

func (r *Resolver) resolveDepth(cwd *Inode, path string, followSymlink bool, depth int) (*Inode, error) {
	if depth > maxSymlinkDepth {
		return nil, newErr("Resolver.Resolve: too many symlink redirections", KindInvalidArgument)
	}

	norm := Normalize(path)
	var cur *Inode
	var err error
	if strings.HasPrefix(norm, "/") {
		cur, err = r.ic.Get(r.root)
	} else {
		cur, err = r.ic.Get(cwd.Num())
	}
	if err != nil {
		return nil, err
	}

	if norm == "/" || norm == "." {
		return cur, nil
	}

	comps := strings.Split(strings.Trim(norm, "/"), "/")
	for i, name := range comps {
		st := cur.Stat()
		if st.Type != TypeDir {
			r.ic.Put(cur)
			return nil, newErr("Resolver.Resolve: not a directory", KindInvalidArgument)
		}

		inum, lookErr := r.dir.Lookup(cur, name)
		if lookErr != nil {
			r.ic.Put(cur)
			return nil, lookErr
		}
		next, err := r.ic.Get(inum)
		r.ic.Put(cur)
		if err != nil {
			return nil, err
		}

		nextStat := next.Stat()
		last := i == len(comps)-1
		if nextStat.Type == TypeSymlink && (followSymlink || !last) {
			target, err := r.readSymlink(next)
			r.ic.Put(next)
			if err != nil {
				return nil, err
			}
			resolved, err := r.resolveDepth(cwd, target, followSymlink, depth+1)
			if err != nil {
				return nil, err
			}
			cur = resolved
			continue
		}

		cur = next
	}
	return cur, nil
}

func (r *Resolver) readSymlink(in *Inode) (string, error) {
	st := in.Stat()
	buf := make([]byte, st.Size)
	n, err := r.ic.Read(in, r.bm, 0, buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

// ResolveParent resolves path's containing directory and returns it
// (pinned) along with the final component's basename, for
// create/mkdir/unlink/rmdir.
func (r *Resolver) ResolveParent(cwd *Inode, path string) (*Inode, string, error) {
	norm := Normalize(path)
	if norm == "/" || norm == "." {
		return nil, "", newErr("Resolver.ResolveParent: no parent", KindInvalidArgument)
	}
	dirPart := Dirname(norm)
	base := Basename(norm)
	parent, err := r.Resolve(cwd, dirPart, true)
	if err != nil {
		return nil, "", err
	}
	return parent, base, nil
}
