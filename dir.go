package modernfs

import (
	"encoding/binary"
)

// dirent is one packed directory entry: a 4-byte inode number (0 marks a
// tombstone), a 2-byte record length, a 1-byte name length, a 1-byte file
// type, and the name itself, the whole record rounded up to an 8-byte
// boundary. Records never cross a block boundary; the last record in a
// block carries whatever record length is needed to absorb the block's
// trailing slack.
const (
	direntHeaderSize = 8 // inum(4) + recLen(2) + nameLen(1) + fileType(1)
	direntAlign      = 8
	maxNameLen       = 255
)

func direntSize(nameLen int) uint16 {
	n := direntHeaderSize + nameLen
	n = (n + direntAlign - 1) &^ (direntAlign - 1)
	return uint16(n)
}

type dirent struct {
	inum     uint32
	recLen   uint16
	nameLen  uint8
	fileType uint8
	name     string
}

func decodeDirent(buf []byte, off int) (dirent, bool) {
	if off+direntHeaderSize > len(buf) {
		return dirent{}, false
	}
	d := dirent{
		inum:     binary.LittleEndian.Uint32(buf[off:]),
		recLen:   binary.LittleEndian.Uint16(buf[off+4:]),
		nameLen:  buf[off+6],
		fileType: buf[off+7],
	}
	if d.recLen < direntHeaderSize || off+int(d.recLen) > len(buf) {
		return dirent{}, false
	}
	if int(d.nameLen) > int(d.recLen)-direntHeaderSize {
		return dirent{}, false
	}
	d.name = string(buf[off+direntHeaderSize : off+direntHeaderSize+int(d.nameLen)])
	return d, true
}

// encodeDirent writes a record of exactly recLen bytes (recLen must already
// be >= direntSize(len(name))); it never writes past recLen, so a shrunken
// record never leaks stale bytes from a longer one it replaced.
func encodeDirent(buf []byte, off int, inum uint32, recLen uint16, fileType uint8, name string) {
	for i := 0; i < int(recLen); i++ {
		buf[off+i] = 0
	}
	binary.LittleEndian.PutUint32(buf[off:], inum)
	binary.LittleEndian.PutUint16(buf[off+4:], recLen)
	buf[off+6] = uint8(len(name))
	buf[off+7] = fileType
	copy(buf[off+direntHeaderSize:], name)
}

func fileTypeToDirentType(t FileType) uint8 {
	switch t {
	case TypeDir:
		return 2
	case TypeSymlink:
		return 3
	default:
		return 1
	}
}

// Dir is a thin façade over InodeCache/blockMapper for directory-entry
// operations; it never holds state of its own beyond its collaborators.
type Dir struct {
	ic *InodeCache
	bm *blockMapper
}

func NewDir(ic *InodeCache, bm *blockMapper) *Dir {
	return &Dir{ic: ic, bm: bm}
}

func (d *Dir) blockCount(in *Inode) uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return uint32(ceilDiv64(in.disk.Size, BlockSize))
}

func (d *Dir) readBlock(in *Inode, logical uint32) ([]byte, uint32, error) {
	in.mu.Lock()
	block, err := d.ic.bmap(in, d.bm, logical, false)
	in.mu.Unlock()
	if err != nil {
		return nil, 0, err
	}
	if block == 0 {
		return make([]byte, BlockSize), 0, nil
	}
	buf, err := d.bm.cache.ReadThrough(d.bm.dev, block)
	if err != nil {
		return nil, 0, err
	}
	return append([]byte(nil), buf...), block, nil
}

// Lookup linearly scans dir's entries for name, returning ENOENT if no
// live entry matches.
func (d *Dir) Lookup(dir *Inode, name string) (uint32, error) {
	nblocks := d.blockCount(dir)
	for b := uint32(0); b < nblocks; b++ {
		buf, _, err := d.readBlock(dir, b)
		if err != nil {
			return 0, err
		}
		off := 0
		for off < BlockSize {
			ent, ok := decodeDirent(buf, off)
			if !ok {
				break
			}
			if ent.inum != 0 && ent.name == name {
				return ent.inum, nil
			}
			off += int(ent.recLen)
		}
	}
	return 0, newErr("Dir.Lookup", KindNotFound)
}

// Iterate walks every live entry across all blocks, calling
// fn(name, inum, fileType).
// If fn returns true, iteration stops early.
func (d *Dir) Iterate(dir *Inode, fn func(name string, inum uint32, ftype uint8) bool) error {
	nblocks := d.blockCount(dir)
	for b := uint32(0); b < nblocks; b++ {
		buf, _, err := d.readBlock(dir, b)
		if err != nil {
			return err
		}
		off := 0
		for off < BlockSize {
			ent, ok := decodeDirent(buf, off)
			if !ok {
				break
			}
			if ent.inum != 0 {
				if fn(ent.name, ent.inum, ent.fileType) {
					return nil
				}
			}
			off += int(ent.recLen)
		}
	}
	return nil
}

// IsEmpty reports whether dir contains only "." and "..".
func (d *Dir) IsEmpty(dir *Inode) (bool, error) {
	empty := true
	err := d.Iterate(dir, func(name string, inum uint32, ftype uint8) bool {
		if name != "." && name != ".." {
			empty = false
			return true
		}
		return false
	})
	return empty, err
}

// Add inserts (name, inum) into dir. Duplicate names and empty/oversize
// names are rejected. The scan prefers, in order: a tombstone whose record
// is big enough, an in-use record with enough trailing slack to split in
// place (shrinking it to its true size first), and finally appending a new
// block with a record long enough to absorb the block's slack.
func (d *Dir) Add(dir *Inode, name string, inum uint32, ftype FileType) error {
	if len(name) == 0 || len(name) > maxNameLen {
		return newErr("Dir.Add: invalid name length", KindInvalidArgument)
	}
	if _, err := d.Lookup(dir, name); err == nil {
		return newErr("Dir.Add: name exists", KindAlreadyExists)
	} else if KindOf(err) != KindNotFound {
		return err
	}
	need := direntSize(len(name))
	dt := fileTypeToDirentType(ftype)

	nblocks := d.blockCount(dir)
	for b := uint32(0); b < nblocks; b++ {
		buf, block, err := d.readBlock(dir, b)
		if err != nil {
			return err
		}
		if block == 0 {
			continue
		}

		off := 0
		for off < BlockSize {
			ent, ok := decodeDirent(buf, off)
			if !ok {
				break
			}
			if ent.inum != 0 && ent.name == name {
				return newErr("Dir.Add: name exists", KindAlreadyExists)
			}

			if ent.inum == 0 && ent.recLen >= need {
				encodeDirent(buf, off, inum, ent.recLen, dt, name)
				d.bm.cache.WriteThrough(block, buf)
				return nil
			}

			if ent.inum != 0 {
				actual := direntSize(int(ent.nameLen))
				slack := ent.recLen - actual
				if slack >= need {
					encodeDirent(buf, off, ent.inum, actual, ent.fileType, ent.name)
					encodeDirent(buf, off+int(actual), inum, slack, dt, name)
					d.bm.cache.WriteThrough(block, buf)
					return nil
				}
			}
			off += int(ent.recLen)
		}
	}

	// No slot fit in any existing block: append at dir.size with a
	// block-filling record length.
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.disk.Size%BlockSize != 0 {
		return newErr("Dir.Add: directory size not block aligned", KindCorruption)
	}
	logical := uint32(dir.disk.Size / BlockSize)

	block, err := d.ic.bmap(dir, d.bm, logical, true)
	if err != nil {
		return err
	}
	buf := make([]byte, BlockSize)
	encodeDirent(buf, 0, inum, BlockSize, dt, name)
	d.bm.cache.WriteThrough(block, buf)

	dir.disk.Size += BlockSize
	dir.dirty = true
	return nil
}

// Remove clears name's entry. If it is the first record in its block, it
// becomes a tombstone (inum=0, record length unchanged, so later Adds can
// reuse the slot); otherwise the previous record's length is extended to
// absorb it.
func (d *Dir) Remove(dir *Inode, name string) error {
	nblocks := d.blockCount(dir)
	for b := uint32(0); b < nblocks; b++ {
		buf, block, err := d.readBlock(dir, b)
		if err != nil {
			return err
		}
		if block == 0 {
			continue
		}

		off := 0
		prevOff := -1
		for off < BlockSize {
			ent, ok := decodeDirent(buf, off)
			if !ok {
				break
			}
			if ent.inum != 0 && ent.name == name {
				if prevOff < 0 {
					binary.LittleEndian.PutUint32(buf[off:], 0)
				} else {
					prevEnt, _ := decodeDirent(buf, prevOff)
					newLen := prevEnt.recLen + ent.recLen
					binary.LittleEndian.PutUint16(buf[prevOff+4:], newLen)
				}
				d.bm.cache.WriteThrough(block, buf)
				return nil
			}
			prevOff = off
			off += int(ent.recLen)
		}
	}
	return newErr("Dir.Remove", KindNotFound)
}

// InitDir writes a fresh directory block containing "." and ".." as the
// first two entries, and sets the inode's size to one block. Caller has
// already allocated dir via InodeCache.Alloc.
func (d *Dir) InitDir(dir *Inode, parentInum uint32) error {
	dir.mu.Lock()
	defer dir.mu.Unlock()

	block, err := d.ic.bmap(dir, d.bm, 0, true)
	if err != nil {
		return err
	}
	buf := make([]byte, BlockSize)
	dotLen := direntSize(1)
	encodeDirent(buf, 0, dir.num, dotLen, fileTypeToDirentType(TypeDir), ".")
	encodeDirent(buf, int(dotLen), parentInum, BlockSize-dotLen, fileTypeToDirentType(TypeDir), "..")
	d.bm.cache.WriteThrough(block, buf)

	dir.disk.Size = BlockSize
	dir.disk.Nlink = 2
	dir.dirty = true
	return nil
}
