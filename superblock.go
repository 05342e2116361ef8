package modernfs

import (
	"bytes"
	"encoding/binary"
	"time"
)

const (
	superblockMagic   uint32 = 0x4D4F4446 // "MODF"
	superblockVersion uint32 = 1

	journalMagic uint32 = 0x4A524E4C // "JRNL"
)

// Superblock is the singleton at block 0. The BlockDevice keeps no copy of
// it; it decodes/encodes one on demand (LoadSuperblock/StoreSuperblock).
// The mount context holds the copy it loaded on boot and pushes it back
// through the device on sync.
type Superblock struct {
	Magic   uint32
	Version uint32

	BlockSize   uint32
	TotalBlocks uint32
	FreeBlocks  uint32

	TotalInodes uint32
	FreeInodes  uint32

	RootInum uint32

	JournalStart uint32
	JournalLen   uint32

	InodeBitmapStart uint32
	InodeBitmapLen   uint32

	DataBitmapStart uint32
	DataBitmapLen   uint32

	InodeTableStart uint32
	InodeTableLen   uint32

	DataStart uint32
	DataLen   uint32

	Clean uint32 // 1 = cleanly unmounted, 0 = dirty

	MountCount uint32
	MountTime  int64
	WriteTime  int64
}

// NewSuperblock builds the on-format-time superblock for a freshly laid out
// image.
func NewSuperblock(l Layout) *Superblock {
	now := time.Now().Unix()
	return &Superblock{
		Magic:   superblockMagic,
		Version: superblockVersion,

		BlockSize:   BlockSize,
		TotalBlocks: l.TotalBlocks,
		FreeBlocks:  l.DataLen - 1, // root directory's one data block

		TotalInodes: l.TotalInodes,
		FreeInodes:  l.TotalInodes - 2, // inode 0 (reserved) and 1 (root) consumed

		RootInum: RootInum,

		JournalStart: l.JournalStart,
		JournalLen:   l.JournalLen,

		InodeBitmapStart: l.InodeBitmapStart,
		InodeBitmapLen:   l.InodeBitmapLen,

		DataBitmapStart: l.DataBitmapStart,
		DataBitmapLen:   l.DataBitmapLen,

		InodeTableStart: l.InodeTableStart,
		InodeTableLen:   l.InodeTableLen,

		DataStart: l.DataStart,
		DataLen:   l.DataLen,

		Clean:      1,
		MountCount: 0,
		MountTime:  now,
		WriteTime:  now,
	}
}

// Layout extracts the region geometry back out of a loaded superblock.
func (sb *Superblock) Layout() Layout {
	return Layout{
		TotalBlocks:      sb.TotalBlocks,
		TotalInodes:      sb.TotalInodes,
		JournalStart:     sb.JournalStart,
		JournalLen:       sb.JournalLen,
		InodeBitmapStart: sb.InodeBitmapStart,
		InodeBitmapLen:   sb.InodeBitmapLen,
		DataBitmapStart:  sb.DataBitmapStart,
		DataBitmapLen:    sb.DataBitmapLen,
		InodeTableStart:  sb.InodeTableStart,
		InodeTableLen:    sb.InodeTableLen,
		DataStart:        sb.DataStart,
		DataLen:          sb.DataLen,
	}
}

// fields lists the superblock's on-disk fields in wire order so
// MarshalBinary/UnmarshalBinary can walk them without reflection: the
// field set is fixed and small enough to name directly.
func (sb *Superblock) fields() []*uint32 {
	return []*uint32{
		&sb.Magic, &sb.Version, &sb.BlockSize,
		&sb.TotalBlocks, &sb.FreeBlocks,
		&sb.TotalInodes, &sb.FreeInodes,
		&sb.RootInum,
		&sb.JournalStart, &sb.JournalLen,
		&sb.InodeBitmapStart, &sb.InodeBitmapLen,
		&sb.DataBitmapStart, &sb.DataBitmapLen,
		&sb.InodeTableStart, &sb.InodeTableLen,
		&sb.DataStart, &sb.DataLen,
		&sb.Clean, &sb.MountCount,
	}
}

// MarshalBinary encodes the superblock little-endian into a full 4 KiB
// block buffer.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	for _, f := range sb.fields() {
		if err := binary.Write(buf, binary.LittleEndian, *f); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(buf, binary.LittleEndian, sb.MountTime); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, sb.WriteTime); err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	copy(out, buf.Bytes())
	return out, nil
}

// UnmarshalBinary decodes a full 4 KiB block into the superblock and
// validates magic/version/block size.
func (sb *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < BlockSize {
		return newErr("Superblock.UnmarshalBinary", KindInvalidArgument)
	}
	r := bytes.NewReader(data)
	for _, f := range sb.fields() {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return wrap("Superblock.UnmarshalBinary", KindCorruption, err)
		}
	}
	if err := binary.Read(r, binary.LittleEndian, &sb.MountTime); err != nil {
		return wrap("Superblock.UnmarshalBinary", KindCorruption, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &sb.WriteTime); err != nil {
		return wrap("Superblock.UnmarshalBinary", KindCorruption, err)
	}

	if sb.Magic != superblockMagic {
		return newErr("Superblock.UnmarshalBinary: bad magic", KindCorruption)
	}
	if sb.Version != superblockVersion {
		return newErr("Superblock.UnmarshalBinary: bad version", KindCorruption)
	}
	if sb.BlockSize != BlockSize {
		return newErr("Superblock.UnmarshalBinary: bad block size", KindCorruption)
	}
	if sb.RootInum != RootInum {
		return newErr("Superblock.UnmarshalBinary: bad root inode", KindCorruption)
	}
	return nil
}
