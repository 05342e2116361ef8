package fuseadapter

import (
	"github.com/modernfs/modernfs"
)

// Disk inodes only ever hold a POSIX permission mask in Mode; the file
// kind itself lives in the separate Type field, so translating between
// in-core modes and the bits FUSE expects only needs to fold Type back in.
const (
	modeIFDIR = 0o040000
	modeIFREG = 0o100000
	modeIFLNK = 0o120000

	modeISUID = 0o4000
	modeISGID = 0o2000
	modeISVTX = 0o1000
)

// unixMode packs a FileType and a permission bits field into the single
// mode word readdirplus/getattr replies expect.
func unixMode(t modernfs.FileType, perm uint32) uint32 {
	m := perm & 0o7777
	switch t {
	case modernfs.TypeDir:
		m |= modeIFDIR
	case modernfs.TypeSymlink:
		m |= modeIFLNK
	default:
		m |= modeIFREG
	}
	return m
}
