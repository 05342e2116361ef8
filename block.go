package modernfs

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// BlockDevice wraps the image file and offers fixed 4 KiB positioned I/O,
// generalized to read-write via golang.org/x/sys/unix so reads/writes and
// the mount-guard flock go through the same syscall family.
type BlockDevice struct {
	f    *os.File
	path string

	mu          sync.Mutex // not taken by any method; totalBlocks is set once at open
	totalBlocks uint32

	readOnly bool
	locked   bool
}

// OpenBlockDevice opens path read/write (or read-only) and derives the
// total block count from the file size.
func OpenBlockDevice(path string, readOnly bool) (*BlockDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, wrap("OpenBlockDevice", KindIoError, err)
	}

	lockType := unix.LOCK_EX
	if readOnly {
		lockType = unix.LOCK_SH
	}
	if err := unix.Flock(int(f.Fd()), lockType|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, wrap("OpenBlockDevice: image already mounted", KindIoError, err)
	}

	info, err := f.Stat()
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, wrap("OpenBlockDevice", KindIoError, err)
	}

	dev := &BlockDevice{
		f:           f,
		path:        path,
		totalBlocks: uint32(info.Size() / BlockSize),
		readOnly:    readOnly,
		locked:      true,
	}
	return dev, nil
}

func (d *BlockDevice) TotalBlocks() uint32 { return d.totalBlocks }
func (d *BlockDevice) ReadOnly() bool      { return d.readOnly }
func (d *BlockDevice) Path() string        { return d.path }

func (d *BlockDevice) checkRange(block uint32) error {
	if block >= d.totalBlocks {
		return newErr("BlockDevice: block out of range", KindInvalidArgument)
	}
	return nil
}

// Read fills buf (must be exactly BlockSize) with the contents of block.
func (d *BlockDevice) Read(block uint32, buf []byte) error {
	if len(buf) != BlockSize {
		return newErr("BlockDevice.Read: buffer must be 4 KiB", KindInvalidArgument)
	}
	if err := d.checkRange(block); err != nil {
		return err
	}
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(block)*BlockSize)
	if err != nil {
		return wrap("BlockDevice.Read", KindIoError, err)
	}
	if n != BlockSize {
		return newErr("BlockDevice.Read: short read", KindIoError)
	}
	return nil
}

// Write persists buf (must be exactly BlockSize) at block.
func (d *BlockDevice) Write(block uint32, buf []byte) error {
	if d.readOnly {
		return newErr("BlockDevice.Write", KindReadOnly)
	}
	if len(buf) != BlockSize {
		return newErr("BlockDevice.Write: buffer must be 4 KiB", KindInvalidArgument)
	}
	if err := d.checkRange(block); err != nil {
		return err
	}
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(block)*BlockSize)
	if err != nil {
		return wrap("BlockDevice.Write", KindIoError, err)
	}
	if n != BlockSize {
		return newErr("BlockDevice.Write: short write", KindIoError)
	}
	return nil
}

// Sync forces the image to stable storage; callers are responsible for
// flushing the buffer cache first.
func (d *BlockDevice) Sync() error {
	if d.readOnly {
		return nil
	}
	if err := unix.Fsync(int(d.f.Fd())); err != nil {
		return wrap("BlockDevice.Sync", KindIoError, err)
	}
	return nil
}

// LoadSuperblock reads block 0 into a full-block scratch buffer before
// decoding, so a caller's 4 KiB frame is never over-read into.
func (d *BlockDevice) LoadSuperblock() (*Superblock, error) {
	scratch := make([]byte, BlockSize)
	if err := d.Read(SuperblockNum, scratch); err != nil {
		return nil, err
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(scratch); err != nil {
		return nil, err
	}
	return sb, nil
}

// StoreSuperblock encodes and writes sb back to block 0.
func (d *BlockDevice) StoreSuperblock(sb *Superblock) error {
	buf, err := sb.MarshalBinary()
	if err != nil {
		return wrap("BlockDevice.StoreSuperblock", KindIoError, err)
	}
	return d.Write(SuperblockNum, buf)
}

// Close releases the advisory lock and closes the underlying file.
func (d *BlockDevice) Close() error {
	if d.locked {
		unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
		d.locked = false
	}
	return d.f.Close()
}
