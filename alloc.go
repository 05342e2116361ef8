package modernfs

import "sync"

// Allocator is the bitmap-backed free-space manager over the data region.
// The in-memory bitmap is authoritative during mount; Sync writes it back
// to the data-bitmap region. Scans with the bit-test idiom (f&what == what)
// common in Unix-flavored Go, with a first-fit-from-hint algorithm.
type Allocator struct {
	mu sync.Mutex // leaf lock: held only across a single alloc/free

	bits  []byte // one bit per data block, packed LSB-first
	total uint32 // total data blocks
	free  uint32

	dev         *BlockDevice
	bitmapStart uint32
	bitmapLen   uint32
	dataStart   uint32 // global block number of data block 0
}

// NewAllocator loads (or, for a fresh format, zero-initializes) the
// in-memory bitmap for a data region of `total` blocks backed by the
// data-bitmap region [bitmapStart, bitmapStart+bitmapLen).
func NewAllocator(dev *BlockDevice, bitmapStart, bitmapLen, dataStart, total uint32) *Allocator {
	nbytes := (total + 7) / 8
	return &Allocator{
		bits:        make([]byte, nbytes),
		total:       total,
		free:        total,
		dev:         dev,
		bitmapStart: bitmapStart,
		bitmapLen:   bitmapLen,
		dataStart:   dataStart,
	}
}

// LoadAllocator reads the persisted bitmap back from the data-bitmap region.
func LoadAllocator(dev *BlockDevice, bitmapStart, bitmapLen, dataStart, total uint32) (*Allocator, error) {
	a := NewAllocator(dev, bitmapStart, bitmapLen, dataStart, total)
	buf := make([]byte, BlockSize)
	for i := uint32(0); i < bitmapLen; i++ {
		if err := dev.Read(bitmapStart+i, buf); err != nil {
			return nil, err
		}
		off := i * BlockSize
		copy(a.bits[off:], buf)
	}
	a.free = 0
	for blk := uint32(0); blk < total; blk++ {
		if !a.testBit(blk) {
			a.free++
		}
	}
	return a, nil
}

func (a *Allocator) testBit(i uint32) bool {
	return a.bits[i/8]&(1<<(i%8)) != 0
}

func (a *Allocator) setBit(i uint32)   { a.bits[i/8] |= 1 << (i % 8) }
func (a *Allocator) clearBit(i uint32) { a.bits[i/8] &^= 1 << (i % 8) }

// runLen returns the length of the maximal free run starting at i (bounded
// by max), or 0 if bit i itself is set.
func (a *Allocator) runLen(i, max uint32) uint32 {
	var n uint32
	for n < max && i+n < a.total && !a.testBit(i+n) {
		n++
	}
	return n
}

// Alloc finds the first maximal free run >= minLen starting the scan at
// hint mod total, wrapping once if nothing is found ahead of hint, and
// takes up to maxLen blocks of it.
func (a *Allocator) Alloc(hint uint32, minLen, maxLen uint32) (start uint32, length uint32, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.total == 0 || minLen == 0 || minLen > maxLen {
		return 0, 0, newErr("Allocator.Alloc", KindInvalidArgument)
	}

	begin := hint % a.total
	if found, ok := a.scan(begin, a.total, minLen, maxLen); ok {
		n := a.clampRun(found, maxLen)
		a.commitAlloc(found, n)
		return found, n, nil
	}
	if begin > 0 {
		if found, ok := a.scan(0, begin, minLen, maxLen); ok {
			n := a.clampRun(found, maxLen)
			a.commitAlloc(found, n)
			return found, n, nil
		}
	}
	return 0, 0, newErr("Allocator.Alloc: no run available", KindNoSpace)
}

// scan looks for the first free run bit whose start lies in [from, to),
// reporting true as soon as a run >= minLen is found (the run itself may
// extend past `to`; only its start needs to be in the scan window).
func (a *Allocator) scan(from, to, minLen, maxLen uint32) (uint32, bool) {
	i := from
	for i < to {
		if a.testBit(i) {
			i++
			continue
		}
		n := a.runLen(i, maxLen)
		if n >= minLen {
			return i, true
		}
		i += n
		if n == 0 {
			i++
		}
	}
	return 0, false
}

func (a *Allocator) clampRun(start, maxLen uint32) uint32 {
	return a.runLen(start, maxLen)
}

func (a *Allocator) commitAlloc(start, length uint32) {
	for i := uint32(0); i < length; i++ {
		a.setBit(start + i)
	}
	a.free -= length
}

// Free validates every bit in [start, start+length) is currently set, then
// clears them. Double-free (any bit already clear) or an out-of-range
// request is rejected without mutating anything.
func (a *Allocator) Free(start, length uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if length == 0 || uint64(start)+uint64(length) > uint64(a.total) {
		return newErr("Allocator.Free: out of range", KindInvalidArgument)
	}
	for i := uint32(0); i < length; i++ {
		if !a.testBit(start + i) {
			return newErr("Allocator.Free: double free", KindCorruption)
		}
	}
	for i := uint32(0); i < length; i++ {
		a.clearBit(start + i)
	}
	a.free += length
	return nil
}

// AllocBlock/FreeBlock are the single-block convenience wrappers the inode
// layer uses; semantically Alloc(0,1,1)/Free(b,1).
func (a *Allocator) AllocBlock() (uint32, error) {
	start, _, err := a.Alloc(0, 1, 1)
	return start, err
}

func (a *Allocator) FreeBlock(b uint32) error {
	return a.Free(b, 1)
}

// Fragmentation returns 1 - (largest free run / total free), or 0 when
// fully free. Diagnostic only.
func (a *Allocator) Fragmentation() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free == 0 || a.free == a.total {
		return 0
	}
	var largest uint32
	i := uint32(0)
	for i < a.total {
		if a.testBit(i) {
			i++
			continue
		}
		n := a.runLen(i, a.total-i)
		if n > largest {
			largest = n
		}
		i += n
	}
	return 1 - float64(largest)/float64(a.free)
}

// Stats returns (total, free, allocated) data blocks.
func (a *Allocator) Stats() (total, free, allocated uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total, a.free, a.total - a.free
}

// Sync writes the in-memory bitmap back to the data-bitmap region.
func (a *Allocator) Sync() error {
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

// DataBlock converts a data-region-relative index into a global block number.
func (a *Allocator) DataBlock(index uint32) uint32 { return a.dataStart + index }

// DataIndex is the inverse of DataBlock.
func (a *Allocator) DataIndex(block uint32) uint32 { return block - a.dataStart }
