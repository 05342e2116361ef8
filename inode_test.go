package modernfs

import (
	"bytes"
	"testing"
)

// testFS bundles the collaborators bmap/Read/Write/Truncate need, built
// directly (bypassing MountImage) so inode-layer tests don't depend on a
// fully formatted image.
type testFS struct {
	dev    *BlockDevice
	cache  *BufferCache
	inodeA *InodeAllocator
	inodeC *InodeCache
	dataA  *Allocator
	bm     *blockMapper
}

func newTestFS(t *testing.T, dataBlocks uint32) *testFS {
	t.Helper()
	const (
		inodeBitmapStart = 0
		inodeBitmapLen   = 1
		inodeTableStart  = 1
		inodeTableLen    = 4
		dataBitmapStart  = 5
		dataBitmapLen    = 1
		dataStart        = 6
		totalInodes      = 128
	)
	path := makeImage(t, dataStart+dataBlocks)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	cache := NewBufferCache(256)
	inodeA := NewInodeAllocator(dev, inodeBitmapStart, inodeBitmapLen, totalInodes)
	lay := Layout{
		TotalInodes: totalInodes, InodeTableStart: inodeTableStart, InodeTableLen: inodeTableLen,
	}
	inodeC := NewInodeCache(dev, cache, inodeA, lay, 32)
	dataA := NewAllocator(dev, dataBitmapStart, dataBitmapLen, dataStart, dataBlocks)
	bm := newBlockMapper(dataA, cache, dev)

	return &testFS{dev: dev, cache: cache, inodeA: inodeA, inodeC: inodeC, dataA: dataA, bm: bm}
}

func TestInodeAllocGetPut(t *testing.T) {
	fs := newTestFS(t, 64)
	in, err := fs.inodeC.Alloc(TypeFile, 0644, 1000, 1000)
	if err != nil {
		t.Fatal(err)
	}
	num := in.Num()
	fs.inodeC.Put(in)

	got, err := fs.inodeC.Get(num)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(got)
	st := got.Stat()
	if st.Type != TypeFile || st.Mode != 0644 || st.Uid != 1000 {
		t.Fatalf("unexpected stat after reload: %+v", st)
	}
}

func TestInodeWriteReadRoundTrip(t *testing.T) {
	fs := newTestFS(t, 64)
	in, err := fs.inodeC.Alloc(TypeFile, 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(in)

	data := bytes.Repeat([]byte("hello-modernfs-"), 300) // spans multiple blocks
	n, err := fs.inodeC.Write(in, fs.bm, nil, 0, data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("wrote %d bytes, want %d", n, len(data))
	}

	buf := make([]byte, len(data))
	n, err = fs.inodeC.Read(in, fs.bm, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) || !bytes.Equal(buf, data) {
		t.Fatal("read back did not match what was written")
	}
}

func TestInodeReadHonorsHoles(t *testing.T) {
	fs := newTestFS(t, 64)
	in, err := fs.inodeC.Alloc(TypeFile, 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(in)

	// Write only at a direct block far from offset 0: blocks before it
	// are holes.
	payload := bytes.Repeat([]byte{0x1}, 10)
	if _, err := fs.inodeC.Write(in, fs.bm, nil, 5*BlockSize, payload); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, BlockSize)
	n, err := fs.inodeC.Read(in, fs.bm, 2*BlockSize, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != BlockSize {
		t.Fatalf("short read over a hole: got %d, want %d", n, BlockSize)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("hole should read back as zero")
		}
	}
}

func TestInodeReadPastEOFIsShortNotError(t *testing.T) {
	fs := newTestFS(t, 64)
	in, err := fs.inodeC.Alloc(TypeFile, 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(in)

	if _, err := fs.inodeC.Write(in, fs.bm, nil, 0, []byte("abc")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 100)
	n, err := fs.inodeC.Read(in, fs.bm, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("read %d bytes, want 3 (clipped to file size)", n)
	}
}

func TestInodeTruncateShrinkFreesBlocks(t *testing.T) {
	fs := newTestFS(t, 64)
	in, err := fs.inodeC.Alloc(TypeFile, 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(in)

	data := bytes.Repeat([]byte{0x9}, 5*BlockSize)
	if _, err := fs.inodeC.Write(in, fs.bm, nil, 0, data); err != nil {
		t.Fatal(err)
	}
	_, freeBefore, _ := fs.dataA.Stats()

	if err := fs.inodeC.Truncate(in, fs.bm, BlockSize); err != nil {
		t.Fatal(err)
	}
	_, freeAfter, _ := fs.dataA.Stats()
	if freeAfter <= freeBefore {
		t.Fatalf("truncate should have freed blocks: before=%d after=%d", freeBefore, freeAfter)
	}

	st := in.Stat()
	if st.Size != BlockSize {
		t.Fatalf("size after truncate = %d, want %d", st.Size, BlockSize)
	}
}

func TestInodeWriteThroughIndirectBlock(t *testing.T) {
	fs := newTestFS(t, 4096)
	in, err := fs.inodeC.Alloc(TypeFile, 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(in)

	// Offset past the 12 direct blocks forces an indirect metablock.
	offset := int64(20 * BlockSize)
	payload := bytes.Repeat([]byte{0x3}, BlockSize)
	if _, err := fs.inodeC.Write(in, fs.bm, nil, offset, payload); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, BlockSize)
	n, err := fs.inodeC.Read(in, fs.bm, offset, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != BlockSize || !bytes.Equal(buf, payload) {
		t.Fatal("indirect-block write/read round trip failed")
	}

	st := in.Stat()
	if st.Blocks < 2 { // the leaf plus at least the indirect metablock
		t.Fatalf("blocks = %d, want at least 2 (leaf + indirect metablock)", st.Blocks)
	}
}

func TestInodeFreeReleasesNumber(t *testing.T) {
	fs := newTestFS(t, 64)
	in, err := fs.inodeC.Alloc(TypeFile, 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	num := in.Num()
	_, freeBefore := fs.inodeA.Stats()

	if err := fs.inodeC.Free(in, fs.bm); err != nil {
		t.Fatal(err)
	}
	_, freeAfter := fs.inodeA.Stats()
	if freeAfter != freeBefore+1 {
		t.Fatalf("free inode count = %d, want %d", freeAfter, freeBefore+1)
	}

	reAlloc, err := fs.inodeC.Alloc(TypeFile, 0600, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(reAlloc)
	if reAlloc.Num() != num {
		t.Fatalf("expected the freed inode number %d to be reused, got %d", num, reAlloc.Num())
	}
}
