package modernfs

import (
	"bytes"
	"testing"
)

func TestBufferCacheInsertLookup(t *testing.T) {
	c := NewBufferCache(4)
	data := bytes.Repeat([]byte{0x11}, BlockSize)
	fr := c.Insert(5, data)
	if fr == nil {
		t.Fatal("Insert into a non-full cache should not return nil")
	}
	c.Put(fr)

	got := c.Lookup(5)
	if got == nil {
		t.Fatal("expected cache hit")
	}
	defer c.Put(got)
	if !bytes.Equal(got.data, data) {
		t.Fatal("lookup returned different data than inserted")
	}
}

func TestBufferCacheMissReturnsNil(t *testing.T) {
	c := NewBufferCache(4)
	if fr := c.Lookup(99); fr != nil {
		t.Fatal("expected miss on empty cache")
	}
}

func TestBufferCacheFullDegradesGracefully(t *testing.T) {
	c := NewBufferCache(2)
	buf := make([]byte, BlockSize)
	for i := uint32(0); i < 2; i++ {
		fr := c.Insert(i, buf)
		if fr == nil {
			t.Fatalf("Insert(%d) should have succeeded under capacity", i)
		}
		c.Put(fr)
	}
	// Every resident frame still has refs==0 (Put released them), but
	// Insert only reuses an existing slot on a hit; a miss at capacity
	// must report nil rather than evict or block.
	if fr := c.Insert(2, buf); fr != nil {
		t.Fatal("expected nil when inserting a new block into a full cache")
	}
}

func TestBufferCacheInvalidate(t *testing.T) {
	c := NewBufferCache(4)
	fr := c.Insert(1, make([]byte, BlockSize))
	c.MarkDirty(fr)
	c.Put(fr)

	c.Invalidate(1)

	got := c.Lookup(1)
	if got != nil {
		t.Fatal("Invalidate should make the frame miss on lookup")
	}
}

func TestBufferCacheSyncWritesDirtyOnly(t *testing.T) {
	path := makeImage(t, 8)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	c := NewBufferCache(4)
	payload := bytes.Repeat([]byte{0x42}, BlockSize)
	c.WriteThrough(2, payload)
	clean := c.Insert(3, bytes.Repeat([]byte{0x24}, BlockSize))
	c.Put(clean)

	if err := c.Sync(dev); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, BlockSize)
	if err := dev.Read(2, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("Sync did not persist the dirty frame to the device")
	}
	if err := dev.Read(3, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, make([]byte, BlockSize)) {
		t.Fatal("Sync wrote a clean frame to the device")
	}
}

func TestBufferCacheReadThroughMiss(t *testing.T) {
	path := makeImage(t, 8)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	want := bytes.Repeat([]byte{0x99}, BlockSize)
	if err := dev.Write(1, want); err != nil {
		t.Fatal(err)
	}

	c := NewBufferCache(4)
	got, err := c.ReadThrough(dev, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("ReadThrough miss did not return the on-disk contents")
	}

	// Second call should hit the cache instead of re-reading the device:
	// overwrite the block behind the cache's back, and the cached contents
	// must still come back.
	if err := dev.Write(1, make([]byte, BlockSize)); err != nil {
		t.Fatal(err)
	}
	got2, err := c.ReadThrough(dev, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got2, want) {
		t.Fatal("ReadThrough hit returned different data")
	}
}
