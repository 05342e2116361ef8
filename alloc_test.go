package modernfs

import "testing"

func newTestAllocator(t *testing.T, total uint32) *Allocator {
	t.Helper()
	path := makeImage(t, total+8)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })
	return NewAllocator(dev, 0, 1, 8, total)
}

func TestAllocatorAllocFree(t *testing.T) {
	a := newTestAllocator(t, 100)

	start, length, err := a.Alloc(0, 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	if length != 10 {
		t.Fatalf("length = %d, want 10", length)
	}
	_, free, _ := a.Stats()
	if free != 90 {
		t.Fatalf("free = %d, want 90", free)
	}

	if err := a.Free(start, length); err != nil {
		t.Fatal(err)
	}
	_, free, _ = a.Stats()
	if free != 100 {
		t.Fatalf("free after Free = %d, want 100", free)
	}
}

func TestAllocatorDoubleFreeRejected(t *testing.T) {
	a := newTestAllocator(t, 50)
	start, length, err := a.Alloc(0, 4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Free(start, length); err != nil {
		t.Fatal(err)
	}
	if err := a.Free(start, length); KindOf(err) != KindCorruption {
		t.Fatalf("expected KindCorruption on double free, got %v", err)
	}
}

func TestAllocatorWrapsAroundFromHint(t *testing.T) {
	a := newTestAllocator(t, 20)
	// Consume everything from 0..14, leaving only the run [15,20) free. A
	// hint of 17 sees just 3 free blocks ahead of it, so the scan has to
	// wrap to 0 and find the run that starts at 15.
	if _, _, err := a.Alloc(0, 15, 15); err != nil {
		t.Fatal(err)
	}
	start, length, err := a.Alloc(17, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if start != 15 || length != 5 {
		t.Fatalf("expected the only remaining run [15,20), got start=%d length=%d", start, length)
	}
}

func TestAllocatorNoSpace(t *testing.T) {
	a := newTestAllocator(t, 10)
	if _, _, err := a.Alloc(0, 10, 10); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Alloc(0, 1, 1); KindOf(err) != KindNoSpace {
		t.Fatalf("expected KindNoSpace, got %v", err)
	}
}

func TestAllocatorOutOfRangeFreeRejected(t *testing.T) {
	a := newTestAllocator(t, 10)
	if err := a.Free(5, 10); KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument, got %v", err)
	}
}

func TestAllocatorSyncLoadRoundTrip(t *testing.T) {
	path := makeImage(t, 20)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	a := NewAllocator(dev, 0, 1, 8, 100)
	if _, _, err := a.Alloc(0, 7, 7); err != nil {
		t.Fatal(err)
	}
	if err := a.Sync(); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadAllocator(dev, 0, 1, 8, 100)
	if err != nil {
		t.Fatal(err)
	}
	_, free, _ := loaded.Stats()
	if free != 93 {
		t.Fatalf("loaded free = %d, want 93", free)
	}
}

func TestAllocatorFragmentation(t *testing.T) {
	a := newTestAllocator(t, 10)
	if f := a.Fragmentation(); f != 0 {
		t.Fatalf("fresh allocator fragmentation = %v, want 0", f)
	}
	start, _, err := a.Alloc(0, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	_ = start
	if f := a.Fragmentation(); f != 0 {
		t.Fatalf("single hole at the edge should not fragment the rest: got %v", f)
	}
}
