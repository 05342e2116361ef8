package modernfs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func makeImage(t *testing.T, blocks uint32) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.img")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(int64(blocks) * BlockSize); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBlockDeviceReadWriteRoundTrip(t *testing.T) {
	path := makeImage(t, 16)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	want := bytes.Repeat([]byte{0xAB}, BlockSize)
	if err := dev.Write(3, want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, BlockSize)
	if err := dev.Read(3, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back did not match what was written")
	}
}

func TestBlockDeviceRejectsOutOfRange(t *testing.T) {
	path := makeImage(t, 4)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	buf := make([]byte, BlockSize)
	if err := dev.Read(10, buf); KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument, got %v", err)
	}
}

func TestBlockDeviceRejectsShortBuffer(t *testing.T) {
	path := makeImage(t, 4)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if err := dev.Write(0, make([]byte, 100)); KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument for short buffer, got %v", err)
	}
}

func TestBlockDeviceDoubleMountRejected(t *testing.T) {
	path := makeImage(t, 4)
	dev1, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev1.Close()

	if _, err := OpenBlockDevice(path, false); err == nil {
		t.Fatal("expected second exclusive open of the same image to fail")
	}
}

func TestBlockDeviceReadOnlyRejectsWrite(t *testing.T) {
	path := makeImage(t, 4)
	dev, err := OpenBlockDevice(path, true)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	if err := dev.Write(0, make([]byte, BlockSize)); KindOf(err) != KindReadOnly {
		t.Fatalf("expected KindReadOnly, got %v", err)
	}
}

func TestSuperblockStoreLoad(t *testing.T) {
	path := makeImage(t, 8192)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	l, err := ComputeLayout(8192)
	if err != nil {
		t.Fatal(err)
	}
	sb := NewSuperblock(l)
	if err := dev.StoreSuperblock(sb); err != nil {
		t.Fatal(err)
	}

	got, err := dev.LoadSuperblock()
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalBlocks != sb.TotalBlocks {
		t.Errorf("TotalBlocks = %d, want %d", got.TotalBlocks, sb.TotalBlocks)
	}
}
