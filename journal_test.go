package modernfs

import (
	"bytes"
	"testing"
)

func newTestJournal(t *testing.T) (*Journal, *BufferCache, *BlockDevice) {
	t.Helper()
	path := makeImage(t, 300)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dev.Close() })

	cache := NewBufferCache(64)
	j, err := InitJournal(dev, cache, 0, 256)
	if err != nil {
		t.Fatal(err)
	}
	return j, cache, dev
}

func TestJournalCommitThenCheckpointApplies(t *testing.T) {
	j, cache, dev := newTestJournal(t)

	txn := j.Begin()
	payload := bytes.Repeat([]byte{0x7A}, BlockSize)
	if err := txn.Write(260, payload); err != nil {
		t.Fatal(err)
	}
	if err := j.Commit(txn); err != nil {
		t.Fatal(err)
	}

	applied, err := j.Checkpoint()
	if err != nil {
		t.Fatal(err)
	}
	if applied != 1 {
		t.Fatalf("applied = %d, want 1", applied)
	}

	cache.Invalidate(260) // drop the cached frame; dev.Read below reads the image itself
	got := make([]byte, BlockSize)
	if err := dev.Read(260, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("checkpoint did not apply the committed payload to its home block")
	}
}

func TestJournalRecoverReplaysUncheckpointedCommit(t *testing.T) {
	path := makeImage(t, 300)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	cache := NewBufferCache(64)
	j, err := InitJournal(dev, cache, 0, 256)
	if err != nil {
		t.Fatal(err)
	}

	txn := j.Begin()
	payload := bytes.Repeat([]byte{0x55}, BlockSize)
	if err := txn.Write(270, payload); err != nil {
		t.Fatal(err)
	}
	if err := j.Commit(txn); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash before any checkpoint ran: reload the journal from
	// its persisted superblock (head/tail unchanged) and recover.
	j2, err := LoadJournal(dev, cache, 0, 256)
	if err != nil {
		t.Fatal(err)
	}
	applied, err := j2.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if applied != 1 {
		t.Fatalf("recovered %d transactions, want 1", applied)
	}

	got := make([]byte, BlockSize)
	if err := dev.Read(270, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("recovery did not replay the committed payload")
	}
}

func TestJournalRecoverStopsAtMissingCommit(t *testing.T) {
	path := makeImage(t, 300)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	cache := NewBufferCache(64)
	j, err := InitJournal(dev, cache, 0, 256)
	if err != nil {
		t.Fatal(err)
	}

	// A descriptor block with no matching commit: write it directly,
	// bypassing Commit, to simulate a crash between the payload and commit
	// writes. The payload and commit slots stay zero. head is moved past
	// the record so Recover actually scans it.
	descBuf := make([]byte, BlockSize)
	w := newByteWriter(descBuf)
	w.u32(journalDescMagic)
	w.u64(j.seq + 1)
	w.u32(1)
	w.u32(280)
	if err := dev.Write(j.ringBlock(j.head, 0), descBuf); err != nil {
		t.Fatal(err)
	}
	j.head = advanceRing(j.head, 3, j.capacity)

	applied, err := j.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if applied != 0 {
		t.Fatalf("applied = %d, want 0 for a log with no valid commits", applied)
	}
}

func TestJournalLoadPersistsSeqAcrossReopen(t *testing.T) {
	path := makeImage(t, 300)
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	cache := NewBufferCache(64)
	j, err := InitJournal(dev, cache, 0, 256)
	if err != nil {
		t.Fatal(err)
	}
	txn := j.Begin()
	if err := txn.Write(290, make([]byte, BlockSize)); err != nil {
		t.Fatal(err)
	}
	if err := j.Commit(txn); err != nil {
		t.Fatal(err)
	}

	j2, err := LoadJournal(dev, cache, 0, 256)
	if err != nil {
		t.Fatal(err)
	}
	if j2.Seq() != j.Seq() {
		t.Fatalf("reloaded seq = %d, want %d", j2.Seq(), j.Seq())
	}
}

func TestJournalCommitTooLargeRejected(t *testing.T) {
	j, _, _ := newTestJournal(t)
	txn := j.Begin()
	for i := 0; i < maxTxnBlocks+1; i++ {
		if err := txn.Write(uint32(260+i), make([]byte, BlockSize)); err != nil {
			t.Fatal(err)
		}
	}
	if err := j.Commit(txn); KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument for an oversized transaction, got %v", err)
	}
}
