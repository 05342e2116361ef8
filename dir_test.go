package modernfs

import "testing"

func TestDirInitDirHasDotAndDotDot(t *testing.T) {
	fs := newTestFS(t, 64)
	dir := NewDir(fs.inodeC, fs.bm)

	root, err := fs.inodeC.Alloc(TypeDir, 0755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(root)

	if err := dir.InitDir(root, root.Num()); err != nil {
		t.Fatal(err)
	}

	if inum, err := dir.Lookup(root, "."); err != nil || inum != root.Num() {
		t.Fatalf(`Lookup(".") = %d, %v`, inum, err)
	}
	if inum, err := dir.Lookup(root, ".."); err != nil || inum != root.Num() {
		t.Fatalf(`Lookup("..") = %d, %v`, inum, err)
	}
	if root.Stat().Nlink != 2 {
		t.Fatalf("Nlink after InitDir = %d, want 2", root.Stat().Nlink)
	}
	empty, err := dir.IsEmpty(root)
	if err != nil {
		t.Fatal(err)
	}
	if !empty {
		t.Fatal("a freshly initialized directory should be empty")
	}
}

func TestDirAddLookupRemove(t *testing.T) {
	fs := newTestFS(t, 64)
	dir := NewDir(fs.inodeC, fs.bm)
	root, err := fs.inodeC.Alloc(TypeDir, 0755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(root)
	if err := dir.InitDir(root, root.Num()); err != nil {
		t.Fatal(err)
	}

	child, err := fs.inodeC.Alloc(TypeFile, 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(child)

	if err := dir.Add(root, "hello.txt", child.Num(), TypeFile); err != nil {
		t.Fatal(err)
	}
	empty, _ := dir.IsEmpty(root)
	if empty {
		t.Fatal("directory with a real entry should not be empty")
	}

	got, err := dir.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got != child.Num() {
		t.Fatalf("Lookup returned %d, want %d", got, child.Num())
	}

	if err := dir.Remove(root, "hello.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := dir.Lookup(root, "hello.txt"); KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound after Remove, got %v", err)
	}
}

func TestDirAddDuplicateRejected(t *testing.T) {
	fs := newTestFS(t, 64)
	dir := NewDir(fs.inodeC, fs.bm)
	root, err := fs.inodeC.Alloc(TypeDir, 0755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(root)
	if err := dir.InitDir(root, root.Num()); err != nil {
		t.Fatal(err)
	}

	if err := dir.Add(root, "a", 42, TypeFile); err != nil {
		t.Fatal(err)
	}
	if err := dir.Add(root, "a", 43, TypeFile); KindOf(err) != KindAlreadyExists {
		t.Fatalf("expected KindAlreadyExists, got %v", err)
	}
}

func TestDirAddRejectsBadNames(t *testing.T) {
	fs := newTestFS(t, 64)
	dir := NewDir(fs.inodeC, fs.bm)
	root, err := fs.inodeC.Alloc(TypeDir, 0755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(root)
	if err := dir.InitDir(root, root.Num()); err != nil {
		t.Fatal(err)
	}

	if err := dir.Add(root, "", 1, TypeFile); KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument for empty name, got %v", err)
	}
	longName := make([]byte, maxNameLen+1)
	for i := range longName {
		longName[i] = 'x'
	}
	if err := dir.Add(root, string(longName), 1, TypeFile); KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument for oversize name, got %v", err)
	}
}

// "first" is not the first record in its block, so Remove merges it into
// the record before it; the re-Add then splits that record's slack.
func TestDirRemoveThenReAddReusesFreedSpace(t *testing.T) {
	fs := newTestFS(t, 64)
	dir := NewDir(fs.inodeC, fs.bm)
	root, err := fs.inodeC.Alloc(TypeDir, 0755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(root)
	if err := dir.InitDir(root, root.Num()); err != nil {
		t.Fatal(err)
	}

	if err := dir.Add(root, "first", 10, TypeFile); err != nil {
		t.Fatal(err)
	}
	sizeBefore := root.Stat().Size
	if err := dir.Remove(root, "first"); err != nil {
		t.Fatal(err)
	}
	if err := dir.Add(root, "second", 11, TypeFile); err != nil {
		t.Fatal(err)
	}
	sizeAfter := root.Stat().Size
	if sizeAfter != sizeBefore {
		t.Fatalf("reusing freed space should not grow the directory: before=%d after=%d", sizeBefore, sizeAfter)
	}
	got, err := dir.Lookup(root, "second")
	if err != nil || got != 11 {
		t.Fatalf("Lookup(second) = %d, %v", got, err)
	}
}

func TestDirAddFillsMultipleBlocks(t *testing.T) {
	fs := newTestFS(t, 512)
	dir := NewDir(fs.inodeC, fs.bm)
	root, err := fs.inodeC.Alloc(TypeDir, 0755, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer fs.inodeC.Put(root)
	if err := dir.InitDir(root, root.Num()); err != nil {
		t.Fatal(err)
	}

	// Each entry ("fNNN", 8 bytes aligned) is small enough that one block
	// holds far fewer than this many; forces an append into a second block.
	const n = 400
	for i := 0; i < n; i++ {
		name := "f" + string(rune('A'+i%26)) + string(rune('0'+i/26%10)) + string(rune('0'+i/260))
		if err := dir.Add(root, name, uint32(100+i), TypeFile); err != nil {
			t.Fatalf("Add(%s) failed at i=%d: %v", name, i, err)
		}
	}
	if root.Stat().Size <= BlockSize {
		t.Fatal("expected directory to span more than one block")
	}

	count := 0
	if err := dir.Iterate(root, func(name string, inum uint32, ftype uint8) bool {
		count++
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if count != n+2 { // plus "." and ".."
		t.Fatalf("iterated %d entries, want %d", count, n+2)
	}
}
