package ext2

import "testing"

func TestDirAddEntry_LookupRoundTrip(t *testing.T) {
	// Given an empty root directory and a freshly allocated child inode
	fs := newTestFS(t)
	root, err := fs.GetInode(RootIno)
	if err != nil {
		t.Fatalf("GetInode(root): unexpected err: %v", err)
	}
	defer fs.PutInode(root)

	childIno, child, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(child)

	// When a record for "hello.txt" is added
	if err := fs.DirAddEntry(root, "hello.txt", childIno, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(): unexpected err: %v", err)
	}

	// Then looking it up returns the inode it was given
	found, err := fs.DirLookup(root, "hello.txt")
	if err != nil {
		t.Fatalf("DirLookup(): unexpected err: %v", err)
	}
	if found.Ino != childIno {
		t.Fatalf("wanted ino `%#x`; found `%#x`", childIno, found.Ino)
	}
	if found.Type != FileTypeRegular {
		t.Fatalf("wanted type `%s`; found `%s`", FileTypeRegular, found.Type)
	}
}

func TestDirAddEntry_RejectsDuplicateName(t *testing.T) {
	// Given a directory that already has an entry named "dup"
	fs := newTestFS(t)
	root, err := fs.GetInode(RootIno)
	if err != nil {
		t.Fatalf("GetInode(root): unexpected err: %v", err)
	}
	defer fs.PutInode(root)

	childIno, child, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(child)
	if err := fs.DirAddEntry(root, "dup", childIno, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(): unexpected err: %v", err)
	}

	// When a second entry with the same name is added
	secondIno, second, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(second)
	err = fs.DirAddEntry(root, "dup", secondIno, FileTypeRegular)

	// Then it should be rejected as already existing
	if _, ok := err.(ExistsError); !ok {
		t.Fatalf("wanted ExistsError; found `%v`", err)
	}
}

func TestDirAddEntry_SplitsSlackWithoutGrowingDirectory(t *testing.T) {
	// Given a single-block directory whose last record spans the rest of
	// the block
	fs := newTestFS(t)
	root, err := fs.GetInode(RootIno)
	if err != nil {
		t.Fatalf("GetInode(root): unexpected err: %v", err)
	}
	defer fs.PutInode(root)
	sizeBefore := root.Body.Size

	firstIno, first, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(first)
	if err := fs.DirAddEntry(root, "a", firstIno, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(a): unexpected err: %v", err)
	}

	// When a second, small entry is added
	secondIno, second, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(second)
	if err := fs.DirAddEntry(root, "b", secondIno, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(b): unexpected err: %v", err)
	}

	// Then the directory should not have grown, and both names resolve
	if root.Body.Size != sizeBefore {
		t.Fatalf("wanted size `%d`; found `%d`", sizeBefore, root.Body.Size)
	}
	if found, err := fs.DirLookup(root, "a"); err != nil || found.Ino != firstIno {
		t.Fatalf("DirLookup(a): wanted `%#x`, nil; found `%#x`, `%v`", firstIno, found.Ino, err)
	}
	if found, err := fs.DirLookup(root, "b"); err != nil || found.Ino != secondIno {
		t.Fatalf("DirLookup(b): wanted `%#x`, nil; found `%#x`, `%v`", secondIno, found.Ino, err)
	}
}

func TestDirRemoveEntry_TombstonesFirstRecord(t *testing.T) {
	// Given a fresh directory whose first (and only) record is "only"
	fs := newTestFS(t)
	_, root, err := fs.AllocInode(0, true)
	if err != nil {
		t.Fatalf("AllocInode(dir): unexpected err: %v", err)
	}
	defer fs.PutInode(root)

	ino, child, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(child)
	if err := fs.DirAddEntry(root, "only", ino, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(): unexpected err: %v", err)
	}

	// When it's removed
	freed, err := fs.DirRemoveEntry(root, "only")
	if err != nil {
		t.Fatalf("DirRemoveEntry(): unexpected err: %v", err)
	}

	// Then it should report the freed inode, and a further lookup fails
	if freed != ino {
		t.Fatalf("wanted freed ino `%#x`; found `%#x`", ino, freed)
	}
	if _, err := fs.DirLookup(root, "only"); err == nil {
		t.Fatal("DirLookup(): wanted an error after removal; found nil")
	}
}

func TestDirRemoveEntry_FoldsIntoPrecedingRecord(t *testing.T) {
	// Given a directory with "a" followed by "b"
	fs := newTestFS(t)
	root, err := fs.GetInode(RootIno)
	if err != nil {
		t.Fatalf("GetInode(root): unexpected err: %v", err)
	}
	defer fs.PutInode(root)

	aIno, a, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(a)
	if err := fs.DirAddEntry(root, "a", aIno, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(a): unexpected err: %v", err)
	}
	bIno, b, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(b)
	if err := fs.DirAddEntry(root, "b", bIno, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(b): unexpected err: %v", err)
	}

	// When "b" is removed
	if _, err := fs.DirRemoveEntry(root, "b"); err != nil {
		t.Fatalf("DirRemoveEntry(b): unexpected err: %v", err)
	}

	// Then "a" should remain resolvable and "b" should not
	if found, err := fs.DirLookup(root, "a"); err != nil || found.Ino != aIno {
		t.Fatalf("DirLookup(a): wanted `%#x`, nil; found `%#x`, `%v`", aIno, found.Ino, err)
	}
	if _, err := fs.DirLookup(root, "b"); err == nil {
		t.Fatal("DirLookup(b): wanted an error after removal; found nil")
	}
}

func TestDirRedirectEntry_UpdatesTargetInPlace(t *testing.T) {
	// Given a directory entry pointing at one inode
	fs := newTestFS(t)
	root, err := fs.GetInode(RootIno)
	if err != nil {
		t.Fatalf("GetInode(root): unexpected err: %v", err)
	}
	defer fs.PutInode(root)

	origIno, orig, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(orig)
	if err := fs.DirAddEntry(root, "moved", origIno, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(): unexpected err: %v", err)
	}

	newIno, newEntry, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(newEntry)

	// When it's redirected to a different inode
	if err := fs.DirRedirectEntry(root, "moved", newIno); err != nil {
		t.Fatalf("DirRedirectEntry(): unexpected err: %v", err)
	}

	// Then the lookup should reflect the new target
	found, err := fs.DirLookup(root, "moved")
	if err != nil {
		t.Fatalf("DirLookup(): unexpected err: %v", err)
	}
	if found.Ino != newIno {
		t.Fatalf("wanted ino `%#x`; found `%#x`", newIno, found.Ino)
	}
}

func TestDirIsEmpty(t *testing.T) {
	// Given a freshly formatted root directory holding only "." and ".."
	fs := newTestFS(t)
	root, err := fs.GetInode(RootIno)
	if err != nil {
		t.Fatalf("GetInode(root): unexpected err: %v", err)
	}
	defer fs.PutInode(root)

	// When emptiness is checked before and after adding a real entry
	before, err := fs.DirIsEmpty(root)
	if err != nil {
		t.Fatalf("DirIsEmpty(): unexpected err: %v", err)
	}
	if !before {
		t.Fatal("wanted a fresh root directory to be considered empty")
	}

	childIno, child, err := fs.AllocInode(0, false)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(child)
	if err := fs.DirAddEntry(root, "x", childIno, FileTypeRegular); err != nil {
		t.Fatalf("DirAddEntry(): unexpected err: %v", err)
	}

	after, err := fs.DirIsEmpty(root)
	if err != nil {
		t.Fatalf("DirIsEmpty(): unexpected err: %v", err)
	}

	// Then it should no longer be considered empty
	if after {
		t.Fatal("wanted directory with a real entry to be non-empty")
	}
}

func TestDirCreateEmpty_HasDotAndDotDot(t *testing.T) {
	// Given a freshly allocated directory inode
	fs := newTestFS(t)
	ino, entry, err := fs.AllocInode(0, true)
	if err != nil {
		t.Fatalf("AllocInode(): unexpected err: %v", err)
	}
	defer fs.PutInode(entry)

	// When it's initialized as an empty directory under the root
	if err := fs.DirCreateEmpty(entry, ino, RootIno); err != nil {
		t.Fatalf("DirCreateEmpty(): unexpected err: %v", err)
	}

	// Then "." should resolve to itself and ".." to its parent
	dot, err := fs.DirLookup(entry, ".")
	if err != nil {
		t.Fatalf("DirLookup(.): unexpected err: %v", err)
	}
	if dot.Ino != ino {
		t.Fatalf("wanted `.` to resolve to `%#x`; found `%#x`", ino, dot.Ino)
	}

	dotdot, err := fs.DirLookup(entry, "..")
	if err != nil {
		t.Fatalf("DirLookup(..): unexpected err: %v", err)
	}
	if dotdot.Ino != RootIno {
		t.Fatalf("wanted `..` to resolve to `%#x`; found `%#x`", RootIno, dotdot.Ino)
	}

	if entry.Body.LinksCount != 2 {
		t.Fatalf("wanted links_count `2`; found `%d`", entry.Body.LinksCount)
	}
}
