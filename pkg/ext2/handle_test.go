package ext2

import (
	"bytes"
	"io"
	"testing"
)

func TestDriver_OpenCreateWriteReadRoundTrip(t *testing.T) {
	// Given a mounted driver with nothing at "/greeting.txt"
	driver := newTestDriver(t)

	// When it's opened with OCreat and written to, then reopened and read
	wh, err := driver.Open("/", "/greeting.txt", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(OCreat): unexpected err: %v", err)
	}
	if _, err := driver.Write(wh, []byte("hello")); err != nil {
		t.Fatalf("Write(): unexpected err: %v", err)
	}
	if err := driver.Close(wh); err != nil {
		t.Fatalf("Close(): unexpected err: %v", err)
	}

	rh, err := driver.Open("/", "/greeting.txt", ORdOnly)
	if err != nil {
		t.Fatalf("Open(ORdOnly): unexpected err: %v", err)
	}
	defer driver.Close(rh)

	buf := make([]byte, 5)
	n, err := driver.Read(rh, buf)
	if err != nil {
		t.Fatalf("Read(): unexpected err: %v", err)
	}

	// Then the bytes written should be exactly what comes back
	if n != 5 || !bytes.Equal(buf, []byte("hello")) {
		t.Fatalf("wanted `hello`; found `%q` (n=%d)", buf, n)
	}
}

func TestDriver_OpenCreatExclRejectsExisting(t *testing.T) {
	// Given a file that already exists
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/x", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	driver.Close(h)

	// When it's opened again with OCreat|OExcl
	_, err = driver.Open("/", "/x", OWrOnly|OCreat|OExcl)

	// Then it should be rejected as already existing
	if _, ok := err.(ExistsError); !ok {
		t.Fatalf("wanted ExistsError; found `%v`", err)
	}
}

func TestDriver_OpenRejectsWriteOnReadOnlyMount(t *testing.T) {
	// Given a volume mounted read-only
	dev := NewMemoryBlockDevice(1024, 512)
	if _, err := Format(dev, FormatOptions{BlocksCount: 512}); err != nil {
		t.Fatalf("Format(): unexpected err: %v", err)
	}
	driver, err := Init(Config{})
	if err != nil {
		t.Fatalf("Init(): unexpected err: %v", err)
	}
	if err := driver.Mount("/", dev, true); err != nil {
		t.Fatalf("Mount(): unexpected err: %v", err)
	}

	// When a write-mode open is attempted
	_, err = driver.Open("/", "/x", OWrOnly|OCreat)

	// Then it should be refused
	if _, ok := err.(ReadOnlyError); !ok {
		t.Fatalf("wanted ReadOnlyError; found `%v`", err)
	}
}

func TestDriver_ReadOnDirectoryFails(t *testing.T) {
	// Given a handle opened on the root directory
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/", ODir)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	// When Read is attempted on it
	_, err = driver.Read(h, make([]byte, 16))

	// Then it should fail because it's a directory
	if _, ok := err.(IsDirError); !ok {
		t.Fatalf("wanted IsDirError; found `%v`", err)
	}
}

func TestDriver_MkdirRmdirRoundTrip(t *testing.T) {
	// Given a mounted driver
	driver := newTestDriver(t)

	// When a directory is created and then removed
	if err := driver.Mkdir("/", "/sub"); err != nil {
		t.Fatalf("Mkdir(): unexpected err: %v", err)
	}
	stat, err := driver.Stat("/", "/sub")
	if err != nil {
		t.Fatalf("Stat(): unexpected err: %v", err)
	}
	if !stat.IsDir {
		t.Fatal("wanted /sub to stat as a directory")
	}

	if err := driver.Rmdir("/", "/sub"); err != nil {
		t.Fatalf("Rmdir(): unexpected err: %v", err)
	}

	// Then it should no longer resolve
	if _, err := driver.Stat("/", "/sub"); err == nil {
		t.Fatal("Stat(): wanted an error after Rmdir; found nil")
	}
}

func TestDriver_RmdirRejectsNonEmptyDirectory(t *testing.T) {
	// Given a directory containing a file
	driver := newTestDriver(t)
	if err := driver.Mkdir("/", "/sub"); err != nil {
		t.Fatalf("Mkdir(): unexpected err: %v", err)
	}
	h, err := driver.Open("/", "/sub/f", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	driver.Close(h)

	// When it's removed
	err = driver.Rmdir("/", "/sub")

	// Then it should be rejected as not empty
	if _, ok := err.(NotEmptyError); !ok {
		t.Fatalf("wanted NotEmptyError; found `%v`", err)
	}
}

func TestDriver_RmdirRejectsRoot(t *testing.T) {
	driver := newTestDriver(t)
	if err := driver.Rmdir("/", "/"); err == nil {
		t.Fatal("Rmdir(/): wanted an error; found nil")
	}
}

func TestDriver_UnlinkRejectsOpenFile(t *testing.T) {
	// Given a file with an open handle against it
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/busy", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	// When it's unlinked while still open
	err = driver.Unlink("/", "/busy")

	// Then it should be refused as busy
	if _, ok := err.(BusyError); !ok {
		t.Fatalf("wanted BusyError; found `%v`", err)
	}
}

func TestDriver_UnlinkRejectsDirectory(t *testing.T) {
	driver := newTestDriver(t)
	if err := driver.Mkdir("/", "/sub"); err != nil {
		t.Fatalf("Mkdir(): unexpected err: %v", err)
	}

	err := driver.Unlink("/", "/sub")
	if _, ok := err.(IsDirError); !ok {
		t.Fatalf("wanted IsDirError; found `%v`", err)
	}
}

func TestDriver_UnlinkFreesInodeAfterLastLink(t *testing.T) {
	// Given a file with content
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/gone", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	if _, err := driver.Write(h, []byte("bye")); err != nil {
		t.Fatalf("Write(): unexpected err: %v", err)
	}
	if err := driver.Close(h); err != nil {
		t.Fatalf("Close(): unexpected err: %v", err)
	}

	// When it's unlinked
	if err := driver.Unlink("/", "/gone"); err != nil {
		t.Fatalf("Unlink(): unexpected err: %v", err)
	}

	// Then it should no longer resolve
	if _, err := driver.Stat("/", "/gone"); err == nil {
		t.Fatal("Stat(): wanted an error after Unlink; found nil")
	}
}

func TestDriver_RenameMovesEntryBetweenDirectories(t *testing.T) {
	// Given a file in the root and an empty destination directory
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/orig", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	if _, err := driver.Write(h, []byte("payload")); err != nil {
		t.Fatalf("Write(): unexpected err: %v", err)
	}
	if err := driver.Close(h); err != nil {
		t.Fatalf("Close(): unexpected err: %v", err)
	}
	if err := driver.Mkdir("/", "/dest"); err != nil {
		t.Fatalf("Mkdir(): unexpected err: %v", err)
	}

	// When it's renamed into the destination directory under a new name
	if err := driver.Rename("/", "/orig", "/dest/renamed"); err != nil {
		t.Fatalf("Rename(): unexpected err: %v", err)
	}

	// Then the old path should be gone and the new path should resolve
	// to the same content
	if _, err := driver.Stat("/", "/orig"); err == nil {
		t.Fatal("Stat(/orig): wanted an error after Rename; found nil")
	}
	rh, err := driver.Open("/", "/dest/renamed", ORdOnly)
	if err != nil {
		t.Fatalf("Open(/dest/renamed): unexpected err: %v", err)
	}
	defer driver.Close(rh)
	buf := make([]byte, 7)
	if _, err := driver.Read(rh, buf); err != nil {
		t.Fatalf("Read(): unexpected err: %v", err)
	}
	if !bytes.Equal(buf, []byte("payload")) {
		t.Fatalf("wanted `payload`; found `%q`", buf)
	}
}

func TestDriver_RenameRejectsOpenSource(t *testing.T) {
	// Given a file with an open handle
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/held", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	// When it's renamed while still open
	err = driver.Rename("/", "/held", "/elsewhere")

	// Then it should be refused as busy
	if _, ok := err.(BusyError); !ok {
		t.Fatalf("wanted BusyError; found `%v`", err)
	}
}

func TestDriver_ReaddirListsCreatedEntries(t *testing.T) {
	// Given two files created under the root
	driver := newTestDriver(t)
	for _, name := range []string{"/one", "/two"} {
		h, err := driver.Open("/", name, OWrOnly|OCreat)
		if err != nil {
			t.Fatalf("Open(%s): unexpected err: %v", name, err)
		}
		if err := driver.Close(h); err != nil {
			t.Fatalf("Close(%s): unexpected err: %v", name, err)
		}
	}

	// When the root is listed
	dh, err := driver.Open("/", "/", ODir)
	if err != nil {
		t.Fatalf("Open(/): unexpected err: %v", err)
	}
	defer driver.Close(dh)

	found := map[string]bool{}
	for {
		entry, err := driver.Readdir(dh)
		if err != nil {
			t.Fatalf("Readdir(): unexpected err: %v", err)
		}
		if entry == nil {
			break
		}
		found[entry.Name] = true
	}

	// Then both names should appear alongside "." and ".."
	for _, want := range []string{".", "..", "one", "two"} {
		if !found[want] {
			t.Fatalf("wanted `%s` among directory entries `%v`", want, found)
		}
	}
}

func TestDriver_SeekTellRoundTrip(t *testing.T) {
	// Given an open file with some content written
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/seekable", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	if _, err := driver.Write(h, []byte("0123456789")); err != nil {
		t.Fatalf("Write(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	// When it's sought to an absolute position
	pos, err := driver.Seek(h, 3, 0)
	if err != nil {
		t.Fatalf("Seek(): unexpected err: %v", err)
	}
	if pos != 3 {
		t.Fatalf("wanted position `3`; found `%d`", pos)
	}

	// Then Tell should agree
	told, err := driver.Tell(h)
	if err != nil {
		t.Fatalf("Tell(): unexpected err: %v", err)
	}
	if told != 3 {
		t.Fatalf("wanted told position `3`; found `%d`", told)
	}
}

func TestDriver_SeekEnd(t *testing.T) {
	// Given an open file with some content written
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/seekable", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	if _, err := driver.Write(h, []byte("0123456789")); err != nil {
		t.Fatalf("Write(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	// When it's sought relative to the end
	pos, err := driver.Seek(h, -4, io.SeekEnd)
	if err != nil {
		t.Fatalf("Seek(): unexpected err: %v", err)
	}

	// Then the position should be size minus the offset
	if pos != 6 {
		t.Fatalf("wanted position `6`; found `%d`", pos)
	}
}

func TestDriver_SeekBeforeStartRejected(t *testing.T) {
	// Given an open file
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/seekable", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	if _, err := driver.Write(h, []byte("0123456789")); err != nil {
		t.Fatalf("Write(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	// When it's sought to a negative absolute position
	_, err = driver.Seek(h, -1, io.SeekStart)

	// Then it should be rejected
	if _, ok := err.(InvalidArgError); !ok {
		t.Fatalf("wanted InvalidArgError; found `%v`", err)
	}
}

func TestDriver_SeekPastEndClampsToSize(t *testing.T) {
	// Given an open file whose content is 10 bytes long
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/seekable", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	if _, err := driver.Write(h, []byte("0123456789")); err != nil {
		t.Fatalf("Write(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	// When it's sought past the end of the file
	pos, err := driver.Seek(h, 1000, io.SeekStart)
	if err != nil {
		t.Fatalf("Seek(): unexpected err: %v", err)
	}

	// Then the position should clamp to the file's size, not the requested
	// offset
	if pos != 10 {
		t.Fatalf("wanted clamped position `10`; found `%d`", pos)
	}
}

func TestDriver_SeekOnReadOnlyMountClampsToSize(t *testing.T) {
	// Given a file written through a read-write mount, then reopened through
	// a read-only mount of the same device
	dev := NewMemoryBlockDevice(1024, 512)
	if _, err := Format(dev, FormatOptions{BlocksCount: 512}); err != nil {
		t.Fatalf("Format(): unexpected err: %v", err)
	}
	writer, err := Init(Config{})
	if err != nil {
		t.Fatalf("Init(): unexpected err: %v", err)
	}
	if err := writer.Mount("/", dev, false); err != nil {
		t.Fatalf("Mount(): unexpected err: %v", err)
	}
	wh, err := writer.Open("/", "/seekable", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	if _, err := writer.Write(wh, []byte("0123456789")); err != nil {
		t.Fatalf("Write(): unexpected err: %v", err)
	}
	if err := writer.Close(wh); err != nil {
		t.Fatalf("Close(): unexpected err: %v", err)
	}
	if err := writer.Unmount("/"); err != nil {
		t.Fatalf("Unmount(): unexpected err: %v", err)
	}

	reader, err := Init(Config{})
	if err != nil {
		t.Fatalf("Init(): unexpected err: %v", err)
	}
	if err := reader.Mount("/", dev, true); err != nil {
		t.Fatalf("Mount(): unexpected err: %v", err)
	}
	h, err := reader.Open("/", "/seekable", ORdOnly)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	defer reader.Close(h)

	// When it's sought past the end of the file
	pos, err := reader.Seek(h, 1000, io.SeekStart)
	if err != nil {
		t.Fatalf("Seek(): unexpected err: %v", err)
	}

	// Then the position should still clamp to the file's size
	if pos != 10 {
		t.Fatalf("wanted clamped position `10`; found `%d`", pos)
	}
}

func TestDriver_FcntlGetFlReturnsOpenMode(t *testing.T) {
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/flagged", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	flags, err := driver.Fcntl(h, "F_GETFL")
	if err != nil {
		t.Fatalf("Fcntl(F_GETFL): unexpected err: %v", err)
	}
	if OpenMode(flags)&OWrOnly == 0 {
		t.Fatalf("wanted OWrOnly bit set in `%#x`", flags)
	}
}

func TestDriver_FcntlRejectsUnknownCommand(t *testing.T) {
	driver := newTestDriver(t)
	h, err := driver.Open("/", "/flagged2", OWrOnly|OCreat)
	if err != nil {
		t.Fatalf("Open(): unexpected err: %v", err)
	}
	defer driver.Close(h)

	_, err = driver.Fcntl(h, "F_BOGUS")
	if _, ok := err.(InvalidArgError); !ok {
		t.Fatalf("wanted InvalidArgError; found `%v`", err)
	}
}
