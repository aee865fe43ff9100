package ext2

import "testing"

// newTestFS formats a small in-memory volume and returns a mounted handle
// to it, ready for direct FileSystem-level tests.
func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	dev := NewMemoryBlockDevice(1024, 512)
	fs, err := Format(dev, FormatOptions{BlocksCount: 512})
	if err != nil {
		t.Fatalf("formatting test volume: unexpected err: %v", err)
	}
	return fs
}

// newTestDriver mounts a fresh formatted volume at "/" through a Driver,
// for File API-level tests.
func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	dev := NewMemoryBlockDevice(1024, 512)
	if _, err := Format(dev, FormatOptions{BlocksCount: 512}); err != nil {
		t.Fatalf("formatting test volume: unexpected err: %v", err)
	}

	driver, err := Init(Config{})
	if err != nil {
		t.Fatalf("initializing driver: unexpected err: %v", err)
	}
	if err := driver.Mount("/", dev, false); err != nil {
		t.Fatalf("mounting test volume: unexpected err: %v", err)
	}
	return driver
}
