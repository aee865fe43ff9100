package ext2

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Driver is the process-wide entry point: the mount registry and the
// open-file table behind a single mutex, per the concurrency model of
// §5 — every exported Driver method holds mu for its full duration rather
// than releasing it between the path walk and the mutation it guards.
type Driver struct {
	mu     sync.Mutex
	mounts map[string]*MountEntry
	table  OpenFileTable
	Config Config
	Logger *slog.Logger

	// TimeFunc stamps ctime/mtime on every mutating operation; tests swap
	// it out for a fixed clock.
	TimeFunc func() time.Time
}

// Init builds a Driver from cfg: an empty mount table, an empty open-file
// table, and a slog.Logger at cfg's configured level.
func Init(cfg Config) (*Driver, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.slogLevel(),
	}))
	return &Driver{
		mounts:   map[string]*MountEntry{},
		Config:   cfg,
		Logger:   logger,
		TimeFunc: time.Now,
	}, nil
}

func (d *Driver) now() uint32 {
	if d.TimeFunc == nil {
		return uint32(time.Now().Unix())
	}
	return uint32(d.TimeFunc().Unix())
}

// mount looks up a registered mount point. Callers must already hold mu.
func (d *Driver) mount(mountPoint string) (*MountEntry, error) {
	m, ok := d.mounts[mountPoint]
	if !ok {
		return nil, NotFoundError{Path: mountPoint}
	}
	return m, nil
}

// FileSystem returns the underlying *FileSystem for a registered mount,
// for callers (fsck-style tools) that need to inspect group descriptors
// and bitmaps directly rather than through the file/directory API. It
// bypasses the driver's own serialization, so callers must not use it
// concurrently with other operations against the same mount.
func (d *Driver) FileSystem(mountPoint string) (*FileSystem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.mount(mountPoint)
	if err != nil {
		return nil, err
	}
	return m.FS, nil
}

// Mount formats nothing — it mounts an already-formatted volume at
// mountPoint, applying the driver's configured cache size and symlink
// depth ceiling to the resulting FileSystem.
func (d *Driver) Mount(mountPoint string, dev BlockDevice, readOnly bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.mounts[mountPoint]; exists {
		return ExistsError{Name: mountPoint}
	}

	readOnly = readOnly || d.Config.DefaultReadOnly
	if rod, ok := dev.(interface{ ReadOnly() bool }); ok && rod.ReadOnly() {
		readOnly = true
	}
	fs, err := Mount(NewDeviceVolume(dev), readOnly)
	if err != nil {
		return fmt.Errorf("mounting `%s`: %w", mountPoint, err)
	}
	fs.CacheCapacity = d.Config.effectiveCacheSize()
	fs.SymlinkDepth = d.Config.effectiveSymlinkDepth()

	d.mounts[mountPoint] = &MountEntry{
		Path:      mountPoint,
		FS:        fs,
		ReadOnly:  readOnly,
		VFSHandle: uuid.New(),
	}
	return nil
}

// Unmount removes mountPoint from the registry and flushes its volume.
// Open handles against it are a caller error, not grounds to refuse: per
// §4.7 this logs a warning and proceeds rather than blocking.
func (d *Driver) Unmount(mountPoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.mount(mountPoint)
	if err != nil {
		return err
	}
	if d.table.anyOpenFor(m) {
		d.Logger.Warn("unmounting with open handles still outstanding", "mountPoint", mountPoint)
		d.table.closeAllFor(m)
	}
	if err := m.FS.Shutdown(); err != nil {
		return fmt.Errorf("unmounting `%s`: %w", mountPoint, err)
	}
	delete(d.mounts, mountPoint)
	return nil
}

// Shutdown unmounts every registered mount, refusing — logging and
// skipping — any that still have open handles, then joins any flush
// errors encountered along the way.
func (d *Driver) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for mountPoint, m := range d.mounts {
		if d.table.anyOpenFor(m) {
			d.Logger.Warn("refusing to unmount busy volume at shutdown", "mountPoint", mountPoint)
			errs = append(errs, BusyError{Detail: fmt.Sprintf("mount `%s` has open handles", mountPoint)})
			continue
		}
		if err := m.FS.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("unmounting `%s`: %w", mountPoint, err))
			continue
		}
		delete(d.mounts, mountPoint)
	}
	return errors.Join(errs...)
}
