package ext2

import (
	"fmt"
	"io"
)

// OpenMode is the flag set passed to Driver.Open, modeled on the POSIX
// open(2) flags rather than reused from the os package, since ext2's own
// notion of "directory" and "append" doesn't need the rest of os.FileMode.
type OpenMode uint32

const (
	ORdOnly OpenMode = 0
	OWrOnly OpenMode = 1
	ORdWr   OpenMode = 2

	accessModeMask OpenMode = 0x3

	OCreat  OpenMode = 1 << 4
	OExcl   OpenMode = 1 << 5
	OTrunc  OpenMode = 1 << 6
	OAppend OpenMode = 1 << 7
	ODir    OpenMode = 1 << 8
)

func (m OpenMode) writable() bool {
	access := m & accessModeMask
	return access == OWrOnly || access == ORdWr
}

// MaxOpenFiles bounds the driver's open-file table, mirroring the inode
// cache's fixed capacity rather than growing without limit.
const MaxOpenFiles = 16

// FileHandleSlot is one live entry in the open-file table: the mount and
// inode it refers to, the mode it was opened with, and the current byte
// position for Read/Write/Seek.
type FileHandleSlot struct {
	Mount    *MountEntry
	Ino      Ino
	Entry    *CachedInode
	Mode     OpenMode
	Position uint64
}

// OpenFileTable is a fixed-size table of file handles, indexed 1..N; handle
// 0 is never valid, matching the teacher's convention that a zero value
// means "absent" rather than "slot zero."
type OpenFileTable struct {
	slots [MaxOpenFiles]*FileHandleSlot
}

func (t *OpenFileTable) alloc(slot *FileHandleSlot) (int, error) {
	for i := range t.slots {
		if t.slots[i] == nil {
			t.slots[i] = slot
			return i + 1, nil
		}
	}
	return 0, TooManyOpenError{}
}

func (t *OpenFileTable) get(handle int) (*FileHandleSlot, error) {
	if handle < 1 || handle > len(t.slots) || t.slots[handle-1] == nil {
		return nil, InvalidArgError{Detail: fmt.Sprintf("bad file handle `%d`", handle)}
	}
	return t.slots[handle-1], nil
}

func (t *OpenFileTable) free(handle int) {
	if handle >= 1 && handle <= len(t.slots) {
		t.slots[handle-1] = nil
	}
}

func (t *OpenFileTable) anyOpenFor(m *MountEntry) bool {
	for _, s := range t.slots {
		if s != nil && s.Mount == m {
			return true
		}
	}
	return false
}

func (t *OpenFileTable) anyOpenForIno(m *MountEntry, ino Ino) bool {
	for _, s := range t.slots {
		if s != nil && s.Mount == m && s.Ino == ino {
			return true
		}
	}
	return false
}

// closeAllFor drops every slot belonging to m without flushing, used when
// a mount is torn down out from under outstanding handles.
func (t *OpenFileTable) closeAllFor(m *MountEntry) {
	for i, s := range t.slots {
		if s != nil && s.Mount == m {
			m.FS.PutInode(s.Entry)
			t.slots[i] = nil
		}
	}
}

// Open resolves path on mountPoint and returns a file handle. OCreat
// creates a regular file if path does not exist; OTrunc truncates an
// existing regular file to zero length.
func (d *Driver) Open(mountPoint, path string, mode OpenMode) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.mount(mountPoint)
	if err != nil {
		return 0, err
	}
	if m.ReadOnly && (mode.writable() || mode&(OTrunc|OAppend|OCreat) != 0) {
		return 0, ReadOnlyError{MountPoint: mountPoint}
	}

	entry, ino, err := m.FS.ResolvePath(path)
	if err != nil {
		if _, ok := err.(NotFoundError); ok && mode&OCreat != 0 {
			return d.create(m, path, mode)
		}
		return 0, err
	}
	if mode&OCreat != 0 && mode&OExcl != 0 {
		m.FS.PutInode(entry)
		return 0, ExistsError{Name: path}
	}

	isDir := entry.Body.Mode.FileType == FileTypeDir
	if isDir && mode&ODir == 0 {
		m.FS.PutInode(entry)
		return 0, IsDirError{Ino: ino}
	}
	if !isDir && mode&ODir != 0 {
		m.FS.PutInode(entry)
		return 0, NotDirError{Ino: ino}
	}

	if mode&OTrunc != 0 && !isDir {
		if err := m.FS.TruncateTo(entry, 0); err != nil {
			m.FS.PutInode(entry)
			return 0, err
		}
	}

	handle, err := d.table.alloc(&FileHandleSlot{Mount: m, Ino: ino, Entry: entry, Mode: mode})
	if err != nil {
		m.FS.PutInode(entry)
		return 0, err
	}
	return handle, nil
}

func (d *Driver) create(m *MountEntry, path string, mode OpenMode) (int, error) {
	parentPath, leaf := ParentAndLeaf(path)
	if leaf == "" {
		return 0, InvalidArgError{Detail: "open: empty path"}
	}

	parent, parentIno, err := m.FS.ResolvePath(parentPath)
	if err != nil {
		return 0, err
	}
	defer m.FS.PutInode(parent)
	if parent.Body.Mode.FileType != FileTypeDir {
		return 0, NotDirError{Ino: parentIno}
	}

	childIno, child, err := m.FS.AllocInode(m.FS.inoGroupOf(parentIno), false)
	if err != nil {
		return 0, err
	}

	now := d.now()
	child.Body.Mode = Mode{FileType: FileTypeRegular, AccessRights: 0o644}
	child.Body.LinksCount = 1
	child.Body.Attr.CTime, child.Body.Attr.MTime, child.Body.Attr.ATime = now, now, now
	m.FS.MarkDirty(child)
	if err := m.FS.UpdateInode(child); err != nil {
		m.FS.PutInode(child)
		return 0, fmt.Errorf("creating `%s`: %w", path, err)
	}

	if err := m.FS.DirAddEntry(parent, leaf, childIno, FileTypeRegular); err != nil {
		m.FS.PutInode(child)
		return 0, fmt.Errorf("creating `%s`: %w", path, err)
	}

	handle, err := d.table.alloc(&FileHandleSlot{Mount: m, Ino: childIno, Entry: child, Mode: mode})
	if err != nil {
		m.FS.PutInode(child)
		return 0, err
	}
	return handle, nil
}

// Close releases handle's inode reference and frees its slot.
func (d *Driver) Close(handle int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, err := d.table.get(handle)
	if err != nil {
		return err
	}
	slot.Mount.FS.PutInode(slot.Entry)
	d.table.free(handle)
	return nil
}

// Read fills buf from handle's current position and advances it.
func (d *Driver) Read(handle int, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, err := d.table.get(handle)
	if err != nil {
		return 0, err
	}
	if slot.Entry.Body.Mode.FileType == FileTypeDir {
		return 0, IsDirError{Ino: slot.Ino}
	}

	n, err := slot.Mount.FS.ReadInodeData(slot.Entry, slot.Position, buf)
	slot.Position += n
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

// Write appends or overwrites at handle's current position (or at EOF, for
// OAppend handles) and advances the position past what was written.
func (d *Driver) Write(handle int, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, err := d.table.get(handle)
	if err != nil {
		return 0, err
	}
	if slot.Mount.ReadOnly {
		return 0, ReadOnlyError{MountPoint: slot.Mount.Path}
	}
	if !slot.Mode.writable() {
		return 0, InvalidArgError{Detail: "handle not opened for writing"}
	}
	if slot.Entry.Body.Mode.FileType == FileTypeDir {
		return 0, IsDirError{Ino: slot.Ino}
	}

	offset := slot.Position
	if slot.Mode&OAppend != 0 {
		offset = slot.Entry.Body.Size
	}

	now := d.now()
	slot.Entry.Body.Attr.MTime = now
	n, err := slot.Mount.FS.WriteInodeData(slot.Entry, offset, buf)
	slot.Position = offset + n
	if err != nil {
		return int(n), err
	}
	return int(n), nil
}

// Seek repositions handle per whence (io.SeekStart/SeekCurrent/SeekEnd) and
// returns the resulting absolute position, clamped to [0, size]; it never
// extends a file the way a write past EOF does.
func (d *Driver) Seek(handle int, offset int64, whence int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, err := d.table.get(handle)
	if err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(slot.Position)
	case io.SeekEnd:
		base = int64(slot.Entry.Body.Size)
	default:
		return 0, InvalidArgError{Detail: fmt.Sprintf("bad whence `%d`", whence)}
	}

	newPos := base + offset
	if newPos < 0 {
		return 0, InvalidArgError{Detail: "seek before start of file"}
	}
	if newPos > int64(slot.Entry.Body.Size) {
		newPos = int64(slot.Entry.Body.Size)
	}
	slot.Position = uint64(newPos)
	return slot.Position, nil
}

// Tell returns handle's current position without moving it.
func (d *Driver) Tell(handle int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, err := d.table.get(handle)
	if err != nil {
		return 0, err
	}
	return slot.Position, nil
}

// DirentInfo is one entry returned by Readdir.
type DirentInfo struct {
	Name  string
	Ino   Ino
	IsDir bool
	Size  uint64
	MTime uint32
}

// Readdir returns the next live entry in handle's directory, advancing its
// position past any tombstoned (Ino == 0) records it skips over, and
// returns (nil, nil) once the directory is exhausted.
func (d *Driver) Readdir(handle int) (*DirentInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, err := d.table.get(handle)
	if err != nil {
		return nil, err
	}
	if slot.Entry.Body.Mode.FileType != FileTypeDir {
		return nil, NotDirError{Ino: slot.Ino}
	}

	fs := slot.Mount.FS
	blockSize := fs.BlockSize()
	buf := make([]byte, blockSize)

	for slot.Position < slot.Entry.Body.Size {
		blockIdx := slot.Position / blockSize
		blockOff := slot.Position % blockSize

		if err := fs.ReadInodeBlock(&slot.Entry.Body, blockIdx, 0, buf); err != nil {
			return nil, fmt.Errorf("reading directory `%#x`: %w", slot.Ino, err)
		}

		de, err := DecodeDirEntry(buf[blockOff:])
		if err != nil {
			return nil, fmt.Errorf("reading directory `%#x`: %w", slot.Ino, err)
		}
		if de.RecLen == 0 {
			slot.Position = (blockIdx + 1) * blockSize
			continue
		}
		slot.Position += uint64(de.RecLen)
		if de.Ino == 0 {
			continue
		}

		child, err := fs.GetInode(de.Ino)
		if err != nil {
			return nil, fmt.Errorf("reading directory `%#x`: %w", slot.Ino, err)
		}
		info := &DirentInfo{
			Name:  de.Name,
			Ino:   de.Ino,
			IsDir: child.Body.Mode.FileType == FileTypeDir,
			Size:  child.Body.Size,
			MTime: child.Body.Attr.MTime,
		}
		fs.PutInode(child)
		return info, nil
	}

	return nil, nil
}

// StatInfo is the attribute set returned by Stat.
type StatInfo struct {
	Ino        Ino
	Size       uint64
	MTime      uint32
	CTime      uint32
	ATime      uint32
	LinksCount uint16
	IsDir      bool
	IsSymlink  bool
	Mode       Mode
}

// Stat resolves path on mountPoint and reports its attributes without
// opening a handle.
func (d *Driver) Stat(mountPoint, path string) (*StatInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.mount(mountPoint)
	if err != nil {
		return nil, err
	}
	entry, ino, err := m.FS.ResolvePath(path)
	if err != nil {
		return nil, err
	}
	defer m.FS.PutInode(entry)

	return &StatInfo{
		Ino:        ino,
		Size:       entry.Body.Size,
		MTime:      entry.Body.Attr.MTime,
		CTime:      entry.Body.Attr.CTime,
		ATime:      entry.Body.Attr.ATime,
		LinksCount: entry.Body.LinksCount,
		IsDir:      entry.Body.Mode.FileType == FileTypeDir,
		IsSymlink:  entry.Body.Mode.FileType == FileTypeSymlink,
		Mode:       entry.Body.Mode,
	}, nil
}

// Mkdir creates an empty directory at path, linking it into its parent.
func (d *Driver) Mkdir(mountPoint, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.mount(mountPoint)
	if err != nil {
		return err
	}
	if m.ReadOnly {
		return ReadOnlyError{MountPoint: mountPoint}
	}

	parentPath, leaf := ParentAndLeaf(path)
	if leaf == "" {
		return InvalidArgError{Detail: "mkdir: empty path"}
	}

	parent, parentIno, err := m.FS.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	defer m.FS.PutInode(parent)
	if parent.Body.Mode.FileType != FileTypeDir {
		return NotDirError{Ino: parentIno}
	}

	if _, err := m.FS.DirLookup(parent, leaf); err == nil {
		return ExistsError{Name: leaf}
	} else if _, ok := err.(NotFoundError); !ok {
		return fmt.Errorf("making directory `%s`: %w", path, err)
	}

	childIno, child, err := m.FS.AllocInode(m.FS.inoGroupOf(parentIno), true)
	if err != nil {
		return err
	}

	now := d.now()
	child.Body.Mode = Mode{FileType: FileTypeDir, AccessRights: parent.Body.Mode.AccessRights}
	child.Body.Attr.CTime, child.Body.Attr.MTime, child.Body.Attr.ATime = now, now, now
	if err := m.FS.DirCreateEmpty(child, childIno, parentIno); err != nil {
		m.FS.PutInode(child)
		return fmt.Errorf("making directory `%s`: %w", path, err)
	}
	if err := m.FS.DirAddEntry(parent, leaf, childIno, FileTypeDir); err != nil {
		m.FS.PutInode(child)
		return fmt.Errorf("making directory `%s`: %w", path, err)
	}
	m.FS.PutInode(child)

	parent.Body.LinksCount++
	parent.Body.Attr.MTime = now
	m.FS.MarkDirty(parent)
	return m.FS.UpdateInode(parent)
}

// Rmdir removes the empty directory at path.
func (d *Driver) Rmdir(mountPoint, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.mount(mountPoint)
	if err != nil {
		return err
	}
	if m.ReadOnly {
		return ReadOnlyError{MountPoint: mountPoint}
	}

	entry, ino, err := m.FS.ResolvePath(path)
	if err != nil {
		return err
	}
	defer m.FS.PutInode(entry)

	if ino == RootIno {
		return InvalidArgError{Detail: "rmdir: cannot remove the volume root"}
	}
	if entry.Body.Mode.FileType != FileTypeDir {
		return NotDirError{Ino: ino}
	}
	empty, err := m.FS.DirIsEmpty(entry)
	if err != nil {
		return fmt.Errorf("removing directory `%s`: %w", path, err)
	}
	if !empty {
		return NotEmptyError{Ino: ino}
	}
	if d.table.anyOpenForIno(m, ino) {
		return BusyError{Detail: fmt.Sprintf("inode `%#x` has open handles", ino)}
	}

	parentPath, leaf := ParentAndLeaf(path)
	parent, _, err := m.FS.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	defer m.FS.PutInode(parent)

	if _, err := m.FS.DirRemoveEntry(parent, leaf); err != nil {
		return fmt.Errorf("removing directory `%s`: %w", path, err)
	}
	if err := m.FS.TruncateTo(entry, 0); err != nil {
		return fmt.Errorf("removing directory `%s`: %w", path, err)
	}
	if err := m.FS.FreeInode(ino, true); err != nil {
		return fmt.Errorf("removing directory `%s`: %w", path, err)
	}

	parent.Body.LinksCount--
	parent.Body.Attr.MTime = d.now()
	m.FS.MarkDirty(parent)
	return m.FS.UpdateInode(parent)
}

// Unlink removes a non-directory entry, freeing the inode it pointed at
// once its link count reaches zero.
func (d *Driver) Unlink(mountPoint, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.mount(mountPoint)
	if err != nil {
		return err
	}
	if m.ReadOnly {
		return ReadOnlyError{MountPoint: mountPoint}
	}

	entry, ino, err := m.FS.ResolvePath(path)
	if err != nil {
		return err
	}
	defer m.FS.PutInode(entry)

	if ino == RootIno {
		return InvalidArgError{Detail: "unlink: cannot remove the volume root"}
	}
	if entry.Body.Mode.FileType == FileTypeDir {
		return IsDirError{Ino: ino}
	}
	if d.table.anyOpenForIno(m, ino) {
		return BusyError{Detail: fmt.Sprintf("inode `%#x` has open handles", ino)}
	}

	parentPath, leaf := ParentAndLeaf(path)
	parent, _, err := m.FS.ResolvePath(parentPath)
	if err != nil {
		return err
	}
	defer m.FS.PutInode(parent)

	if _, err := m.FS.DirRemoveEntry(parent, leaf); err != nil {
		return fmt.Errorf("unlinking `%s`: %w", path, err)
	}

	if entry.Body.LinksCount > 0 {
		entry.Body.LinksCount--
	}
	entry.Body.Attr.CTime = d.now()
	m.FS.MarkDirty(entry)
	if err := m.FS.UpdateInode(entry); err != nil {
		return fmt.Errorf("unlinking `%s`: %w", path, err)
	}

	if entry.Body.LinksCount == 0 {
		if err := m.FS.TruncateTo(entry, 0); err != nil {
			return fmt.Errorf("unlinking `%s`: %w", path, err)
		}
		if err := m.FS.FreeInode(ino, false); err != nil {
			return fmt.Errorf("unlinking `%s`: %w", path, err)
		}
	}

	parent.Body.Attr.MTime = d.now()
	m.FS.MarkDirty(parent)
	return m.FS.UpdateInode(parent)
}

// Rename moves oldPath to newPath, atomically from the caller's point of
// view but not against a crash partway through — see §5's documented
// non-atomicity. If newPath already exists it is unlinked first, with the
// same kind/empty-directory checks unlink and rmdir apply on their own.
func (d *Driver) Rename(mountPoint, oldPath, newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, err := d.mount(mountPoint)
	if err != nil {
		return err
	}
	if m.ReadOnly {
		return ReadOnlyError{MountPoint: mountPoint}
	}

	oldParentPath, oldLeaf := ParentAndLeaf(oldPath)
	newParentPath, newLeaf := ParentAndLeaf(newPath)
	if oldLeaf == "" {
		return InvalidArgError{Detail: "rename: cannot move the volume root"}
	}
	if newLeaf == "" {
		return InvalidArgError{Detail: "rename: empty destination"}
	}

	oldParent, oldParentIno, err := m.FS.ResolvePath(oldParentPath)
	if err != nil {
		return err
	}
	defer m.FS.PutInode(oldParent)

	srcEntry, err := m.FS.DirLookup(oldParent, oldLeaf)
	if err != nil {
		return err
	}
	if srcEntry.Ino == RootIno {
		return InvalidArgError{Detail: "rename: cannot move the volume root"}
	}
	if d.table.anyOpenForIno(m, srcEntry.Ino) {
		return BusyError{Detail: fmt.Sprintf("inode `%#x` has open handles", srcEntry.Ino)}
	}

	newParent, newParentIno, err := m.FS.ResolvePath(newParentPath)
	if err != nil {
		return err
	}
	defer m.FS.PutInode(newParent)
	if newParent.Body.Mode.FileType != FileTypeDir {
		return NotDirError{Ino: newParentIno}
	}

	srcChild, err := m.FS.GetInode(srcEntry.Ino)
	if err != nil {
		return fmt.Errorf("renaming `%s` to `%s`: %w", oldPath, newPath, err)
	}
	defer m.FS.PutInode(srcChild)
	movingDir := srcChild.Body.Mode.FileType == FileTypeDir

	if err := d.clobberRenameTarget(m, newParent, newLeaf, movingDir); err != nil {
		return fmt.Errorf("renaming `%s` to `%s`: %w", oldPath, newPath, err)
	}

	if err := m.FS.DirAddEntry(newParent, newLeaf, srcEntry.Ino, srcChild.Body.Mode.FileType); err != nil {
		return fmt.Errorf("renaming `%s` to `%s`: %w", oldPath, newPath, err)
	}
	if _, err := m.FS.DirRemoveEntry(oldParent, oldLeaf); err != nil {
		return fmt.Errorf("renaming `%s` to `%s`: %w", oldPath, newPath, err)
	}

	if movingDir && oldParentIno != newParentIno {
		if err := m.FS.DirRedirectEntry(srcChild, "..", newParentIno); err != nil {
			return fmt.Errorf("renaming `%s` to `%s`: %w", oldPath, newPath, err)
		}
		oldParent.Body.LinksCount--
		newParent.Body.LinksCount++
		m.FS.MarkDirty(oldParent)
		m.FS.MarkDirty(newParent)
		if err := m.FS.UpdateInode(oldParent); err != nil {
			return err
		}
		if err := m.FS.UpdateInode(newParent); err != nil {
			return err
		}
	}

	now := d.now()
	oldParent.Body.Attr.MTime = now
	newParent.Body.Attr.MTime = now
	m.FS.MarkDirty(oldParent)
	m.FS.MarkDirty(newParent)
	return nil
}

// clobberRenameTarget removes an existing newLeaf entry in newParent, if
// any, applying the same kind-match and empty-directory rules Unlink and
// Rmdir enforce directly.
func (d *Driver) clobberRenameTarget(m *MountEntry, newParent *CachedInode, newLeaf string, movingDir bool) error {
	destEntry, err := m.FS.DirLookup(newParent, newLeaf)
	if err != nil {
		if _, ok := err.(NotFoundError); ok {
			return nil
		}
		return err
	}
	if d.table.anyOpenForIno(m, destEntry.Ino) {
		return BusyError{Detail: fmt.Sprintf("inode `%#x` has open handles", destEntry.Ino)}
	}

	destChild, err := m.FS.GetInode(destEntry.Ino)
	if err != nil {
		return err
	}
	defer m.FS.PutInode(destChild)

	destIsDir := destChild.Body.Mode.FileType == FileTypeDir
	if destIsDir != movingDir {
		if destIsDir {
			return IsDirError{Ino: destEntry.Ino}
		}
		return NotDirError{Ino: destEntry.Ino}
	}
	if destIsDir {
		empty, err := m.FS.DirIsEmpty(destChild)
		if err != nil {
			return err
		}
		if !empty {
			return NotEmptyError{Ino: destEntry.Ino}
		}
	}

	if _, err := m.FS.DirRemoveEntry(newParent, newLeaf); err != nil {
		return err
	}
	if destChild.Body.LinksCount > 0 {
		destChild.Body.LinksCount--
	}
	m.FS.MarkDirty(destChild)
	if err := m.FS.UpdateInode(destChild); err != nil {
		return err
	}
	if destChild.Body.LinksCount == 0 {
		if err := m.FS.TruncateTo(destChild, 0); err != nil {
			return err
		}
		if err := m.FS.FreeInode(destEntry.Ino, destIsDir); err != nil {
			return err
		}
	}
	return nil
}

// Fcntl implements F_GETFL (returns the handle's OpenMode) and silently
// accepts F_SETFL/F_GETFD/F_SETFD as no-ops; any other command fails.
func (d *Driver) Fcntl(handle int, cmd string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, err := d.table.get(handle)
	if err != nil {
		return 0, err
	}

	switch cmd {
	case "F_GETFL":
		return int(slot.Mode), nil
	case "F_SETFL", "F_GETFD", "F_SETFD":
		return 0, nil
	default:
		return 0, InvalidArgError{Detail: fmt.Sprintf("unsupported fcntl command `%s`", cmd)}
	}
}
