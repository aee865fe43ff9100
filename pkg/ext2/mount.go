package ext2

import "github.com/google/uuid"

// MountEntry is one entry in the driver's mount registry: a mount-point path
// bound to a live FileSystem, the read/write flag it was mounted with, and
// the opaque handle the host VFS uses to refer back to it.
type MountEntry struct {
	Path      string
	FS        *FileSystem
	ReadOnly  bool
	VFSHandle uuid.UUID
}
