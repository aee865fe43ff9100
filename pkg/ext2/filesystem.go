package ext2

import (
	"fmt"
)

// RootIno is the inode number of the volume root directory.
const RootIno Ino = 2

// FileSystem is a single mounted ext2 volume: the superblock, the group
// descriptor table, and the inode cache that everything else in the
// package operates through.
type FileSystem struct {
	Volume          Volume
	Superblock      Superblock
	SuperblockBytes *[SuperblockSize]byte
	SuperblockDirty bool
	Groups          []Group

	InodeCache    map[Ino]*CachedInode
	CacheQueue    Ring
	ReusedInos    map[Ino]struct{}
	CacheCapacity int

	SymlinkDepth int
}

// DefaultCacheCapacity mirrors the teacher's original fixed bound of ten
// resident inodes, scaled up a little now that the cache also backs the
// directory layer's parent/child traversal.
const DefaultCacheCapacity = 64

// DefaultSymlinkDepth is the default ceiling on symlink traversal.
const DefaultSymlinkDepth = 8

func (fs *FileSystem) BlockSize() uint64 {
	return 1024 << fs.Superblock.LogBlockSize
}

func (fs *FileSystem) GroupCount() GroupID {
	a := GroupID(fs.Superblock.BlocksCount)
	b := GroupID(fs.Superblock.BlocksPerGroup)
	return (a + b - 1) / b
}

// Mount reads the superblock and group descriptor table from volume and
// returns a ready-to-use FileSystem handle. It fails with ErrBadMagic on a
// bad signature and wraps any underlying I/O error.
func Mount(volume Volume, readOnly bool) (*FileSystem, error) {
	var superblockBytes [SuperblockSize]byte
	if err := volume.Read(uint64(SuperblockOffset), superblockBytes[:]); err != nil {
		return nil, fmt.Errorf("mounting filesystem: %w", err)
	}

	sb, err := DecodeSuperblock(&superblockBytes, readOnly)
	if err != nil {
		return nil, fmt.Errorf("mounting filesystem: %w", err)
	}

	fs := &FileSystem{
		Volume:          volume,
		Superblock:      sb,
		SuperblockBytes: &superblockBytes,
		SuperblockDirty: false,
		InodeCache:      map[Ino]*CachedInode{},
		CacheQueue:      NewRing(),
		ReusedInos:      map[Ino]struct{}{},
		CacheCapacity:   DefaultCacheCapacity,
		SymlinkDepth:    DefaultSymlinkDepth,
	}

	fs.Groups = make([]Group, fs.GroupCount())
	for i := GroupID(0); i < fs.GroupCount(); i++ {
		group, err := fs.ReadGroup(i)
		if err != nil {
			return nil, fmt.Errorf("mounting filesystem: %w", err)
		}
		fs.Groups[i] = group
	}

	return fs, nil
}

// Shutdown flushes every dirty inode, group descriptor and the superblock,
// and marks the volume clean.
func (fs *FileSystem) Shutdown() error {
	if err := fs.Flush(); err != nil {
		return fmt.Errorf("shutting down filesystem: %w", err)
	}
	return nil
}

type ErrInvalidFileType struct {
	Wanted, Found FileType
}

func (err ErrInvalidFileType) Error() string {
	return fmt.Sprintf(
		"invalid file type: wanted `%s`; found `%s`",
		err.Wanted,
		err.Found,
	)
}

type ErrBlockOutOfRange struct {
	Block uint64
}

func (err ErrBlockOutOfRange) Error() string {
	return fmt.Sprintf("block `%#x` is out of range", err.Block)
}
