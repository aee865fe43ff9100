package ext2

import "fmt"

func (fs *FileSystem) ReadGroup(groupID GroupID) (Group, error) {
	tableBlock := uint64(fs.Superblock.FirstDataBlock) + 1
	desc, err := fs.ReadGroupDesc(tableBlock, groupID)
	if err != nil {
		return Group{}, fmt.Errorf("reading group `%#x`: %w", groupID, err)
	}

	blockBitmapOffset := uint64(desc.BlockBitmap) * fs.BlockSize()
	blockBitmap := make([]byte, uint64(fs.Superblock.BlocksPerGroup)/8)
	if err := fs.Volume.Read(blockBitmapOffset, blockBitmap); err != nil {
		return Group{}, fmt.Errorf(
			"reading group `%#x`: reading block bitmap: %w",
			groupID,
			err,
		)
	}

	inodeBitmapOffset := uint64(desc.InodeBitmap) * fs.BlockSize()
	inodeBitmap := make([]byte, uint64(fs.Superblock.InodesPerGroup)/8)
	if err := fs.Volume.Read(inodeBitmapOffset, inodeBitmap); err != nil {
		return Group{}, fmt.Errorf(
			"reading group `%#x`: reading inode bitmap: %w",
			groupID,
			err,
		)
	}

	return Group{
		Idx:         groupID,
		Desc:        desc,
		BlockBitmap: blockBitmap,
		InodeBitmap: inodeBitmap,
		Dirty:       false,
	}, nil
}

func (fs *FileSystem) ReadGroupDesc(
	tableBlock uint64,
	groupID GroupID,
) (GroupDesc, error) {
	offset := tableBlock*fs.BlockSize() + uint64(groupID)*GroupDescSize
	var descBuf [GroupDescSize]byte
	if err := fs.Volume.Read(offset, descBuf[:]); err != nil {
		return GroupDesc{}, fmt.Errorf(
			"reading descriptor for group `%#x` in table block `%#x`: %w",
			groupID,
			tableBlock,
			err,
		)
	}
	return DecodeGroupDesc(&descBuf), nil
}

func (fs *FileSystem) WriteGroupDesc(
	tableBlock uint64,
	groupID GroupID,
	desc *GroupDesc,
) error {
	offset := tableBlock*fs.BlockSize() + uint64(groupID)*GroupDescSize
	var descBuf [GroupDescSize]byte
	if err := fs.Volume.Read(offset, descBuf[:]); err != nil {
		return fmt.Errorf(
			"writing desc for group `%#x` at table block `%#x`: %w",
			groupID,
			tableBlock,
			err,
		)
	}
	desc.Encode(&descBuf)
	if err := fs.Volume.Write(offset, descBuf[:]); err != nil {
		return fmt.Errorf(
			"writing desc for group `%#x` at table block `%#x`: %w",
			groupID,
			tableBlock,
			err,
		)
	}
	return nil
}

func (fs *FileSystem) WriteGroup(groupID GroupID) error {
	groupDesc := fs.Groups[groupID].Desc
	tableBlock := uint64(fs.Superblock.FirstDataBlock) + 1
	if err := fs.WriteGroupDesc(tableBlock, groupID, &groupDesc); err != nil {
		return fmt.Errorf("writing group `%#x`: %w", groupID, err)
	}

	blockSize := fs.BlockSize()
	blockBitmapOffset := uint64(groupDesc.BlockBitmap) * blockSize
	if err := fs.Volume.Write(
		blockBitmapOffset,
		[]byte(fs.Groups[groupID].BlockBitmap),
	); err != nil {
		return fmt.Errorf(
			"writing group `%#x`: writing block bitmap: %w",
			groupID,
			err,
		)
	}

	inodeBitmapOffset := uint64(groupDesc.InodeBitmap) * blockSize
	if err := fs.Volume.Write(
		inodeBitmapOffset,
		[]byte(fs.Groups[groupID].InodeBitmap),
	); err != nil {
		return fmt.Errorf(
			"writing group `%#x`: writing inode bitmap: %w",
			groupID,
			err,
		)
	}

	return nil
}

func (fs *FileSystem) FlushGroup(groupID GroupID) error {
	if fs.Groups[groupID].Dirty {
		if err := fs.WriteGroup(groupID); err != nil {
			return fmt.Errorf("flushing group `%#x`: %w", groupID, err)
		}
		fs.Groups[groupID].Dirty = false
	}
	return nil
}

func (fs *FileSystem) FlushSuperblock(clean bool) error {
	state := StateClean
	if !clean {
		state = StateDirty
	}
	fs.SuperblockDirty = fs.SuperblockDirty || fs.Superblock.State != state
	fs.Superblock.State = state

	if fs.SuperblockDirty {
		fs.Superblock.Encode(fs.SuperblockBytes)

		if err := fs.Volume.Write(uint64(SuperblockOffset), fs.SuperblockBytes[:]); err != nil {
			return fmt.Errorf("flushing superblock: %w", err)
		}

		fs.SuperblockDirty = false
	}

	return nil
}

// Flush writes back every dirty inode, every dirty group descriptor/bitmap
// pair, and the superblock, leaving the volume in the clean state.
func (fs *FileSystem) Flush() error {
	if err := fs.FlushAllDirty(); err != nil {
		return fmt.Errorf("flushing filesystem: %w", err)
	}

	for groupID := GroupID(0); groupID < fs.GroupCount(); groupID++ {
		if err := fs.FlushGroup(groupID); err != nil {
			return fmt.Errorf("flushing filesystem: %w", err)
		}
	}

	if err := fs.FlushSuperblock(true); err != nil {
		return fmt.Errorf("flushing filesystem: %w", err)
	}

	return nil
}

// AllocBlock finds and marks used a free block, starting the search at
// firstGroupID and wrapping around all groups, decrementing the group's
// and the superblock's free-block counts. Within a group the scan resumes
// after the group's NextFreeBlockHint and wraps to the start of the
// bitmap, so the block returned is not necessarily the lowest free one.
// It fails with NoSpaceError if no group has a free block.
func (fs *FileSystem) AllocBlock(firstGroupID GroupID) (uint64, error) {
	block, ok, err := fs.alloc(firstGroupID, (*FileSystem).allocBlockInGroup)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, NoSpaceError{Resource: "blocks"}
	}
	return block, nil
}

func (fs *FileSystem) allocBlockInGroup(groupID GroupID) (uint64, bool, error) {
	if fs.Groups[groupID].Desc.FreeBlocksCount == 0 {
		return 0, false, nil
	}

	// Resume the scan from where the last allocation in this group left
	// off rather than rescanning known-used low bits every time; wrap back
	// to the start once the hint runs past the end of the bitmap.
	bitmap := fs.Groups[groupID].BlockBitmap
	hint := fs.Groups[groupID].NextFreeBlockHint
	var byt, bit uint64
	var ok bool
	if hint/8 < uint64(len(bitmap)) {
		byt, bit, ok = bitmap.FindZeroBitAfter(hint)
	}
	if !ok {
		byt, bit, ok = bitmap.FindZeroBit()
		if !ok {
			return 0, false, nil
		}
	}

	bitmap.SetHigh(byt, bit)
	fs.Groups[groupID].NextFreeBlockHint = byt*8 + bit + 1
	fs.Groups[groupID].Desc.FreeBlocksCount--
	fs.Groups[groupID].Dirty = true
	fs.Superblock.FreeBlocksCount--
	fs.SuperblockDirty = true
	return uint64(groupID)*uint64(fs.Superblock.BlocksPerGroup) +
		uint64(fs.Superblock.FirstDataBlock) +
		byt*8 + bit, true, nil
}

// allocBlockInGroupOnly is the format-time single-group allocator used by
// AllocGroupTable/AllocateInodeTable, which must place metadata blocks in
// their own group rather than spilling into the next one.
func (fs *FileSystem) allocBlockInGroupOnly(groupID GroupID) (uint32, error) {
	block, ok, err := fs.allocBlockInGroup(groupID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, NoFreeBlocksErr
	}
	return uint32(block), nil
}

// FreeBlock clears blockNo's bit in its group's block bitmap and restores
// the free-block counts. Freeing an already-clear bit is not treated as
// fatal: it changes nothing and returns alreadyFree = true. No caller in
// this package logs that case.
func (fs *FileSystem) FreeBlock(blockNo uint64) (alreadyFree bool, err error) {
	groupID, byt, bit := fs.blockBitPosition(blockNo)
	if !fs.Groups[groupID].BlockBitmap.IsSet(byt, bit) {
		return true, nil
	}
	fs.Groups[groupID].BlockBitmap.ClearLow(byt, bit)
	fs.Groups[groupID].Desc.FreeBlocksCount++
	fs.Groups[groupID].Dirty = true
	fs.Superblock.FreeBlocksCount++
	fs.SuperblockDirty = true
	return false, nil
}

func (fs *FileSystem) blockBitPosition(blockNo uint64) (GroupID, uint64, uint64) {
	rel := blockNo - uint64(fs.Superblock.FirstDataBlock)
	groupID := GroupID(rel / uint64(fs.Superblock.BlocksPerGroup))
	bitIdx := rel % uint64(fs.Superblock.BlocksPerGroup)
	return groupID, bitIdx / 8, bitIdx % 8
}

// AllocInode implements the "Orlov-lite" policy of §4.1: ordinary files
// prefer the parent's group; new directories prefer the least-used group
// (highest free-inode count). It returns the new inode number and a cache
// entry for it, refcount 1, with a zeroed body of the requested kind,
// marked dirty so that it is written back to the inode table.
func (fs *FileSystem) AllocInode(parentGroup GroupID, isDir bool) (Ino, *CachedInode, error) {
	startGroup := parentGroup
	if isDir {
		startGroup = fs.leastUsedGroup()
	}

	ino, ok, err := fs.alloc(startGroup, (*FileSystem).allocInodeInGroup)
	if err != nil {
		return 0, nil, err
	}
	if !ok {
		return 0, nil, NoSpaceError{Resource: "inodes"}
	}

	if isDir {
		fs.Groups[fs.inoGroupOf(Ino(ino))].Desc.UsedDirsCount++
		fs.Groups[fs.inoGroupOf(Ino(ino))].Dirty = true
	}

	entry := &CachedInode{Ino: Ino(ino), Body: Inode{Ino: Ino(ino)}, RefCount: 1, Dirty: true}
	if isDir {
		entry.Body.Mode.FileType = FileTypeDir
	}
	fs.InodeCache[Ino(ino)] = entry
	if err := fs.refitInodeCache(); err != nil {
		return 0, nil, fmt.Errorf("allocating inode: %w", err)
	}
	return Ino(ino), entry, nil
}

func (fs *FileSystem) leastUsedGroup() GroupID {
	best := GroupID(0)
	bestFree := uint16(0)
	for i, g := range fs.Groups {
		if g.Desc.FreeInodesCount > bestFree {
			bestFree = g.Desc.FreeInodesCount
			best = GroupID(i)
		}
	}
	return best
}

func (fs *FileSystem) inoGroupOf(ino Ino) GroupID {
	groupID, _ := fs.GetInoGroup(ino)
	return groupID
}

func (fs *FileSystem) allocInodeInGroup(groupID GroupID) (uint64, bool, error) {
	if fs.Groups[groupID].Desc.FreeInodesCount == 0 {
		return 0, false, nil
	}

	byt, bit, ok := fs.Groups[groupID].InodeBitmap.FindZeroBit()
	if !ok {
		return 0, false, nil
	}

	fs.Groups[groupID].InodeBitmap.SetHigh(byt, bit)
	fs.Groups[groupID].Desc.FreeInodesCount--
	fs.Groups[groupID].Dirty = true
	fs.Superblock.FreeInodesCount--
	fs.SuperblockDirty = true

	localIdx := byt*8 + bit
	ino := uint64(groupID)*uint64(fs.Superblock.InodesPerGroup) + localIdx + 1
	return ino, true, nil
}

// FreeInode clears ino's inode-bitmap bit and restores the free-inode
// counts, decrementing the group's used-directory count if wasDir.
func (fs *FileSystem) FreeInode(ino Ino, wasDir bool) error {
	groupID, localIdx := fs.GetInoGroup(ino)
	byt, bit := localIdx/8, localIdx%8
	if !fs.Groups[groupID].InodeBitmap.IsSet(byt, bit) {
		return nil
	}
	fs.Groups[groupID].InodeBitmap.ClearLow(byt, bit)
	fs.Groups[groupID].Desc.FreeInodesCount++
	if wasDir && fs.Groups[groupID].Desc.UsedDirsCount > 0 {
		fs.Groups[groupID].Desc.UsedDirsCount--
	}
	fs.Groups[groupID].Dirty = true
	fs.Superblock.FreeInodesCount++
	fs.SuperblockDirty = true
	return nil
}

// alloc runs allocInGroup starting at firstGroupID and wrapping around the
// full group range on a miss.
func (fs *FileSystem) alloc(
	firstGroupID GroupID,
	allocInGroup func(*FileSystem, GroupID) (uint64, bool, error),
) (uint64, bool, error) {
	groupCount := fs.GroupCount()
	if firstGroupID >= groupCount {
		firstGroupID = 0
	}

	resource, ok, err := allocInGroup(fs, firstGroupID)
	if err != nil {
		return resource, ok, err
	}
	if ok {
		return resource, true, nil
	}

	for _, rng := range [2][2]GroupID{
		{firstGroupID, groupCount},
		{0, firstGroupID},
	} {
		for groupID := rng[0]; groupID < rng[1]; groupID++ {
			resource, ok, err := allocInGroup(fs, groupID)
			if err != nil {
				return resource, ok, err
			}
			if ok {
				return resource, true, nil
			}
		}
	}

	return 0, false, nil
}
