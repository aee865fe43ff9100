package ext2

import "fmt"

// FormatOptions describes the geometry of a fresh ext2 volume. Zero-valued
// fields fall back to sane defaults via withDefaults.
type FormatOptions struct {
	BlockSize      uint32
	BlocksCount    uint32
	BlocksPerGroup uint32
	InodesPerGroup uint32
	InodeSize      uint16
}

func (opts FormatOptions) withDefaults() (FormatOptions, error) {
	if opts.BlocksCount == 0 {
		return opts, InvalidArgError{Detail: "format: blocks count must be nonzero"}
	}
	if opts.BlockSize == 0 {
		opts.BlockSize = 1024
	}
	if opts.BlockSize != 1024 && opts.BlockSize != 2048 && opts.BlockSize != 4096 {
		return opts, InvalidArgError{
			Detail: fmt.Sprintf("format: block size must be 1024, 2048 or 4096; found `%d`", opts.BlockSize),
		}
	}
	if opts.BlocksPerGroup == 0 {
		opts.BlocksPerGroup = opts.BlockSize * 8
	}
	if opts.InodesPerGroup == 0 {
		opts.InodesPerGroup = opts.BlocksPerGroup / 4
	}
	if opts.InodeSize == 0 {
		opts.InodeSize = DefaultInodeSize
	}
	return opts, nil
}

func log2BlockSize(blockSize uint32) uint32 {
	shift := uint32(0)
	for blockSize > 1024 {
		blockSize /= 2
		shift++
	}
	return shift
}

// Format writes a fresh superblock, group descriptor table, block and
// inode bitmaps, and an empty root directory to dev, and returns a mounted
// handle to the result.
func Format(dev BlockDevice, opts FormatOptions) (*FileSystem, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("formatting volume: %w", err)
	}

	logBlockSize := log2BlockSize(opts.BlockSize)
	firstDataBlock := uint32(0)
	if logBlockSize == 0 {
		firstDataBlock = 1
	}
	groupCount := (opts.BlocksCount + opts.BlocksPerGroup - 1) / opts.BlocksPerGroup

	sb := Superblock{
		BlocksCount:     opts.BlocksCount,
		FreeBlocksCount: opts.BlocksCount - firstDataBlock,
		FreeInodesCount: groupCount * opts.InodesPerGroup,
		FirstDataBlock:  firstDataBlock,
		LogBlockSize:    logBlockSize,
		BlocksPerGroup:  opts.BlocksPerGroup,
		InodesPerGroup:  opts.InodesPerGroup,
		State:           StateClean,
		RevLevel:        RevLevelDynamic,
		FirstIno:        DefaultFirstIno,
		InodeSize:       opts.InodeSize,
		FeatureIncompat: SupportedIncompatFeatures,
		FeatureROCompat: SupportedROCompatFeatures,
	}

	groups := make([]Group, groupCount)
	for i := range groups {
		count := opts.BlocksPerGroup
		if i == len(groups)-1 {
			count = opts.BlocksCount - firstDataBlock - uint32(i)*opts.BlocksPerGroup
		}

		blockBitmap := make(DynamicBitmap, opts.BlocksPerGroup/8)
		for b := count; b < opts.BlocksPerGroup; b++ {
			blockBitmap.SetHigh(uint64(b)/8, uint64(b)%8)
		}

		groups[i] = Group{
			Idx: GroupID(i),
			Desc: GroupDesc{
				FreeBlocksCount: uint16(count),
				FreeInodesCount: uint16(opts.InodesPerGroup),
			},
			BlockBitmap: blockBitmap,
			InodeBitmap: make(DynamicBitmap, opts.InodesPerGroup/8),
			Dirty:       true,
		}
	}

	fs := &FileSystem{
		Volume:          NewDeviceVolume(dev),
		Superblock:      sb,
		SuperblockBytes: &[SuperblockSize]byte{},
		SuperblockDirty: true,
		Groups:          groups,
		InodeCache:      map[Ino]*CachedInode{},
		CacheQueue:      NewRing(),
		ReusedInos:      map[Ino]struct{}{},
		CacheCapacity:   DefaultCacheCapacity,
		SymlinkDepth:    DefaultSymlinkDepth,
	}

	if err := fs.reserveMetadataBlocks(); err != nil {
		return nil, fmt.Errorf("formatting volume: %w", err)
	}
	if err := fs.AllocTables(); err != nil {
		return nil, fmt.Errorf("formatting volume: %w", err)
	}

	for ino := Ino(1); ino < Ino(DefaultFirstIno); ino++ {
		if err := fs.AllocInodeAt(ino); err != nil {
			return nil, fmt.Errorf("formatting volume: %w", err)
		}
	}

	root := &CachedInode{Ino: RootIno, Body: Inode{Ino: RootIno}, RefCount: 1}
	fs.InodeCache[RootIno] = root
	root.Body.Mode = Mode{FileType: FileTypeDir, AccessRights: 0o755}
	if err := fs.DirCreateEmpty(root, RootIno, RootIno); err != nil {
		fs.PutInode(root)
		return nil, fmt.Errorf("formatting volume: creating root directory: %w", err)
	}
	fs.Groups[fs.inoGroupOf(RootIno)].Desc.UsedDirsCount++
	fs.Groups[fs.inoGroupOf(RootIno)].Dirty = true
	fs.PutInode(root)

	if err := fs.Flush(); err != nil {
		return nil, fmt.Errorf("formatting volume: %w", err)
	}

	return fs, nil
}

func (fs *FileSystem) reserveBlockAt(blockNo uint64) error {
	groupID, byt, bit := fs.blockBitPosition(blockNo)
	if fs.Groups[groupID].BlockBitmap.IsSet(byt, bit) {
		return nil
	}
	fs.Groups[groupID].BlockBitmap.SetHigh(byt, bit)
	fs.Groups[groupID].Desc.FreeBlocksCount--
	fs.Groups[groupID].Dirty = true
	fs.Superblock.FreeBlocksCount--
	fs.SuperblockDirty = true
	return nil
}

// reserveMetadataBlocks reserves the superblock's own block and the block
// group descriptor table, both kept as a single primary copy in group 0
// (sparse-super's backup copies are out of scope, per spec.md §6).
func (fs *FileSystem) reserveMetadataBlocks() error {
	gdtBlocks := (uint64(len(fs.Groups))*GroupDescSize + fs.BlockSize() - 1) / fs.BlockSize()
	start := uint64(fs.Superblock.FirstDataBlock)
	for b := start; b < start+1+gdtBlocks; b++ {
		if err := fs.reserveBlockAt(b); err != nil {
			return err
		}
	}
	return nil
}

// AllocInodeAt reserves a specific inode number during formatting, marking
// its bitmap bit used without touching the on-disk inode body.
func (fs *FileSystem) AllocInodeAt(ino Ino) error {
	groupID, localIdx := fs.GetInoGroup(ino)
	byt, bit := localIdx/8, localIdx%8
	if fs.Groups[groupID].InodeBitmap.IsSet(byt, bit) {
		return nil
	}
	fs.Groups[groupID].InodeBitmap.SetHigh(byt, bit)
	fs.Groups[groupID].Desc.FreeInodesCount--
	fs.Groups[groupID].Dirty = true
	fs.Superblock.FreeInodesCount--
	fs.SuperblockDirty = true
	return nil
}

// AllocTables allocates each group's block bitmap, inode bitmap and inode
// table blocks, all within that same group.
func (fs *FileSystem) AllocTables() error {
	for i := range fs.Groups {
		if err := fs.AllocGroupTable(GroupID(i)); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileSystem) AllocGroupTable(group GroupID) error {
	blockBitmap, err := fs.allocBlockInGroupOnly(group)
	if err != nil {
		return fmt.Errorf(
			"allocating table for group `%#x`: allocating block bitmap: %w",
			group,
			err,
		)
	}

	inodeBitmap, err := fs.allocBlockInGroupOnly(group)
	if err != nil {
		return fmt.Errorf(
			"allocating table for group `%#x`: allocating inode bitmap: %w",
			group,
			err,
		)
	}

	inodeTable, err := fs.AllocateInodeTable(group)
	if err != nil {
		return fmt.Errorf("allocating table for group `%#x`: %w", group, err)
	}

	fs.Groups[group].Desc.BlockBitmap = blockBitmap
	fs.Groups[group].Desc.InodeBitmap = inodeBitmap
	fs.Groups[group].Desc.InodeTable = inodeTable
	fs.Groups[group].Dirty = true
	return nil
}

// AllocateInodeTable allocates the contiguous run of blocks holding
// group's inode table and returns the first block's number.
func (fs *FileSystem) AllocateInodeTable(group GroupID) (uint32, error) {
	inodeBlocks := fs.Superblock.InodesPerGroup * uint32(fs.Superblock.InodeSize) / uint32(fs.BlockSize())
	if inodeBlocks == 0 {
		inodeBlocks = 1
	}

	first, err := fs.allocBlockInGroupOnly(group)
	if err != nil {
		return 0, fmt.Errorf("allocating inode table block 0: %w", err)
	}

	for i := uint32(1); i < inodeBlocks; i++ {
		if _, err := fs.allocBlockInGroupOnly(group); err != nil {
			return first, fmt.Errorf("allocating inode table block `%d`: %w", i, err)
		}
	}

	return first, nil
}
