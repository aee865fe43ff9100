package ext2

import "fmt"

// InodeBlockToPos maps a logical block index within a file to the position
// in the direct/indirect/doubly-indirect/triply-indirect block tree that
// holds it.
func (fs *FileSystem) InodeBlockToPos(inodeBlock uint64) BlockPos {
	if inodeBlock < 12 {
		return BlockPosLevel0(inodeBlock)
	}

	indirect1Size := fs.BlockSize() / 4
	if inodeBlock < 12+indirect1Size {
		return BlockPosLevel1(inodeBlock - 12)
	}

	indirect2Size := indirect1Size * indirect1Size
	if inodeBlock < 12+indirect1Size+indirect2Size {
		base := inodeBlock - 12 - indirect1Size
		return BlockPosLevel2(base/indirect1Size, base%indirect1Size)
	}

	indirect3Size := indirect1Size * indirect2Size
	if inodeBlock < 12+indirect1Size+indirect2Size+indirect3Size {
		base := inodeBlock - 12 - indirect1Size - indirect2Size
		return BlockPosLevel3(
			base/indirect2Size,
			(base%indirect2Size)/indirect1Size,
			(base%indirect2Size)%indirect1Size,
		)
	}

	return BlockPosOutOfRange()
}

// GetInodeBlock resolves inodeBlock to a real, already-allocated block
// number. ok is false for a hole in a sparse file.
func (fs *FileSystem) GetInodeBlock(inode *Inode, inodeBlock uint64) (uint64, bool, error) {
	pos := fs.InodeBlockToPos(inodeBlock)
	switch pos.Level {
	case PosLevel0:
		block0 := uint64(inode.Block[pos.Data[0]])
		return block0, block0 != 0, nil
	case PosLevel1:
		return fs.walkIndirect(uint64(inode.Block[12]), inodeBlock, inode.Ino, pos.Data[0])
	case PosLevel2:
		return fs.walkIndirect(
			uint64(inode.Block[13]), inodeBlock, inode.Ino, pos.Data[0], pos.Data[1],
		)
	case PosLevel3:
		return fs.walkIndirect(
			uint64(inode.Block[14]), inodeBlock, inode.Ino, pos.Data[0], pos.Data[1], pos.Data[2],
		)
	case PosOutOfRange:
		return 0, false, fmt.Errorf(
			"getting block `%#x` for inode `%#x`: %w",
			inodeBlock,
			inode.Ino,
			ErrBlockOutOfRange{inodeBlock},
		)
	default:
		panic(fmt.Sprintf("invalid BlockPosLevel: %d", pos.Level))
	}
}

func (fs *FileSystem) walkIndirect(
	root uint64,
	inodeBlock uint64,
	ino Ino,
	path ...uint64,
) (uint64, bool, error) {
	block := root
	for _, idx := range path {
		if block == 0 {
			return 0, false, nil
		}
		next, err := fs.ReadIndirect(block, idx)
		if err != nil {
			return 0, false, fmt.Errorf(
				"getting block `%#x` for inode `%#x`: %w",
				inodeBlock,
				ino,
				err,
			)
		}
		block = next
	}
	return block, block != 0, nil
}

func (fs *FileSystem) ReadIndirect(indirectBlock, entry uint64) (uint64, error) {
	blockSize := fs.BlockSize()
	if entry >= blockSize/4 {
		panic(fmt.Sprintf(
			"entry `%d` should be less than a quarter of the block size `%d`",
			entry,
			blockSize/4,
		))
	}
	var b [4]byte
	entryOffset := indirectBlock*blockSize + entry*4
	if err := fs.Volume.Read(entryOffset, b[:]); err != nil {
		return 0, fmt.Errorf(
			"reading indirect block `%#x` at entry `%#x`: %w",
			indirectBlock,
			entry,
			err,
		)
	}
	return uint64(DecodeUint32(b[0], b[1], b[2], b[3])), nil
}

func (fs *FileSystem) WriteIndirect(indirectBlock, entry, value uint64) error {
	blockSize := fs.BlockSize()
	if entry >= blockSize/4 {
		panic(fmt.Sprintf(
			"entry `%d` should be less than a quarter of the block size `%d`",
			entry,
			blockSize/4,
		))
	}
	var b [4]byte
	EncodeUint32(uint32(value), b[:])
	entryOffset := indirectBlock*blockSize + entry*4
	if err := fs.Volume.Write(entryOffset, b[:]); err != nil {
		return fmt.Errorf(
			"writing indirect block `%#x` at entry `%#x`: %w",
			indirectBlock,
			entry,
			err,
		)
	}
	return nil
}

func (fs *FileSystem) zeroBlock(blockNo uint64) error {
	zeros := make([]byte, fs.BlockSize())
	if err := fs.Volume.Write(blockNo*fs.BlockSize(), zeros); err != nil {
		return fmt.Errorf("zeroing block `%#x`: %w", blockNo, err)
	}
	return nil
}

func (fs *FileSystem) allocZeroedBlock(hintGroup GroupID) (uint64, error) {
	block, err := fs.AllocBlock(hintGroup)
	if err != nil {
		return 0, err
	}
	if err := fs.zeroBlock(block); err != nil {
		return 0, err
	}
	return block, nil
}

// GetOrAllocInodeBlock resolves inodeBlock to a real block number,
// allocating the data block and any missing indirect blocks along the way.
// Newly allocated blocks are zeroed.
func (fs *FileSystem) GetOrAllocInodeBlock(entry *CachedInode, inodeBlock uint64) (uint64, error) {
	group, _ := fs.GetInoGroup(entry.Ino)
	pos := fs.InodeBlockToPos(inodeBlock)

	var rootIdx int
	var path []uint64
	switch pos.Level {
	case PosLevel0:
		return fs.getOrAllocDirect(entry, group, int(pos.Data[0]))
	case PosLevel1:
		rootIdx, path = 12, []uint64{pos.Data[0]}
	case PosLevel2:
		rootIdx, path = 13, []uint64{pos.Data[0], pos.Data[1]}
	case PosLevel3:
		rootIdx, path = 14, []uint64{pos.Data[0], pos.Data[1], pos.Data[2]}
	default:
		return 0, fmt.Errorf(
			"allocating block for inode `%#x`: %w",
			entry.Ino,
			ErrBlockOutOfRange{inodeBlock},
		)
	}

	root, err := fs.getOrAllocRoot(entry, group, rootIdx)
	if err != nil {
		return 0, fmt.Errorf("allocating block for inode `%#x`: %w", entry.Ino, err)
	}

	block := root
	for _, idx := range path {
		next, err := fs.ReadIndirect(block, idx)
		if err != nil {
			return 0, fmt.Errorf("allocating block for inode `%#x`: %w", entry.Ino, err)
		}
		if next == 0 {
			next, err = fs.allocZeroedBlock(group)
			if err != nil {
				return 0, fmt.Errorf("allocating block for inode `%#x`: %w", entry.Ino, err)
			}
			if err := fs.WriteIndirect(block, idx, next); err != nil {
				return 0, fmt.Errorf("allocating block for inode `%#x`: %w", entry.Ino, err)
			}
			entry.Body.Size512 += uint32(fs.BlockSize() / 512)
			fs.MarkDirty(entry)
		}
		block = next
	}
	return block, nil
}

func (fs *FileSystem) getOrAllocDirect(entry *CachedInode, group GroupID, idx int) (uint64, error) {
	if entry.Body.Block[idx] == 0 {
		block, err := fs.allocZeroedBlock(group)
		if err != nil {
			return 0, fmt.Errorf("allocating block for inode `%#x`: %w", entry.Ino, err)
		}
		entry.Body.Block[idx] = uint32(block)
		entry.Body.Size512 += uint32(fs.BlockSize() / 512)
		fs.MarkDirty(entry)
	}
	return uint64(entry.Body.Block[idx]), nil
}

func (fs *FileSystem) getOrAllocRoot(entry *CachedInode, group GroupID, idx int) (uint64, error) {
	if entry.Body.Block[idx] == 0 {
		block, err := fs.allocZeroedBlock(group)
		if err != nil {
			return 0, err
		}
		entry.Body.Block[idx] = uint32(block)
		entry.Body.Size512 += uint32(fs.BlockSize() / 512)
		fs.MarkDirty(entry)
	}
	return uint64(entry.Body.Block[idx]), nil
}

// ReadInodeData reads up to len(b) bytes starting at offset, clamped to the
// inode's recorded size, and returns the number of bytes actually read.
func (fs *FileSystem) ReadInodeData(entry *CachedInode, offset uint64, b []byte) (uint64, error) {
	if offset >= entry.Body.Size {
		return 0, nil
	}
	blockSize := fs.BlockSize()
	maxLength := min(uint64(len(b)), entry.Body.Size-offset)
	var chunkBegin uint64
	for chunkBegin < maxLength {
		chunkBlock := (offset + chunkBegin) / blockSize
		chunkOffset := (offset + chunkBegin) % blockSize
		chunkLength := min(maxLength-chunkBegin, blockSize-chunkOffset)
		if err := fs.ReadInodeBlock(
			&entry.Body,
			chunkBlock,
			chunkOffset,
			b[chunkBegin:chunkBegin+chunkLength],
		); err != nil {
			return chunkBegin, fmt.Errorf("reading inode data: %w", err)
		}
		chunkBegin += chunkLength
	}
	return chunkBegin, nil
}

// ReadInodeBlock reads a slice of a single logical block. A hole (never
// written) reads as zeros rather than failing.
func (fs *FileSystem) ReadInodeBlock(inode *Inode, inodeBlock, offset uint64, b []byte) error {
	blockSize := fs.BlockSize()
	if offset+uint64(len(b)) > blockSize {
		panic(fmt.Sprintf(
			"offset `%d` + buffer length `%d` must not exceed block size `%d`",
			offset,
			len(b),
			blockSize,
		))
	}

	realBlock, ok, err := fs.GetInodeBlock(inode, inodeBlock)
	if err != nil {
		return fmt.Errorf("reading block for inode at offset `%#x`: %w", offset, err)
	}
	if !ok {
		for i := range b {
			b[i] = 0
		}
		return nil
	}

	blockOffset := realBlock*blockSize + offset
	if err := fs.Volume.Read(blockOffset, b); err != nil {
		return fmt.Errorf(
			"reading block for inode `%#x` at block `%#x` and offset `%#x`: %w",
			inode.Ino,
			inodeBlock,
			offset,
			err,
		)
	}
	return nil
}

// WriteInodeData writes b at offset, allocating blocks as needed, and grows
// the inode's recorded size if the write extends past it.
func (fs *FileSystem) WriteInodeData(entry *CachedInode, offset uint64, b []byte) (uint64, error) {
	blockSize := fs.BlockSize()
	var chunkBegin uint64
	for chunkBegin < uint64(len(b)) {
		chunkBlock := (offset + chunkBegin) / blockSize
		chunkOffset := (offset + chunkBegin) % blockSize
		chunkLength := min(uint64(len(b))-chunkBegin, blockSize-chunkOffset)
		if err := fs.WriteInodeBlock(
			entry,
			chunkBlock,
			chunkOffset,
			b[chunkBegin:chunkBegin+chunkLength],
		); err != nil {
			return chunkBegin, fmt.Errorf("writing inode data: %w", err)
		}
		chunkBegin += chunkLength
	}

	if minSize := offset + chunkBegin; entry.Body.Size < minSize {
		entry.Body.Size = minSize
		fs.MarkDirty(entry)
	}
	if err := fs.UpdateInode(entry); err != nil {
		return chunkBegin, fmt.Errorf("writing inode data: %w", err)
	}

	return chunkBegin, nil
}

func (fs *FileSystem) WriteInodeBlock(entry *CachedInode, inodeBlock, offset uint64, b []byte) error {
	blockSize := fs.BlockSize()
	if uint64(len(b))+offset > blockSize {
		panic(fmt.Sprintf(
			"offset `%d` + len(buffer) `%d` exceeds block size `%d`",
			offset,
			len(b),
			blockSize,
		))
	}
	realBlock, err := fs.GetOrAllocInodeBlock(entry, inodeBlock)
	if err != nil {
		return fmt.Errorf(
			"writing block `%#x` for inode at offset `%#x`: %w",
			inodeBlock,
			offset,
			err,
		)
	}

	blockOffset := realBlock*blockSize + offset
	if err := fs.Volume.Write(blockOffset, b); err != nil {
		return fmt.Errorf(
			"writing block `%#x` for inode `%#x` at offset `%#x`: %w",
			inodeBlock,
			entry.Ino,
			offset,
			err,
		)
	}

	return nil
}

func blockCountFor(size, blockSize uint64) uint64 {
	return (size + blockSize - 1) / blockSize
}

// TruncateTo shrinks or grows entry's recorded size to newSize, freeing any
// blocks that fall entirely outside the new size. Growing never allocates;
// the new range reads back as zero via ReadInodeBlock's hole handling.
func (fs *FileSystem) TruncateTo(entry *CachedInode, newSize uint64) error {
	blockSize := fs.BlockSize()
	oldBlockCount := blockCountFor(entry.Body.Size, blockSize)
	newBlockCount := blockCountFor(newSize, blockSize)

	if newBlockCount < oldBlockCount {
		for i := newBlockCount; i < oldBlockCount && i < 12; i++ {
			if entry.Body.Block[i] != 0 {
				if _, err := fs.FreeBlock(uint64(entry.Body.Block[i])); err != nil {
					return fmt.Errorf("truncating inode `%#x`: %w", entry.Ino, err)
				}
				entry.Body.Block[i] = 0
			}
		}

		indirect1Size := blockSize / 4
		levelLeaves := [3]uint64{
			indirect1Size,
			indirect1Size * indirect1Size,
			indirect1Size * indirect1Size * indirect1Size,
		}
		boundaries := [4]uint64{
			12,
			12 + levelLeaves[0],
			12 + levelLeaves[0] + levelLeaves[1],
			12 + levelLeaves[0] + levelLeaves[1] + levelLeaves[2],
		}

		for level := 0; level < 3; level++ {
			lo := boundaries[level]
			blockIdx := 12 + level
			root := uint64(entry.Body.Block[blockIdx])
			if root == 0 || oldBlockCount <= lo {
				continue
			}

			var fromLeaf uint64
			if newBlockCount > lo {
				fromLeaf = newBlockCount - lo
			}
			if fromLeaf >= levelLeaves[level] {
				continue
			}

			fullyFreed, err := fs.freeSubtree(root, level+1, fromLeaf)
			if err != nil {
				return fmt.Errorf("truncating inode `%#x`: %w", entry.Ino, err)
			}
			if fullyFreed {
				if _, err := fs.FreeBlock(root); err != nil {
					return fmt.Errorf("truncating inode `%#x`: %w", entry.Ino, err)
				}
				entry.Body.Block[blockIdx] = 0
			}
		}

		entry.Body.Size512 = uint32(newBlockCount * (blockSize / 512))
	}

	entry.Body.Size = newSize
	fs.MarkDirty(entry)
	return fs.UpdateInode(entry)
}

// freeSubtree frees every leaf block reachable from blockNo at or past
// linear leaf index fromLeaf, where depth is the number of indirection
// levels below blockNo (1 = blockNo holds data-block pointers directly). It
// reports whether the subtree is now entirely empty, so the caller can free
// blockNo itself.
func (fs *FileSystem) freeSubtree(blockNo uint64, depth int, fromLeaf uint64) (bool, error) {
	if blockNo == 0 {
		return true, nil
	}

	entriesPerBlock := fs.BlockSize() / 4
	leavesPerChild := uint64(1)
	for d := 1; d < depth; d++ {
		leavesPerChild *= entriesPerBlock
	}

	startEntry := fromLeaf / leavesPerChild
	startSubLeaf := fromLeaf % leavesPerChild

	anyLeft := false
	for i := uint64(0); i < startEntry && i < entriesPerBlock; i++ {
		v, err := fs.ReadIndirect(blockNo, i)
		if err != nil {
			return false, err
		}
		if v != 0 {
			anyLeft = true
		}
	}

	for i := startEntry; i < entriesPerBlock; i++ {
		childPtr, err := fs.ReadIndirect(blockNo, i)
		if err != nil {
			return false, err
		}
		if childPtr == 0 {
			continue
		}

		localFrom := uint64(0)
		if i == startEntry {
			localFrom = startSubLeaf
		}

		if depth == 1 {
			if _, err := fs.FreeBlock(childPtr); err != nil {
				return false, err
			}
			if err := fs.WriteIndirect(blockNo, i, 0); err != nil {
				return false, err
			}
			continue
		}

		fullyFreed, err := fs.freeSubtree(childPtr, depth-1, localFrom)
		if err != nil {
			return false, err
		}
		if fullyFreed {
			if _, err := fs.FreeBlock(childPtr); err != nil {
				return false, err
			}
			if err := fs.WriteIndirect(blockNo, i, 0); err != nil {
				return false, err
			}
		} else {
			anyLeft = true
		}
	}

	return !anyLeft, nil
}
