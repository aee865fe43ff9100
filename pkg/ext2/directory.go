package ext2

import "fmt"

// DirLookup scans dir's blocks for name and returns its record. Entries
// with Ino == 0 are skipped (rm_entry tombstones).
func (fs *FileSystem) DirLookup(dir *CachedInode, name string) (DirEntry, error) {
	blockSize := fs.BlockSize()
	blockCount := blockCountFor(dir.Body.Size, blockSize)
	buf := make([]byte, blockSize)

	for blockIdx := uint64(0); blockIdx < blockCount; blockIdx++ {
		if err := fs.ReadInodeBlock(&dir.Body, blockIdx, 0, buf); err != nil {
			return DirEntry{}, fmt.Errorf("looking up `%s`: %w", name, err)
		}

		for off := uint64(0); off < blockSize; {
			de, err := DecodeDirEntry(buf[off:])
			if err != nil {
				return DirEntry{}, fmt.Errorf("looking up `%s`: %w", name, err)
			}
			if de.RecLen == 0 {
				break
			}
			if de.Ino != 0 && de.Name == name {
				return de, nil
			}
			off += uint64(de.RecLen)
		}
	}

	return DirEntry{}, NotFoundError{Path: name}
}

// DirAddEntry inserts a record for name → childIno into dir, splitting the
// trailing slack of an existing record when there's room, or appending a
// fresh block spanning a single record otherwise.
func (fs *FileSystem) DirAddEntry(dir *CachedInode, name string, childIno Ino, childType FileType) error {
	if len(name) > MaxNameLen {
		return NameTooLongError{Name: name}
	}

	if _, err := fs.DirLookup(dir, name); err == nil {
		return ExistsError{Name: name}
	} else if _, isNotFound := err.(NotFoundError); !isNotFound {
		return fmt.Errorf("adding entry `%s`: %w", name, err)
	}

	needed := MinRecLen(name)
	blockSize := fs.BlockSize()
	blockCount := blockCountFor(dir.Body.Size, blockSize)
	buf := make([]byte, blockSize)

	for blockIdx := uint64(0); blockIdx < blockCount; blockIdx++ {
		if err := fs.ReadInodeBlock(&dir.Body, blockIdx, 0, buf); err != nil {
			return fmt.Errorf("adding entry `%s`: %w", name, err)
		}

		placed := false
		for off := uint64(0); off < blockSize; {
			de, err := DecodeDirEntry(buf[off:])
			if err != nil {
				return fmt.Errorf("adding entry `%s`: %w", name, err)
			}
			if de.RecLen == 0 {
				break
			}

			used := uint16(0)
			if de.Ino != 0 {
				used = MinRecLen(de.Name)
			}
			slack := de.RecLen - used

			if slack >= needed {
				if err := fs.splitRecord(buf, off, de, used, needed, name, childIno, childType); err != nil {
					return fmt.Errorf("adding entry `%s`: %w", name, err)
				}
				placed = true
				break
			}

			off += uint64(de.RecLen)
		}

		if placed {
			if err := fs.WriteInodeBlock(dir, blockIdx, 0, buf); err != nil {
				return fmt.Errorf("adding entry `%s`: %w", name, err)
			}
			return nil
		}
	}

	newRec := DirEntry{
		Ino:     childIno,
		RecLen:  uint16(blockSize),
		NameLen: uint8(len(name)),
		Type:    childType,
		Name:    name,
	}
	newBuf := make([]byte, blockSize)
	if err := newRec.Encode(newBuf); err != nil {
		return fmt.Errorf("adding entry `%s`: %w", name, err)
	}
	if err := fs.WriteInodeBlock(dir, blockCount, 0, newBuf); err != nil {
		return fmt.Errorf("adding entry `%s`: %w", name, err)
	}

	if newSize := (blockCount + 1) * blockSize; dir.Body.Size < newSize {
		dir.Body.Size = newSize
		fs.MarkDirty(dir)
	}
	return fs.UpdateInode(dir)
}

// splitRecord shrinks the record at buf[off:] (already known to hold
// `used` live bytes and have enough trailing slack) and writes a new
// record for name/childIno into the freed tail.
func (fs *FileSystem) splitRecord(
	buf []byte,
	off uint64,
	existing DirEntry,
	used, needed uint16,
	name string,
	childIno Ino,
	childType FileType,
) error {
	if used == 0 {
		slack := existing.RecLen
		if slack-needed >= DirEntryHeaderSize {
			newRec := DirEntry{
				Ino: childIno, RecLen: needed,
				NameLen: uint8(len(name)), Type: childType, Name: name,
			}
			if err := newRec.Encode(buf[off : off+uint64(needed)]); err != nil {
				return err
			}
			tail := DirEntry{Ino: 0, RecLen: slack - needed}
			return tail.Encode(buf[off+uint64(needed) : off+uint64(existing.RecLen)])
		}
		newRec := DirEntry{
			Ino: childIno, RecLen: existing.RecLen,
			NameLen: uint8(len(name)), Type: childType, Name: name,
		}
		return newRec.Encode(buf[off : off+uint64(existing.RecLen)])
	}

	shrunk := DirEntry{
		Ino: existing.Ino, RecLen: used,
		NameLen: existing.NameLen, Type: existing.Type, Name: existing.Name,
	}
	if err := shrunk.Encode(buf[off : off+uint64(used)]); err != nil {
		return err
	}
	newRec := DirEntry{
		Ino: childIno, RecLen: existing.RecLen - used,
		NameLen: uint8(len(name)), Type: childType, Name: name,
	}
	return newRec.Encode(buf[off+uint64(used) : off+uint64(existing.RecLen)])
}

// DirRemoveEntry tombstones name's record (or folds it into the preceding
// record's rec_len) and returns the inode number it pointed at. It does
// not touch the target inode.
func (fs *FileSystem) DirRemoveEntry(dir *CachedInode, name string) (Ino, error) {
	blockSize := fs.BlockSize()
	blockCount := blockCountFor(dir.Body.Size, blockSize)
	buf := make([]byte, blockSize)

	for blockIdx := uint64(0); blockIdx < blockCount; blockIdx++ {
		if err := fs.ReadInodeBlock(&dir.Body, blockIdx, 0, buf); err != nil {
			return 0, fmt.Errorf("removing entry `%s`: %w", name, err)
		}

		var prevOff uint64
		havePrev := false
		for off := uint64(0); off < blockSize; {
			de, err := DecodeDirEntry(buf[off:])
			if err != nil {
				return 0, fmt.Errorf("removing entry `%s`: %w", name, err)
			}
			if de.RecLen == 0 {
				break
			}

			if de.Ino != 0 && de.Name == name {
				freed := de.Ino
				if !havePrev {
					tomb := DirEntry{Ino: 0, RecLen: de.RecLen}
					if err := tomb.Encode(buf[off : off+uint64(de.RecLen)]); err != nil {
						return 0, fmt.Errorf("removing entry `%s`: %w", name, err)
					}
				} else {
					prev, err := DecodeDirEntry(buf[prevOff:])
					if err != nil {
						return 0, fmt.Errorf("removing entry `%s`: %w", name, err)
					}
					prev.RecLen += de.RecLen
					if err := prev.Encode(buf[prevOff : prevOff+uint64(prev.RecLen)]); err != nil {
						return 0, fmt.Errorf("removing entry `%s`: %w", name, err)
					}
				}
				if err := fs.WriteInodeBlock(dir, blockIdx, 0, buf); err != nil {
					return 0, fmt.Errorf("removing entry `%s`: %w", name, err)
				}
				return freed, nil
			}

			prevOff = off
			havePrev = true
			off += uint64(de.RecLen)
		}
	}

	return 0, NotFoundError{Path: name}
}

// DirRedirectEntry updates name's record to point at newIno, leaving its
// rec_len and position untouched.
func (fs *FileSystem) DirRedirectEntry(dir *CachedInode, name string, newIno Ino) error {
	blockSize := fs.BlockSize()
	blockCount := blockCountFor(dir.Body.Size, blockSize)
	buf := make([]byte, blockSize)

	for blockIdx := uint64(0); blockIdx < blockCount; blockIdx++ {
		if err := fs.ReadInodeBlock(&dir.Body, blockIdx, 0, buf); err != nil {
			return fmt.Errorf("redirecting entry `%s`: %w", name, err)
		}

		for off := uint64(0); off < blockSize; {
			de, err := DecodeDirEntry(buf[off:])
			if err != nil {
				return fmt.Errorf("redirecting entry `%s`: %w", name, err)
			}
			if de.RecLen == 0 {
				break
			}
			if de.Ino != 0 && de.Name == name {
				de.Ino = newIno
				if err := de.Encode(buf[off : off+uint64(de.RecLen)]); err != nil {
					return fmt.Errorf("redirecting entry `%s`: %w", name, err)
				}
				return fs.WriteInodeBlock(dir, blockIdx, 0, buf)
			}
			off += uint64(de.RecLen)
		}
	}

	return NotFoundError{Path: name}
}

// DirIsEmpty reports whether dir contains only "." and ".." entries.
func (fs *FileSystem) DirIsEmpty(dir *CachedInode) (bool, error) {
	blockSize := fs.BlockSize()
	blockCount := blockCountFor(dir.Body.Size, blockSize)
	buf := make([]byte, blockSize)

	for blockIdx := uint64(0); blockIdx < blockCount; blockIdx++ {
		if err := fs.ReadInodeBlock(&dir.Body, blockIdx, 0, buf); err != nil {
			return false, fmt.Errorf("checking directory empty: %w", err)
		}

		for off := uint64(0); off < blockSize; {
			de, err := DecodeDirEntry(buf[off:])
			if err != nil {
				return false, fmt.Errorf("checking directory empty: %w", err)
			}
			if de.RecLen == 0 {
				break
			}
			if de.Ino != 0 && de.Name != "." && de.Name != ".." {
				return false, nil
			}
			off += uint64(de.RecLen)
		}
	}

	return true, nil
}

// DirCreateEmpty initializes dir as a freshly allocated, empty directory:
// one block holding "." and "..", links_count 2.
func (fs *FileSystem) DirCreateEmpty(dir *CachedInode, selfIno, parentIno Ino) error {
	blockSize := fs.BlockSize()
	block, err := fs.GetOrAllocInodeBlock(dir, 0)
	if err != nil {
		return fmt.Errorf("creating empty directory `%#x`: %w", selfIno, err)
	}

	buf := make([]byte, blockSize)
	dotLen := MinRecLen(".")
	dot := DirEntry{Ino: selfIno, RecLen: dotLen, NameLen: 1, Type: FileTypeDir, Name: "."}
	if err := dot.Encode(buf[0:dotLen]); err != nil {
		return fmt.Errorf("creating empty directory `%#x`: %w", selfIno, err)
	}

	dotdot := DirEntry{
		Ino: parentIno, RecLen: uint16(blockSize) - dotLen,
		NameLen: 2, Type: FileTypeDir, Name: "..",
	}
	if err := dotdot.Encode(buf[dotLen:blockSize]); err != nil {
		return fmt.Errorf("creating empty directory `%#x`: %w", selfIno, err)
	}

	if err := fs.Volume.Write(block*blockSize, buf); err != nil {
		return fmt.Errorf("creating empty directory `%#x`: %w", selfIno, err)
	}

	dir.Body.Size = blockSize
	dir.Body.LinksCount = 2
	fs.MarkDirty(dir)
	return fs.UpdateInode(dir)
}
