package ext2

import "fmt"

// CachedInode is the inode cache's resident entry: an in-memory copy of an
// on-disk inode body plus the bookkeeping the cache needs to decide when it
// is safe to reclaim the slot. Two concurrent Get calls for the same inode
// number return the same *CachedInode (identity, not a copy); RefCount
// tracks how many call sites currently hold that pointer.
type CachedInode struct {
	Ino      Ino
	Body     Inode
	RefCount int
	Dirty    bool
}

// BusyInodeCacheError is returned when the cache needs to reclaim a slot to
// stay within capacity, but every resident entry has a nonzero refcount.
type BusyInodeCacheError struct{}

func (BusyInodeCacheError) Error() string {
	return "inode cache: no reclaimable slot (all entries in use)"
}

// GetInode fetches the cached entry for ino, reading it from disk on a
// miss, and increments its refcount. Callers must balance every GetInode
// with a PutInode.
func (fs *FileSystem) GetInode(ino Ino) (*CachedInode, error) {
	if entry, found := fs.InodeCache[ino]; found {
		entry.RefCount++
		fs.ReusedInos[ino] = struct{}{}
		return entry, nil
	}

	body, err := fs.ReadInode(ino)
	if err != nil {
		return nil, fmt.Errorf("fetching inode `%#x`: %w", ino, err)
	}

	entry := &CachedInode{Ino: ino, Body: body, RefCount: 1}
	fs.InodeCache[ino] = entry
	if err := fs.refitInodeCache(); err != nil {
		return nil, fmt.Errorf("fetching inode `%#x`: %w", ino, err)
	}
	return entry, nil
}

// PutInode decrements the entry's refcount. Once it reaches zero the entry
// becomes eligible for reclaim on a future cache miss, but it is not
// evicted eagerly.
func (fs *FileSystem) PutInode(entry *CachedInode) {
	if entry.RefCount > 0 {
		entry.RefCount--
	}
	if entry.RefCount == 0 {
		fs.CacheQueue.PushBack(entry.Ino)
	}
}

// MarkDirty flags the entry's body as needing write-back. Mutators go
// through UpdateInode (below) which calls this implicitly; it is exposed
// separately for callers (e.g. the directory layer) that mutate the body
// in place via the pointer returned from GetInode.
func (fs *FileSystem) MarkDirty(entry *CachedInode) {
	entry.Dirty = true
}

// UpdateInode records that entry's body has changed and should be
// considered dirty, without altering its cache residency.
func (fs *FileSystem) UpdateInode(entry *CachedInode) error {
	entry.Dirty = true
	return nil
}

// FlushInode writes entry's body back to the inode table if dirty, and
// clears the dirty flag. It does not evict the entry from the cache.
func (fs *FileSystem) FlushInode(entry *CachedInode) error {
	if !entry.Dirty {
		return nil
	}
	if err := fs.WriteInode(&entry.Body); err != nil {
		return fmt.Errorf("flushing inode `%#x`: %w", entry.Ino, err)
	}
	entry.Dirty = false
	return nil
}

// refitInodeCache evicts refcount-zero entries, oldest first, until the
// cache is back within capacity, using a clock ("second chance") sweep:
// an entry that was touched again while sitting in the reclaim queue gets
// pushed to the back instead of evicted. It returns BusyInodeCacheError if
// every resident entry has nonzero refcount and eviction cannot proceed.
func (fs *FileSystem) refitInodeCache() error {
	for len(fs.InodeCache) > fs.effectiveCapacity() {
		evicted := false
		scanned := 0
		queueLen := fs.CacheQueue.Len()
		for scanned < 2*queueLen {
			scanned++
			ino, ok := fs.CacheQueue.PopFront()
			if !ok {
				break
			}

			entry, exists := fs.InodeCache[ino]
			if !exists {
				continue
			}
			if entry.RefCount > 0 {
				// In use again since it was queued; drop it from the queue.
				// PutInode will re-enqueue it once the refcount returns to
				// zero.
				continue
			}
			if _, reused := fs.ReusedInos[ino]; reused {
				delete(fs.ReusedInos, ino)
				fs.CacheQueue.PushBack(ino)
				continue
			}

			if err := fs.evictInode(ino); err != nil {
				return fmt.Errorf("refitting inode cache: %w", err)
			}
			evicted = true
			break
		}

		if !evicted {
			return BusyInodeCacheError{}
		}
	}

	return nil
}

func (fs *FileSystem) effectiveCapacity() int {
	if fs.CacheCapacity <= 0 {
		return DefaultCacheCapacity
	}
	return fs.CacheCapacity
}

func (fs *FileSystem) evictInode(ino Ino) error {
	entry, exists := fs.InodeCache[ino]
	if !exists {
		return nil
	}
	if err := fs.FlushInode(entry); err != nil {
		return err
	}
	delete(fs.InodeCache, ino)
	delete(fs.ReusedInos, ino)
	return nil
}

// FlushAllDirty writes back every currently dirty cached inode without
// evicting any of them.
func (fs *FileSystem) FlushAllDirty() error {
	for ino, entry := range fs.InodeCache {
		if entry.Dirty {
			if err := fs.FlushInode(entry); err != nil {
				return fmt.Errorf("flushing inode `%#x`: %w", ino, err)
			}
		}
	}
	return nil
}

func (fs *FileSystem) ReadInode(ino Ino) (Inode, error) {
	offset, inodeSize := fs.LocateInode(ino)
	inodeBuf := make([]byte, inodeSize)
	if err := fs.Volume.Read(offset, inodeBuf); err != nil {
		return Inode{}, fmt.Errorf("reading inode at `%#x`: %w", ino, err)
	}
	inode, err := DecodeInode(
		ino,
		fs.Superblock.RevLevel,
		(*[InodeBufferSize]byte)(inodeBuf),
	)
	if err != nil {
		return Inode{}, fmt.Errorf("reading inode at `%#x`: %w", ino, err)
	}
	return inode, nil
}

func (fs *FileSystem) WriteInode(inode *Inode) error {
	offset, inodeSize := fs.LocateInode(inode.Ino)
	inodeBuf := make([]byte, inodeSize)
	if err := fs.Volume.Read(offset, inodeBuf); err != nil {
		return fmt.Errorf("writing inode `%#x`: %w", inode.Ino, err)
	}
	if err := inode.Encode(
		fs.Superblock.RevLevel,
		(*[InodeBufferSize]byte)(inodeBuf),
	); err != nil {
		return fmt.Errorf("writing inode `%#x`: %w", inode.Ino, err)
	}
	if err := fs.Volume.Write(offset, inodeBuf); err != nil {
		return fmt.Errorf("writing inode `%#x`: %w", inode.Ino, err)
	}
	return nil
}

func (fs *FileSystem) LocateInode(ino Ino) (uint64, uint64) {
	groupID, localID := fs.GetInoGroup(ino)
	inodeSize := uint64(fs.Superblock.InodeSize)
	inodeTable := uint64(fs.Groups[groupID].Desc.InodeTable)
	offset := inodeTable*fs.BlockSize() + localID*inodeSize
	return offset, inodeSize
}

func (fs *FileSystem) GetInoGroup(ino Ino) (GroupID, uint64) {
	groupSize := GroupID(fs.Superblock.InodesPerGroup)
	return GroupID(ino-1) / groupSize, uint64(ino-1) % uint64(groupSize)
}
