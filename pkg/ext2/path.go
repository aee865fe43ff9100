package ext2

import (
	"fmt"
	"strings"
)

func splitPathComponents(path string) []string {
	raw := strings.Split(path, "/")
	components := make([]string, 0, len(raw))
	for _, c := range raw {
		if c != "" {
			components = append(components, c)
		}
	}
	return components
}

func joinPathComponents(components []string) string {
	return strings.Join(components, "/")
}

// ParentAndLeaf splits path into the directory path of its last component
// and the component's own name.
func ParentAndLeaf(path string) (parent, leaf string) {
	components := splitPathComponents(path)
	if len(components) == 0 {
		return "/", ""
	}
	leaf = components[len(components)-1]
	parent = "/" + joinPathComponents(components[:len(components)-1])
	return parent, leaf
}

func (fs *FileSystem) effectiveSymlinkDepth() int {
	if fs.SymlinkDepth <= 0 {
		return DefaultSymlinkDepth
	}
	return fs.SymlinkDepth
}

// ResolvePath walks path component by component from the volume root,
// following in-filesystem symlinks up to the configured depth. On success
// the returned *CachedInode is held (refcount incremented); callers must
// PutInode it.
func (fs *FileSystem) ResolvePath(path string) (*CachedInode, Ino, error) {
	return fs.resolvePath(path, 0)
}

func (fs *FileSystem) resolvePath(path string, depth int) (*CachedInode, Ino, error) {
	components := splitPathComponents(path)

	current, err := fs.GetInode(RootIno)
	if err != nil {
		return nil, 0, fmt.Errorf("resolving `%s`: %w", path, err)
	}
	currentIno := RootIno

	for i, comp := range components {
		if current.Body.Mode.FileType != FileTypeDir {
			fs.PutInode(current)
			return nil, 0, NotDirError{Ino: currentIno}
		}

		de, err := fs.DirLookup(current, comp)
		if err != nil {
			fs.PutInode(current)
			if _, ok := err.(NotFoundError); ok {
				return nil, 0, NotFoundError{Path: path}
			}
			return nil, 0, fmt.Errorf("resolving `%s`: %w", path, err)
		}

		child, err := fs.GetInode(de.Ino)
		if err != nil {
			fs.PutInode(current)
			return nil, 0, fmt.Errorf("resolving `%s`: %w", path, err)
		}
		fs.PutInode(current)
		current = child
		currentIno = de.Ino

		if current.Body.Mode.FileType == FileTypeSymlink {
			if depth+1 > fs.effectiveSymlinkDepth() {
				fs.PutInode(current)
				return nil, 0, TooManySymlinksError{Path: path}
			}

			target, err := fs.readSymlinkTarget(current)
			fs.PutInode(current)
			if err != nil {
				return nil, 0, fmt.Errorf("resolving `%s`: %w", path, err)
			}

			next := target
			if !strings.HasPrefix(target, "/") {
				dirPrefix := joinPathComponents(components[:i])
				next = "/" + dirPrefix + "/" + target
			}
			if rest := joinPathComponents(components[i+1:]); rest != "" {
				next += "/" + rest
			}

			return fs.resolvePath(next, depth+1)
		}
	}

	return current, currentIno, nil
}

func (fs *FileSystem) readSymlinkTarget(entry *CachedInode) (string, error) {
	buf := make([]byte, entry.Body.Size)
	if _, err := fs.ReadInodeData(entry, 0, buf); err != nil {
		return "", fmt.Errorf("reading symlink target for `%#x`: %w", entry.Ino, err)
	}
	return string(buf), nil
}
