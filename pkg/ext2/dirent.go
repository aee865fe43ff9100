package ext2

import "fmt"

const (
	// DirEntryHeaderSize is the fixed portion of a directory record: inode
	// number (4), rec_len (2), name_len (1), file_type (1).
	DirEntryHeaderSize = 8

	// MaxNameLen is the largest directory entry name ext2 can represent.
	MaxNameLen = 255
)

// DirEntry is a single directory record. RecLen always spans the full
// region this record occupies, including any trailing slack left for a
// future split; Ino == 0 marks a skipped (logically deleted) record.
type DirEntry struct {
	Ino     Ino
	RecLen  uint16
	NameLen uint8
	Type    FileType
	Name    string
}

// align4 rounds n up to the next multiple of 4.
func align4(n uint16) uint16 {
	return (n + 3) &^ 3
}

// MinRecLen is the smallest record length that can hold name, 4-byte
// aligned.
func MinRecLen(name string) uint16 {
	return align4(uint16(DirEntryHeaderSize + len(name)))
}

type ErrNameTooLongForDirEntry struct{ Len int }

func (err ErrNameTooLongForDirEntry) Error() string {
	return fmt.Sprintf(
		"directory entry name length `%d` exceeds max `%d`",
		err.Len,
		MaxNameLen,
	)
}

// DecodeDirEntry reads one record starting at b[0]. It does not validate
// that the record fits within the caller's block; callers read full blocks
// and slice as they walk.
func DecodeDirEntry(b []byte) (DirEntry, error) {
	if len(b) < DirEntryHeaderSize {
		return DirEntry{}, fmt.Errorf(
			"decoding directory entry: buffer too short: `%d` bytes",
			len(b),
		)
	}

	ino := Ino(DecodeUint32(b[0], b[1], b[2], b[3]))
	recLen := DecodeUint16(b[4], b[5])
	nameLen := b[6]
	fileType := fromDirFileTypeByte(b[7])

	if int(DirEntryHeaderSize+nameLen) > len(b) {
		return DirEntry{}, fmt.Errorf(
			"decoding directory entry: name length `%d` exceeds buffer `%d`",
			nameLen,
			len(b),
		)
	}

	name := string(b[DirEntryHeaderSize : DirEntryHeaderSize+int(nameLen)])

	return DirEntry{
		Ino:     ino,
		RecLen:  recLen,
		NameLen: nameLen,
		Type:    fileType,
		Name:    name,
	}, nil
}

// Encode writes the entry into b, which must be at least RecLen bytes.
// Bytes between the name and the end of RecLen are zeroed.
func (e DirEntry) Encode(b []byte) error {
	if len(e.Name) > MaxNameLen {
		return fmt.Errorf("encoding directory entry: %w", ErrNameTooLongForDirEntry{len(e.Name)})
	}
	if len(b) < int(e.RecLen) {
		return fmt.Errorf(
			"encoding directory entry: buffer `%d` shorter than rec_len `%d`",
			len(b),
			e.RecLen,
		)
	}

	EncodeUint32(uint32(e.Ino), b[0:])
	EncodeUint16(e.RecLen, b[4:])
	b[6] = byte(len(e.Name))
	b[7] = toDirFileTypeByte(e.Type)
	copy(b[DirEntryHeaderSize:], e.Name)
	for i := DirEntryHeaderSize + len(e.Name); i < int(e.RecLen); i++ {
		b[i] = 0
	}
	return nil
}

// toDirFileTypeByte converts a Mode's FileType to the directory record's
// file_type byte, only meaningful when SupportedIncompatFeatures'
// filetype bit is set on the superblock (always true for volumes this
// package formats).
func toDirFileTypeByte(t FileType) byte {
	switch t {
	case FileTypeRegular:
		return 1
	case FileTypeDir:
		return 2
	case FileTypeCharDev:
		return 3
	case FileTypeBlockDev:
		return 4
	case FileTypeFifo:
		return 5
	case FileTypeSocket:
		return 6
	case FileTypeSymlink:
		return 7
	default:
		return 0
	}
}

func fromDirFileTypeByte(b byte) FileType {
	switch b {
	case 1:
		return FileTypeRegular
	case 2:
		return FileTypeDir
	case 3:
		return FileTypeCharDev
	case 4:
		return FileTypeBlockDev
	case 5:
		return FileTypeFifo
	case 6:
		return FileTypeSocket
	case 7:
		return FileTypeSymlink
	default:
		return FileTypeRegular
	}
}
