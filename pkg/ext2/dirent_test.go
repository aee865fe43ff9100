package ext2

import "testing"

func TestDirEntry_EncodeDecodeRoundTrip(t *testing.T) {
	// Given a directory entry with a name that isn't 4-byte aligned
	entry := DirEntry{
		Ino:     42,
		RecLen:  MinRecLen("readme.txt"),
		NameLen: uint8(len("readme.txt")),
		Type:    FileTypeRegular,
		Name:    "readme.txt",
	}
	buf := make([]byte, entry.RecLen)

	// When it's encoded and decoded back
	if err := entry.Encode(buf); err != nil {
		t.Fatalf("Encode(): unexpected err: %v", err)
	}
	found, err := DecodeDirEntry(buf)
	if err != nil {
		t.Fatalf("DecodeDirEntry(): unexpected err: %v", err)
	}

	// Then every field should survive the round trip
	if found != entry {
		t.Fatalf("wanted `%+v`; found `%+v`", entry, found)
	}
}

func TestDirEntry_EncodeRejectsNameTooLong(t *testing.T) {
	// Given an entry whose name exceeds the on-disk name length limit
	name := make([]byte, MaxNameLen+1)
	for i := range name {
		name[i] = 'a'
	}
	entry := DirEntry{Ino: 1, RecLen: 512, Name: string(name)}

	// When it's encoded
	err := entry.Encode(make([]byte, 512))

	// Then it should fail rather than silently truncate
	if err == nil {
		t.Fatal("Encode(): wanted an error; found nil")
	}
}

func TestMinRecLen_Aligns4Bytes(t *testing.T) {
	// Given a two-byte name
	// When its minimum record length is computed
	found := MinRecLen("ab")

	// Then it should be the header plus the name, rounded up to 4 bytes
	if want := uint16(12); found != want {
		t.Fatalf("wanted `%d`; found `%d`", want, found)
	}
}

func TestDirEntry_FileTypeByteRoundTrip(t *testing.T) {
	types := []FileType{
		FileTypeRegular, FileTypeDir, FileTypeCharDev, FileTypeBlockDev,
		FileTypeFifo, FileTypeSocket, FileTypeSymlink,
	}
	for _, ft := range types {
		if found := fromDirFileTypeByte(toDirFileTypeByte(ft)); found != ft {
			t.Fatalf("file type `%s`: wanted round trip to `%s`; found `%s`", ft, ft, found)
		}
	}
}
