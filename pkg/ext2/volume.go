package ext2

import (
	"fmt"
	"os"
)

// Volume is the byte-addressable view of the underlying storage that the
// rest of the package reads and writes through. It is the internal
// collaborator the volume engine, inode cache and directory layer build on.
type Volume interface {
	Read(offset uint64, buffer []byte) error
	Write(offset uint64, buffer []byte) error
}

// BlockDevice is the external collaborator named in the driver's wire
// contract: fixed-size, synchronous block I/O addressed by logical block
// number. A device without a working WriteBlocks is mountable only
// read-only.
type BlockDevice interface {
	ReadBlocks(startLBA uint64, count int, out []byte) error
	WriteBlocks(startLBA uint64, count int, in []byte) error
	BlockSize() uint32
	BlockCount() uint64
}

// DeviceVolume adapts a BlockDevice to the byte-addressable Volume
// interface used internally, performing the block-aligned read-modify-write
// needed to satisfy arbitrary-offset reads and writes.
type DeviceVolume struct {
	Device BlockDevice
}

func NewDeviceVolume(dev BlockDevice) DeviceVolume {
	return DeviceVolume{Device: dev}
}

func (v DeviceVolume) Read(offset uint64, buffer []byte) error {
	blockSize := uint64(v.Device.BlockSize())
	remaining := buffer
	for len(remaining) > 0 {
		lba := offset / blockSize
		blockOffset := offset % blockSize
		chunk := min(uint64(len(remaining)), blockSize-blockOffset)

		if blockOffset == 0 && chunk == blockSize {
			if err := v.Device.ReadBlocks(lba, 1, remaining[:chunk]); err != nil {
				return fmt.Errorf("reading block `%#x`: %w", lba, err)
			}
		} else {
			block := make([]byte, blockSize)
			if err := v.Device.ReadBlocks(lba, 1, block); err != nil {
				return fmt.Errorf("reading block `%#x`: %w", lba, err)
			}
			copy(remaining[:chunk], block[blockOffset:blockOffset+chunk])
		}

		remaining = remaining[chunk:]
		offset += chunk
	}
	return nil
}

func (v DeviceVolume) Write(offset uint64, buffer []byte) error {
	blockSize := uint64(v.Device.BlockSize())
	remaining := buffer
	for len(remaining) > 0 {
		lba := offset / blockSize
		blockOffset := offset % blockSize
		chunk := min(uint64(len(remaining)), blockSize-blockOffset)

		if blockOffset == 0 && chunk == blockSize {
			if err := v.Device.WriteBlocks(lba, 1, remaining[:chunk]); err != nil {
				return fmt.Errorf("writing block `%#x`: %w", lba, err)
			}
		} else {
			block := make([]byte, blockSize)
			if err := v.Device.ReadBlocks(lba, 1, block); err != nil {
				return fmt.Errorf(
					"writing block `%#x`: reading for merge: %w",
					lba,
					err,
				)
			}
			copy(block[blockOffset:blockOffset+chunk], remaining[:chunk])
			if err := v.Device.WriteBlocks(lba, 1, block); err != nil {
				return fmt.Errorf("writing block `%#x`: %w", lba, err)
			}
		}

		remaining = remaining[chunk:]
		offset += chunk
	}
	return nil
}

// MemoryBlockDevice is a BlockDevice backed by a plain byte slice, useful
// for tests and for formatting a fresh image before it is written out.
type MemoryBlockDevice struct {
	blockSize uint32
	blocks    []byte
}

func NewMemoryBlockDevice(blockSize uint32, blockCount uint64) *MemoryBlockDevice {
	return &MemoryBlockDevice{
		blockSize: blockSize,
		blocks:    make([]byte, uint64(blockSize)*blockCount),
	}
}

func (dev *MemoryBlockDevice) BlockSize() uint32 { return dev.blockSize }

func (dev *MemoryBlockDevice) BlockCount() uint64 {
	return uint64(len(dev.blocks)) / uint64(dev.blockSize)
}

func (dev *MemoryBlockDevice) ReadBlocks(startLBA uint64, count int, out []byte) error {
	start := startLBA * uint64(dev.blockSize)
	end := start + uint64(count)*uint64(dev.blockSize)
	if end > uint64(len(dev.blocks)) {
		return fmt.Errorf("read past end of device at block `%#x`", startLBA)
	}
	copy(out, dev.blocks[start:end])
	return nil
}

func (dev *MemoryBlockDevice) WriteBlocks(startLBA uint64, count int, in []byte) error {
	start := startLBA * uint64(dev.blockSize)
	end := start + uint64(count)*uint64(dev.blockSize)
	if end > uint64(len(dev.blocks)) {
		return fmt.Errorf("write past end of device at block `%#x`", startLBA)
	}
	copy(dev.blocks[start:end], in)
	return nil
}

// FileBlockDevice is a BlockDevice backed by an *os.File, used by the CLI
// tools against real disk images.
type FileBlockDevice struct {
	file      *os.File
	blockSize uint32
	readOnly  bool
}

func NewFileBlockDevice(file *os.File, blockSize uint32, readOnly bool) *FileBlockDevice {
	return &FileBlockDevice{file: file, blockSize: blockSize, readOnly: readOnly}
}

func (dev *FileBlockDevice) BlockSize() uint32 { return dev.blockSize }

func (dev *FileBlockDevice) BlockCount() uint64 {
	info, err := dev.file.Stat()
	if err != nil {
		return 0
	}
	return uint64(info.Size()) / uint64(dev.blockSize)
}

func (dev *FileBlockDevice) ReadOnly() bool { return dev.readOnly }

func (dev *FileBlockDevice) ReadBlocks(startLBA uint64, count int, out []byte) error {
	off := int64(startLBA) * int64(dev.blockSize)
	if _, err := dev.file.ReadAt(out[:count*int(dev.blockSize)], off); err != nil {
		return fmt.Errorf(
			"reading file `%s` at block `%#x`: %w",
			dev.file.Name(),
			startLBA,
			err,
		)
	}
	return nil
}

func (dev *FileBlockDevice) WriteBlocks(startLBA uint64, count int, in []byte) error {
	if dev.readOnly {
		return fmt.Errorf(
			"writing file `%s`: %w",
			dev.file.Name(),
			ReadOnlyError{MountPoint: dev.file.Name()},
		)
	}
	off := int64(startLBA) * int64(dev.blockSize)
	if _, err := dev.file.WriteAt(in[:count*int(dev.blockSize)], off); err != nil {
		return fmt.Errorf(
			"writing file `%s` at block `%#x`: %w",
			dev.file.Name(),
			startLBA,
			err,
		)
	}
	return nil
}

// MemoryVolume is a Volume backed directly by a byte slice, bypassing block
// granularity entirely; handy for unit tests that want byte-precise setup.
type MemoryVolume struct {
	buf []byte
}

func NewMemoryVolume(capacity uint64) *MemoryVolume {
	return &MemoryVolume{buf: make([]byte, capacity)}
}

func (volume *MemoryVolume) Read(offset uint64, buffer []byte) error {
	if offset >= uint64(len(volume.buf)) {
		return nil
	}
	n := copy(buffer, volume.buf[offset:])
	for i := n; i < len(buffer); i++ {
		buffer[i] = 0
	}
	return nil
}

func (volume *MemoryVolume) Write(offset uint64, buffer []byte) error {
	end := offset + uint64(len(buffer))
	if end > uint64(len(volume.buf)) {
		grown := make([]byte, end)
		copy(grown, volume.buf)
		volume.buf = grown
	}
	copy(volume.buf[offset:end], buffer)
	return nil
}

// FileVolume is a Volume backed directly by an *os.File.
type FileVolume struct {
	file *os.File
}

func NewFileVolume(file *os.File) FileVolume { return FileVolume{file: file} }

func (volume FileVolume) Read(offset uint64, buffer []byte) error {
	if _, err := volume.file.ReadAt(buffer, int64(offset)); err != nil {
		return fmt.Errorf(
			"reading file `%s` at offset `%d`: %w",
			volume.file.Name(),
			offset,
			err,
		)
	}

	return nil
}

func (volume FileVolume) Write(offset uint64, buffer []byte) error {
	if _, err := volume.file.WriteAt(buffer, int64(offset)); err != nil {
		return fmt.Errorf(
			"writing file `%s` at offset `%d`: %w",
			volume.file.Name(),
			offset,
			err,
		)
	}

	return nil
}
