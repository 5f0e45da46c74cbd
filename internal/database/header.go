package database

import (
	"encoding/binary"
	"fmt"
)

const (
	ChunkSize = 4096
	Magic     = 0x50444F4D // 'PDOM'
	Version   = 3

	// Header field offsets inside chunk 0.
	offMagic      = 0
	offVersion    = 4
	offFlags      = 8
	offChunkCount = 12
	offGeneration = 16
	offUsedBytes  = 24
	offRoots      = 64
	offFreeLists  = 256

	// RootSlots is the number of reserved pointer slots callers may use to
	// anchor their data structures (B-tree roots and the like).
	RootSlots = 16
)

// Header flags.
const (
	FlagNeedsRebuild uint32 = 1 << iota
)

// Header is the decoded form of chunk 0.
type Header struct {
	Magic      uint32
	Version    uint32
	Flags      uint32
	ChunkCount uint32
	Generation uint64
	UsedBytes  uint64
}

// readHeader decodes the fixed part of the header chunk.
func readHeader(buf []byte) *Header {
	return &Header{
		Magic:      binary.LittleEndian.Uint32(buf[offMagic:]),
		Version:    binary.LittleEndian.Uint32(buf[offVersion:]),
		Flags:      binary.LittleEndian.Uint32(buf[offFlags:]),
		ChunkCount: binary.LittleEndian.Uint32(buf[offChunkCount:]),
		Generation: binary.LittleEndian.Uint64(buf[offGeneration:]),
		UsedBytes:  binary.LittleEndian.Uint64(buf[offUsedBytes:]),
	}
}

func writeHeader(buf []byte, h *Header) {
	binary.LittleEndian.PutUint32(buf[offMagic:], h.Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], h.Version)
	binary.LittleEndian.PutUint32(buf[offFlags:], h.Flags)
	binary.LittleEndian.PutUint32(buf[offChunkCount:], h.ChunkCount)
	binary.LittleEndian.PutUint64(buf[offGeneration:], h.Generation)
	binary.LittleEndian.PutUint64(buf[offUsedBytes:], h.UsedBytes)
}

// validate checks that a header read from disk belongs to a store this
// package can use, and that the chunk count matches the file size.
func (h *Header) validate(fileSize int64) error {
	if h.Magic != Magic {
		return fmt.Errorf("invalid database magic: %x", h.Magic)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: version %d, want %d", ErrVersionMismatch, h.Version, Version)
	}
	if fileSize%ChunkSize != 0 {
		return fmt.Errorf("%w: size %d is not a multiple of %d", ErrStorageFault, fileSize, ChunkSize)
	}
	if int64(h.ChunkCount)*ChunkSize != fileSize {
		return fmt.Errorf("%w: header records %d chunks, file holds %d", ErrStorageFault, h.ChunkCount, fileSize/ChunkSize)
	}
	return nil
}

// RootSlot returns the address of the i-th reserved root pointer.
func RootSlot(i int) Ptr {
	if i < 0 || i >= RootSlots {
		panic(fmt.Sprintf("database: root slot %d out of range", i))
	}
	return Ptr(offRoots + 4*i)
}
