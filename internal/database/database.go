// Package database implements the paged byte store underneath the PDOM.
//
// A Database is an array of 4 KiB chunks. Chunk 0 holds the header (format
// magic, flags, generation, reserved root slots and the free-list heads);
// every other chunk is carved into blocks by Malloc. Callers address data by
// Ptr, a byte offset into the store, and read or write fixed-size fields at
// Ptr+offset. Offset 0 is the null pointer.
//
// The store is not synchronised for mutation. Writers must be serialised by
// the owner (the PDOM write lock); any number of readers may read while no
// writer is active.
package database

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Ptr is a byte offset into the database. The zero value is the null pointer.
type Ptr uint32

// Null is the universal null record offset.
const Null Ptr = 0

// Database is a chunked byte store, either backed by a file or held in memory.
type Database struct {
	path       string
	file       *os.File // nil when in memory
	chunks     [][]byte
	fileChunks int // chunks currently on disk

	// Block offsets of allocated blocks. Rebuilt on open, not persisted.
	live *roaring.Bitmap

	// Chunks modified since the last flush.
	flushMu sync.Mutex
	dirty   *roaring.Bitmap
}

// Open opens the database file at path, creating an empty store if the file
// does not exist or has zero length. The whole file is read into memory.
func Open(path string) (*Database, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat database %s: %w", path, err)
	}

	db := &Database{path: path, file: f, dirty: roaring.New(), live: roaring.New()}
	if info.Size() == 0 {
		db.init(0)
		if err := db.Flush(); err != nil {
			_ = f.Close()
			return nil, err
		}
		return db, nil
	}

	if info.Size() < ChunkSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is shorter than one chunk", ErrStorageFault, path)
	}
	buf := make([]byte, info.Size())
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		_ = f.Close()
		return nil, fmt.Errorf("read database %s: %w", path, err)
	}
	if err := readHeader(buf[:ChunkSize]).validate(info.Size()); err != nil {
		_ = f.Close()
		return nil, err
	}

	n := int(info.Size() / ChunkSize)
	db.chunks = make([][]byte, n)
	for i := range db.chunks {
		db.chunks[i] = buf[i*ChunkSize : (i+1)*ChunkSize : (i+1)*ChunkSize]
	}
	db.fileChunks = n
	if err := db.indexBlocks(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("database %s: %w", path, err)
	}
	return db, nil
}

// Create truncates (or creates) the file at path and initialises an empty
// store in it.
func Create(path string) (*Database, error) {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("create database %s: %w", path, err)
	}
	return Open(path)
}

// OpenInMemory returns an empty store that is never written to disk.
func OpenInMemory() *Database {
	db := &Database{dirty: roaring.New(), live: roaring.New()}
	db.init(0)
	return db
}

// init resets the store to a lone header chunk.
func (db *Database) init(generation uint64) {
	hdr := make([]byte, ChunkSize)
	writeHeader(hdr, &Header{
		Magic:      Magic,
		Version:    Version,
		ChunkCount: 1,
		Generation: generation,
	})
	db.chunks = [][]byte{hdr}
	db.live.Clear()
	db.dirty.Clear()
	db.dirty.Add(0)
}

// Path returns the backing file path, or "" for an in-memory store.
func (db *Database) Path() string { return db.path }

// Clear drops every record and free list. Root slots are zeroed; the
// generation counter survives so observers still see a change.
func (db *Database) Clear() error {
	if db.chunks == nil {
		return ErrClosed
	}
	db.init(db.Generation() + 1)
	return nil
}

// Flush writes dirty chunks to the backing file and syncs it.
func (db *Database) Flush() error {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()

	if db.chunks == nil {
		return ErrClosed
	}
	if db.file == nil {
		db.dirty.Clear()
		return nil
	}

	it := db.dirty.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= len(db.chunks) {
			continue
		}
		if _, err := db.file.WriteAt(db.chunks[i], int64(i)*ChunkSize); err != nil {
			return fmt.Errorf("write chunk %d: %w", i, err)
		}
	}
	if len(db.chunks) < db.fileChunks {
		if err := db.file.Truncate(int64(len(db.chunks)) * ChunkSize); err != nil {
			return fmt.Errorf("truncate database: %w", err)
		}
	}
	if err := db.file.Sync(); err != nil {
		return fmt.Errorf("sync database: %w", err)
	}
	db.fileChunks = len(db.chunks)
	db.dirty.Clear()
	return nil
}

// Dirty reports whether there are chunks that have not been flushed.
func (db *Database) Dirty() bool {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	return !db.dirty.IsEmpty()
}

// Close flushes and releases the store. Further access fails with ErrClosed.
func (db *Database) Close() error {
	if db.chunks == nil {
		return nil
	}
	err := db.Flush()
	db.flushMu.Lock()
	db.chunks = nil
	db.flushMu.Unlock()
	if db.file != nil {
		if cerr := db.file.Close(); err == nil {
			err = cerr
		}
		db.file = nil
	}
	return err
}

// ChunkCount returns the number of chunks, header included.
func (db *Database) ChunkCount() int { return len(db.chunks) }

// Size returns the store size in bytes.
func (db *Database) Size() int64 { return int64(len(db.chunks)) * ChunkSize }

// Generation returns the write generation recorded in the header.
func (db *Database) Generation() uint64 {
	return binary.LittleEndian.Uint64(db.chunks[0][offGeneration:])
}

// IncrementGeneration bumps the header generation and returns the new value.
func (db *Database) IncrementGeneration() uint64 {
	g := db.Generation() + 1
	binary.LittleEndian.PutUint64(db.chunks[0][offGeneration:], g)
	db.markDirty(0)
	return g
}

// NeedsRebuild reports whether the store was flagged as inconsistent.
func (db *Database) NeedsRebuild() bool {
	return db.headerUint32(offFlags)&FlagNeedsRebuild != 0
}

// SetNeedsRebuild sets or clears the needs-rebuild flag.
func (db *Database) SetNeedsRebuild(v bool) {
	flags := db.headerUint32(offFlags)
	if v {
		flags |= FlagNeedsRebuild
	} else {
		flags &^= FlagNeedsRebuild
	}
	db.setHeaderUint32(offFlags, flags)
}

// UsedBytes returns the number of bytes held by allocated blocks, block
// headers included.
func (db *Database) UsedBytes() uint64 {
	return binary.LittleEndian.Uint64(db.chunks[0][offUsedBytes:])
}

func (db *Database) addUsed(delta int) {
	used := int64(db.UsedBytes()) + int64(delta)
	binary.LittleEndian.PutUint64(db.chunks[0][offUsedBytes:], uint64(used))
	db.markDirty(0)
}

func (db *Database) headerUint32(off int) uint32 {
	return binary.LittleEndian.Uint32(db.chunks[0][off:])
}

func (db *Database) setHeaderUint32(off int, v uint32) {
	binary.LittleEndian.PutUint32(db.chunks[0][off:], v)
	db.markDirty(0)
}

func (db *Database) markDirty(chunk int) {
	db.dirty.Add(uint32(chunk))
}

// slice returns the n bytes at p, failing if the range is null, outside the
// store or crosses a chunk boundary.
func (db *Database) slice(p Ptr, n int) ([]byte, int, error) {
	if db.chunks == nil {
		return nil, 0, ErrClosed
	}
	if p == Null {
		return nil, 0, fmt.Errorf("%w: null pointer dereference", ErrStorageFault)
	}
	ci := int(p) / ChunkSize
	off := int(p) % ChunkSize
	if ci >= len(db.chunks) {
		return nil, 0, fmt.Errorf("%w: offset %d beyond store of %d chunks", ErrStorageFault, p, len(db.chunks))
	}
	if off+n > ChunkSize {
		return nil, 0, fmt.Errorf("%w: %d bytes at offset %d cross a chunk boundary", ErrStorageFault, n, p)
	}
	return db.chunks[ci][off : off+n], ci, nil
}

// field is slice restricted to what callers may address: the root slots and
// the payloads of allocated blocks.
func (db *Database) field(p Ptr, n int) ([]byte, int, error) {
	b, ci, err := db.slice(p, n)
	if err != nil {
		return nil, 0, err
	}
	if ci == 0 {
		if int(p) >= offRoots && int(p)+n <= offRoots+4*RootSlots {
			return b, ci, nil
		}
		return nil, 0, fmt.Errorf("%w: offset %d is inside the header", ErrStorageFault, p)
	}
	if !db.inBlock(p, n) {
		return nil, 0, fmt.Errorf("%w: %d bytes at offset %d are not allocated", ErrStorageFault, n, p)
	}
	return b, ci, nil
}

// GetByte reads one byte at p.
func (db *Database) GetByte(p Ptr) (byte, error) {
	b, _, err := db.field(p, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// PutByte writes one byte at p.
func (db *Database) PutByte(p Ptr, v byte) error {
	b, ci, err := db.field(p, 1)
	if err != nil {
		return err
	}
	b[0] = v
	db.markDirty(ci)
	return nil
}

// GetInt reads a 4-byte integer at p.
func (db *Database) GetInt(p Ptr) (uint32, error) {
	b, _, err := db.field(p, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// PutInt writes a 4-byte integer at p.
func (db *Database) PutInt(p Ptr, v uint32) error {
	b, ci, err := db.field(p, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	db.markDirty(ci)
	return nil
}

// GetPtr reads a record offset stored at p.
func (db *Database) GetPtr(p Ptr) (Ptr, error) {
	v, err := db.GetInt(p)
	return Ptr(v), err
}

// PutPtr stores a record offset at p.
func (db *Database) PutPtr(p Ptr, v Ptr) error {
	return db.PutInt(p, uint32(v))
}

// GetLong reads an 8-byte integer at p.
func (db *Database) GetLong(p Ptr) (int64, error) {
	b, _, err := db.field(p, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// PutLong writes an 8-byte integer at p.
func (db *Database) PutLong(p Ptr, v int64) error {
	b, ci, err := db.field(p, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, uint64(v))
	db.markDirty(ci)
	return nil
}

func (db *Database) getBytes(p Ptr, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	b, _, err := db.field(p, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (db *Database) putBytes(p Ptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b, ci, err := db.field(p, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	db.markDirty(ci)
	return nil
}
