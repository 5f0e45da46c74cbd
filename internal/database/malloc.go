package database

import (
	"encoding/binary"
	"fmt"
)

// Block layout: a 4-byte signed size header followed by the payload. A
// positive size marks a free block, a negative size an allocated one. Free
// blocks keep prev/next free-list links in the first two payload words.
const (
	BlockHeaderSize = 4
	BlockSizeDelta  = 8
	MinBlockSize    = 16
	MaxMallocSize   = ChunkSize - BlockHeaderSize

	freePrevOffset = 4
	freeNextOffset = 8
)

func freeListHead(blockSize int) Ptr {
	return Ptr(offFreeLists + 4*(blockSize/BlockSizeDelta))
}

func roundBlock(size int) int {
	n := size + BlockHeaderSize
	if rem := n % BlockSizeDelta; rem != 0 {
		n += BlockSizeDelta - rem
	}
	if n < MinBlockSize {
		n = MinBlockSize
	}
	return n
}

// Malloc returns a zero-filled payload of at least size bytes. Allocations
// never span chunks; requests over MaxMallocSize fail with ErrTooLarge.
func (db *Database) Malloc(size int) (Ptr, error) {
	if db.chunks == nil {
		return Null, ErrClosed
	}
	if size > MaxMallocSize {
		return Null, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	need := roundBlock(size)

	block, blockSize := Null, 0
	for bs := need; bs <= ChunkSize; bs += BlockSizeDelta {
		head, err := db.word(freeListHead(bs))
		if err != nil {
			return Null, err
		}
		if head != 0 {
			block, blockSize = Ptr(head), bs
			break
		}
	}

	if block == Null {
		block, blockSize = db.grow(), ChunkSize
	} else if err := db.unlinkFree(block, blockSize); err != nil {
		return Null, err
	}

	if rem := blockSize - need; rem >= MinBlockSize {
		if err := db.linkFree(block+Ptr(need), rem); err != nil {
			return Null, err
		}
		blockSize = need
	}

	if err := db.putBlockSize(block, -blockSize); err != nil {
		return Null, err
	}
	db.live.Add(uint32(block))
	payload, ci, err := db.slice(block+BlockHeaderSize, blockSize-BlockHeaderSize)
	if err != nil {
		return Null, err
	}
	clear(payload)
	db.markDirty(ci)
	db.addUsed(blockSize)
	return block + BlockHeaderSize, nil
}

// Free returns the block holding p to its size-class list. Freeing a pointer
// that is not the start of an allocated block is a storage fault.
func (db *Database) Free(p Ptr) error {
	if db.chunks == nil {
		return ErrClosed
	}
	if int(p) < ChunkSize+BlockHeaderSize {
		return fmt.Errorf("%w: free of invalid pointer %d", ErrStorageFault, p)
	}
	block := p - BlockHeaderSize
	if int(block)%BlockSizeDelta != 0 {
		return fmt.Errorf("%w: free of misaligned pointer %d", ErrStorageFault, p)
	}
	size, err := db.blockSize(block)
	if err != nil {
		return err
	}
	if size >= 0 || !db.live.Contains(uint32(block)) {
		return fmt.Errorf("%w: free of unallocated block at %d", ErrStorageFault, p)
	}
	n := int(-size)
	if n < MinBlockSize || n%BlockSizeDelta != 0 || int(block)%ChunkSize+n > ChunkSize {
		return fmt.Errorf("%w: corrupt block header %d at %d", ErrStorageFault, size, block)
	}
	if err := db.linkFree(block, n); err != nil {
		return err
	}
	db.live.Remove(uint32(block))
	db.addUsed(-n)
	return nil
}

// IsAllocated reports whether p is the payload of a live block.
func (db *Database) IsAllocated(p Ptr) bool {
	if db.chunks == nil || int(p) < ChunkSize+BlockHeaderSize {
		return false
	}
	return db.live.Contains(uint32(p - BlockHeaderSize))
}

// inBlock reports whether the n bytes at p lie inside the payload of one
// allocated block.
func (db *Database) inBlock(p Ptr, n int) bool {
	r := db.live.Rank(uint32(p))
	if r == 0 {
		return false
	}
	block, err := db.live.Select(uint32(r - 1))
	if err != nil {
		return false
	}
	size := int32(binary.LittleEndian.Uint32(db.chunks[block/ChunkSize][block%ChunkSize:]))
	return size < 0 && uint32(p) >= block+BlockHeaderSize && int(p)+n <= int(block)+int(-size)
}

// indexBlocks walks every data chunk block by block and records the
// allocated ones. Chunks are always tiled by blocks, so a header that does
// not lead to the next block is corruption.
func (db *Database) indexBlocks() error {
	db.live.Clear()
	for ci := 1; ci < len(db.chunks); ci++ {
		chunk := db.chunks[ci]
		for off := 0; off < ChunkSize; {
			size := int32(binary.LittleEndian.Uint32(chunk[off:]))
			n := int(size)
			if size < 0 {
				n = int(-size)
			}
			if n < MinBlockSize || n%BlockSizeDelta != 0 || off+n > ChunkSize {
				return fmt.Errorf("%w: corrupt block header %d at %d", ErrStorageFault, size, ci*ChunkSize+off)
			}
			if size < 0 {
				db.live.Add(uint32(ci*ChunkSize + off))
			}
			off += n
		}
	}
	return nil
}

// grow appends an empty chunk and returns its offset as one free-sized block.
func (db *Database) grow() Ptr {
	idx := len(db.chunks)
	db.chunks = append(db.chunks, make([]byte, ChunkSize))
	db.markDirty(idx)
	db.setHeaderUint32(offChunkCount, uint32(len(db.chunks)))
	return Ptr(idx * ChunkSize)
}

func (db *Database) blockSize(block Ptr) (int32, error) {
	v, err := db.word(block)
	return int32(v), err
}

func (db *Database) putBlockSize(block Ptr, size int) error {
	return db.putWord(block, uint32(int32(size)))
}

// word and putWord access allocator bookkeeping (free-list heads, block
// headers and free links), which the public accessors refuse.
func (db *Database) word(p Ptr) (uint32, error) {
	b, _, err := db.slice(p, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (db *Database) putWord(p Ptr, v uint32) error {
	b, ci, err := db.slice(p, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	db.markDirty(ci)
	return nil
}

// linkFree marks block free and pushes it on the head of its size list.
func (db *Database) linkFree(block Ptr, size int) error {
	headSlot := freeListHead(size)
	head, err := db.word(headSlot)
	if err != nil {
		return err
	}
	if err := db.putBlockSize(block, size); err != nil {
		return err
	}
	if err := db.putWord(block+freePrevOffset, 0); err != nil {
		return err
	}
	if err := db.putWord(block+freeNextOffset, head); err != nil {
		return err
	}
	if head != 0 {
		if err := db.putWord(Ptr(head)+freePrevOffset, uint32(block)); err != nil {
			return err
		}
	}
	return db.putWord(headSlot, uint32(block))
}

func (db *Database) unlinkFree(block Ptr, size int) error {
	prev, err := db.word(block + freePrevOffset)
	if err != nil {
		return err
	}
	next, err := db.word(block + freeNextOffset)
	if err != nil {
		return err
	}
	if prev == 0 {
		err = db.putWord(freeListHead(size), next)
	} else {
		err = db.putWord(Ptr(prev)+freeNextOffset, next)
	}
	if err != nil {
		return err
	}
	if next != 0 {
		return db.putWord(Ptr(next)+freePrevOffset, prev)
	}
	return nil
}
