// Package control publishes the committed generation of an index fragment
// through a small memory-mapped file, so other processes can notice new
// content without opening the database.
package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	Size    = 4096       // one page
	Magic   = 0x50444F43 // 'PDOC'
	Version = 2
)

// FlagNeedsRebuild mirrors the fragment's needs-rebuild header flag.
const FlagNeedsRebuild uint32 = 1 << 0

var (
	ErrBadMagic   = errors.New("not a control block")
	ErrBadVersion = errors.New("unsupported control block version")
)

// block is the page layout. Generation is written last on publish and
// read first by observers.
type block struct {
	magic      uint32
	version    uint32
	generation uint64
	dbSize     uint64
	flags      uint32
	pathLen    uint32
	dbPath     [256]byte
	_          [Size - 288]byte
}

// State is what a fragment last published.
type State struct {
	Generation   uint64
	DBPath       string
	DBSize       uint64
	NeedsRebuild bool
}

// Controller is an open control block.
type Controller struct {
	file *os.File
	data []byte
	b    *block
}

// OpenOrCreate maps the control block at path, initializing an empty one.
func OpenOrCreate(path string) (*Controller, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create control directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open control block: %w", err)
	}
	c, err := mapBlock(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("control block %s: %w", path, err)
	}
	return c, nil
}

func mapBlock(f *os.File) (*Controller, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < Size {
		if err := f.Truncate(Size); err != nil {
			return nil, err
		}
	}
	data, err := unix.Mmap(int(f.Fd()), 0, Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	b := (*block)(unsafe.Pointer(&data[0]))
	switch {
	case b.magic == 0:
		b.magic, b.version = Magic, Version
	case b.magic != Magic:
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%w: magic %#x", ErrBadMagic, b.magic)
	case b.version != Version:
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, b.version)
	}
	return &Controller{file: f, data: data, b: b}, nil
}

// Generation returns the last published generation.
func (c *Controller) Generation() uint64 {
	return atomic.LoadUint64(&c.b.generation)
}

// Load returns the published state. Fields other than Generation may be
// newer than the generation when a publish races the read.
func (c *Controller) Load() State {
	gen := atomic.LoadUint64(&c.b.generation)
	n := min(atomic.LoadUint32(&c.b.pathLen), uint32(len(c.b.dbPath)))
	return State{
		Generation:   gen,
		DBPath:       string(c.b.dbPath[:n]),
		DBSize:       atomic.LoadUint64(&c.b.dbSize),
		NeedsRebuild: atomic.LoadUint32(&c.b.flags)&FlagNeedsRebuild != 0,
	}
}

// Publish records a committed generation of the database at path.
func (c *Controller) Publish(s State) error {
	if len(s.DBPath) > len(c.b.dbPath) {
		return fmt.Errorf("database path longer than %d bytes", len(c.b.dbPath))
	}
	copy(c.b.dbPath[:], s.DBPath)
	atomic.StoreUint32(&c.b.pathLen, uint32(len(s.DBPath)))
	atomic.StoreUint64(&c.b.dbSize, s.DBSize)
	var flags uint32
	if s.NeedsRebuild {
		flags |= FlagNeedsRebuild
	}
	atomic.StoreUint32(&c.b.flags, flags)
	atomic.StoreUint64(&c.b.generation, s.Generation)
	return nil
}

// WaitForGeneration polls until the published generation exceeds after and
// returns it, or returns ctx's error.
func (c *Controller) WaitForGeneration(ctx context.Context, after uint64, interval time.Duration) (uint64, error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if g := c.Generation(); g > after {
			return g, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}
}

// Close unmaps and closes the control block.
func (c *Controller) Close() error {
	if err := unix.Munmap(c.data); err != nil {
		_ = c.file.Close()
		return err
	}
	return c.file.Close()
}
