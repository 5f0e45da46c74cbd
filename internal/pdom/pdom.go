// Package pdom implements the index fragment: one database file holding the
// files, names, includes, macros and bindings of a project, plus the
// reader/writer lock that guards it.
//
// All record access requires a lock. Queries need a read (or the write)
// lock; every mutation needs the write lock and fails with ErrLockProtocol
// otherwise.
package pdom

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentic-research/pdom/internal/btree"
	"github.com/agentic-research/pdom/internal/control"
	"github.com/agentic-research/pdom/internal/database"
)

// Root slots used by the fragment.
const (
	slotFileIndex    = 0
	slotBindingIndex = 1
)

// DefaultFlushInterval bounds how long committed writes stay unflushed.
const DefaultFlushInterval = time.Second

// Options configures a fragment.
type Options struct {
	Logger *slog.Logger
	// FlushInterval is the coalescing period of background flushes. Zero
	// selects DefaultFlushInterval, a negative value disables background
	// flushing (Close still flushes).
	FlushInterval time.Duration
	// ControlPath, when set, names a control file that receives the
	// generation after every write-lock session.
	ControlPath string
	// BTreeDegree overrides the degree of the file and binding indexes.
	BTreeDegree int
}

// PDOM is an open index fragment.
type PDOM struct {
	db       *database.Database
	files    *btree.BTree
	bindings *btree.BTree
	logger   *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	lockCount int // >0 readers, -1 writer
	closing   bool
	closed    bool

	faulted atomic.Bool
	flusher *Flusher
	ctrl    *control.Controller
}

// Open opens or creates the fragment stored at path. A file written by an
// incompatible format version is discarded and recreated empty.
func Open(path string, opts Options) (*PDOM, error) {
	logger := opts.logger()
	db, err := database.Open(path)
	if errors.Is(err, database.ErrVersionMismatch) {
		logger.Warn("discarding index with incompatible format", "path", path, "error", err)
		db, err = database.Create(path)
	}
	if err != nil {
		return nil, err
	}
	p, err := newPDOM(db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if p.db.NeedsRebuild() {
		logger.Warn("index flagged for rebuild", "path", path)
	}
	return p, nil
}

// OpenInMemory returns a fragment that is never persisted.
func OpenInMemory(opts Options) *PDOM {
	opts.ControlPath = ""
	p, err := newPDOM(database.OpenInMemory(), opts)
	if err != nil {
		// Nothing in newPDOM can fail without a control path.
		panic(err)
	}
	return p
}

func newPDOM(db *database.Database, opts Options) (*PDOM, error) {
	p := &PDOM{db: db, logger: opts.logger()}
	p.cond = sync.NewCond(&p.mu)

	var treeOpts []btree.Option
	if opts.BTreeDegree > 0 {
		treeOpts = append(treeOpts, btree.WithDegree(opts.BTreeDegree))
	}
	p.files = btree.New(db, database.RootSlot(slotFileIndex), p.compareFiles, treeOpts...)
	p.bindings = btree.New(db, database.RootSlot(slotBindingIndex), p.compareBindings, treeOpts...)

	if opts.ControlPath != "" {
		ctrl, err := control.OpenOrCreate(opts.ControlPath)
		if err != nil {
			return nil, fmt.Errorf("open control block: %w", err)
		}
		p.ctrl = ctrl
	}

	p.flusher = NewFlusher(p, p.logger)
	interval := opts.FlushInterval
	if interval == 0 {
		interval = DefaultFlushInterval
	}
	if interval > 0 {
		p.flusher.Start(interval)
	}
	return p, nil
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Path returns the database path, or "" for an in-memory fragment.
func (p *PDOM) Path() string { return p.db.Path() }

// Close performs a final flush and releases the fragment. Closing while the
// write lock is held is a protocol violation. Once Close begins, writers are
// refused; Close does not wait for readers and their later accesses fail.
func (p *PDOM) Close() error {
	p.mu.Lock()
	if p.closed || p.closing {
		p.mu.Unlock()
		return nil
	}
	if p.lockCount < 0 {
		p.mu.Unlock()
		return fmt.Errorf("%w: close while write-locked", ErrLockProtocol)
	}
	p.closing = true
	p.cond.Broadcast()
	p.mu.Unlock()

	// The final flush takes a read lock, so it runs before closed is set.
	p.flusher.Close()
	ferr := p.flusher.FlushNow()

	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	if p.faulted.Load() {
		p.db.SetNeedsRebuild(true)
	}
	err := p.db.Close()
	if p.ctrl != nil {
		if cerr := p.ctrl.Close(); err == nil {
			err = cerr
		}
	}
	if err == nil {
		err = ferr
	}
	return err
}

// Generation returns the number of committed write-lock sessions.
func (p *PDOM) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return p.db.Generation()
}

// NeedsRebuild reports whether the fragment was flagged inconsistent, either
// in a previous session or by MarkFault in this one.
func (p *PDOM) NeedsRebuild() bool {
	return p.faulted.Load() || p.db.NeedsRebuild()
}

// MarkFault records a storage fault. The needs-rebuild flag is persisted with
// the next committed write or on Close. Errors that are not storage faults
// are ignored.
func (p *PDOM) MarkFault(err error) {
	if !errors.Is(err, ErrStorageFault) {
		return
	}
	if !p.faulted.Swap(true) {
		p.logger.Error("storage fault, index needs rebuild", "path", p.db.Path(), "error", err)
	}
}

// Clear removes every record and resets the needs-rebuild flag. Requires the
// write lock.
func (p *PDOM) Clear() error {
	if err := p.checkWrite(); err != nil {
		return err
	}
	if err := p.db.Clear(); err != nil {
		return err
	}
	p.faulted.Store(false)
	return nil
}

// Stats summarises the fragment for logging and the CLI.
type Stats struct {
	Files      int    `json:"files"`
	Bindings   int    `json:"bindings"`
	Chunks     int    `json:"chunks"`
	UsedBytes  uint64 `json:"used_bytes"`
	Generation uint64 `json:"generation"`
}

// Stats counts indexed files and bindings. Requires a lock.
func (p *PDOM) Stats() (Stats, error) {
	if err := p.checkRead(); err != nil {
		return Stats{}, err
	}
	files, err := p.files.Len()
	if err != nil {
		return Stats{}, err
	}
	bindings, err := p.bindings.Len()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Files:      files,
		Bindings:   bindings,
		Chunks:     p.db.ChunkCount(),
		UsedBytes:  p.db.UsedBytes(),
		Generation: p.db.Generation(),
	}, nil
}

// compareFiles is the canonical file index order: byte-wise by path.
func (p *PDOM) compareFiles(a, b database.Ptr) (int, error) {
	na, err := p.db.GetPtr(a + fileFileName)
	if err != nil {
		return 0, err
	}
	nb, err := p.db.GetPtr(b + fileFileName)
	if err != nil {
		return 0, err
	}
	return p.db.CompareStrings(na, nb)
}

// filePathProbe matches the file record with the given path.
type filePathProbe struct {
	db   *database.Database
	path string
}

func (f filePathProbe) Compare(rec database.Ptr) (int, error) {
	name, err := f.db.GetPtr(rec + fileFileName)
	if err != nil {
		return 0, err
	}
	return f.db.CompareString(name, f.path)
}

// GetFile looks up the file record for path. Requires a lock.
func (p *PDOM) GetFile(path string) (File, bool, error) {
	if err := p.checkRead(); err != nil {
		return File{}, false, err
	}
	rec, err := p.files.Find(filePathProbe{db: p.db, path: path})
	if err != nil || rec == database.Null {
		return File{}, false, err
	}
	return File{p: p, rec: rec}, true, nil
}

// CreateFile allocates a file record for path and adds it to the file
// index. Requires the write lock.
func (p *PDOM) CreateFile(path string) (File, error) {
	if err := p.checkWrite(); err != nil {
		return File{}, err
	}
	if _, ok, err := p.GetFile(path); err != nil {
		return File{}, err
	} else if ok {
		return File{}, fmt.Errorf("%w: %s", ErrFileExists, path)
	}

	rec, err := newRecord(p.db, KindFile, fileRecordSize)
	if err != nil {
		return File{}, err
	}
	name, err := p.db.NewString(path)
	if err != nil {
		return File{}, err
	}
	if err := p.db.PutPtr(rec+fileFileName, name); err != nil {
		return File{}, err
	}
	if _, err := p.files.Insert(rec); err != nil {
		return File{}, err
	}
	return File{p: p, rec: rec}, nil
}

// GetOrCreateFile returns the file for path, creating an empty one if none
// exists. Requires the write lock.
func (p *PDOM) GetOrCreateFile(path string) (File, bool, error) {
	f, ok, err := p.GetFile(path)
	if err != nil || ok {
		return f, false, err
	}
	f, err = p.CreateFile(path)
	return f, err == nil, err
}

// RemoveFile deletes the file for path with all its content. Includes from
// other files that pointed at it become unresolved. Requires the write lock.
func (p *PDOM) RemoveFile(path string) (bool, error) {
	if err := p.checkWrite(); err != nil {
		return false, err
	}
	f, ok, err := p.GetFile(path)
	if err != nil || !ok {
		return false, err
	}
	if err := f.Clear(); err != nil {
		return false, err
	}
	if err := f.detachIncludedBy(); err != nil {
		return false, err
	}
	if _, err := p.files.Delete(f.rec); err != nil {
		return false, err
	}
	name, err := p.db.GetPtr(f.rec + fileFileName)
	if err != nil {
		return false, err
	}
	if err := p.db.FreeString(name); err != nil {
		return false, err
	}
	return true, freeRecord(p.db, f.rec)
}

// VisitFiles calls fn for every file in path order until fn returns false.
// Requires a lock.
func (p *PDOM) VisitFiles(fn func(File) (bool, error)) error {
	if err := p.checkRead(); err != nil {
		return err
	}
	return p.files.Accept(btree.Funcs{VisitFn: func(rec database.Ptr) (bool, error) {
		return fn(File{p: p, rec: rec})
	}})
}

// VisitFilesWithPrefix visits, in order, the files whose path starts with
// prefix. Requires a lock.
func (p *PDOM) VisitFilesWithPrefix(prefix string, fn func(File) (bool, error)) error {
	if err := p.checkRead(); err != nil {
		return err
	}
	return p.files.Accept(btree.Funcs{
		CompareFn: func(rec database.Ptr) (int, error) {
			name, err := p.db.GetPtr(rec + fileFileName)
			if err != nil {
				return 0, err
			}
			s, err := p.db.GetString(name)
			if err != nil {
				return 0, err
			}
			if strings.HasPrefix(s, prefix) {
				return 0, nil
			}
			return strings.Compare(s, prefix), nil
		},
		VisitFn: func(rec database.Ptr) (bool, error) {
			return fn(File{p: p, rec: rec})
		},
	})
}

// ValidateIndexes checks the structure of both root trees. Requires a lock.
func (p *PDOM) ValidateIndexes() error {
	if err := p.checkRead(); err != nil {
		return err
	}
	if err := p.files.Validate(); err != nil {
		return fmt.Errorf("file index: %w", err)
	}
	if err := p.bindings.Validate(); err != nil {
		return fmt.Errorf("binding index: %w", err)
	}
	return nil
}
