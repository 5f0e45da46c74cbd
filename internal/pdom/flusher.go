package pdom

import (
	"log/slog"
	"sync"
	"time"
)

// Flusher writes committed write-lock sessions to disk. Writers call
// RequestFlush (coalesced) after each session; a background goroutine
// flushes at most once per tick interval, taking a read lock so the
// database is quiescent while dirty chunks are written.
//
// A burst of sessions within one tick produces a single flush.
type Flusher struct {
	p      *PDOM
	logger *slog.Logger

	// Coalescing state
	mu       sync.Mutex
	dirty    bool
	flushErr error // last flush error, readable via LastError()
	tick     *time.Ticker
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopped  bool
}

// NewFlusher creates a flusher for p. Call Start to begin the coalescing
// goroutine, Close to stop it and FlushNow for the final flush.
func NewFlusher(p *PDOM, logger *slog.Logger) *Flusher {
	return &Flusher{
		p:      p,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the coalescing goroutine. Safe to call multiple times.
func (f *Flusher) Start(interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tick != nil || f.stopped {
		return
	}
	f.tick = time.NewTicker(interval)
	go f.coalesceLoop()
}

func (f *Flusher) coalesceLoop() {
	defer close(f.doneCh)
	for {
		select {
		case <-f.tick.C:
			f.mu.Lock()
			if !f.dirty {
				f.mu.Unlock()
				continue
			}
			f.dirty = false
			f.mu.Unlock()
			if err := f.flushLocked(); err != nil {
				f.mu.Lock()
				f.flushErr = err
				f.mu.Unlock()
				f.logger.Error("index flush", "path", f.p.Path(), "error", err)
			}
		case <-f.stopCh:
			return
		}
	}
}

// RequestFlush marks the flusher as dirty. Non-blocking.
func (f *Flusher) RequestFlush() {
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// FlushNow performs a synchronous flush under a read lock. The caller must
// not hold the write lock.
func (f *Flusher) FlushNow() error {
	f.mu.Lock()
	f.dirty = false
	f.mu.Unlock()
	return f.flushLocked()
}

// LastError returns the last error from the coalescing goroutine.
func (f *Flusher) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushErr
}

// Close stops the coalescing goroutine. Pending work is left for a final
// FlushNow.
func (f *Flusher) Close() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	started := f.tick != nil
	if started {
		f.tick.Stop()
		close(f.stopCh)
	}
	f.mu.Unlock()

	if started {
		<-f.doneCh
	}
}

func (f *Flusher) flushLocked() error {
	if err := f.p.AcquireReadLock(); err != nil {
		return err
	}
	defer func() { _ = f.p.ReleaseReadLock() }()
	return f.p.db.Flush()
}
