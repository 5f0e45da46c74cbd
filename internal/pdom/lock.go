package pdom

import (
	"fmt"

	"github.com/agentic-research/pdom/internal/control"
)

// LockState is the observable lock state of a fragment.
type LockState int

const (
	StateUnopened LockState = iota
	StateIdle
	StateReadLocked
	StateWriteLocked
)

func (s LockState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadLocked:
		return "read-locked"
	case StateWriteLocked:
		return "write-locked"
	default:
		return "unopened"
	}
}

// State returns the lock state and, when read-locked, the number of read
// locks held.
func (p *PDOM) State() (LockState, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return StateUnopened, 0
	case p.lockCount < 0:
		return StateWriteLocked, 0
	case p.lockCount > 0:
		return StateReadLocked, p.lockCount
	}
	return StateIdle, 0
}

// AcquireReadLock takes a shared lock, waiting while a writer is active.
// Read locks are counted, not owned: a goroutine may take several and must
// release each one.
func (p *PDOM) AcquireReadLock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockCount < 0 && !p.closed {
		p.cond.Wait()
	}
	if p.closed {
		return ErrClosed
	}
	p.lockCount++
	return nil
}

// ReleaseReadLock drops one read lock.
func (p *PDOM) ReleaseReadLock() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lockCount <= 0 {
		return fmt.Errorf("%w: read lock released but not held", ErrLockProtocol)
	}
	p.lockCount--
	if p.lockCount == 0 {
		p.cond.Broadcast()
	}
	return nil
}

// AcquireWriteLock takes the exclusive lock. The caller first gives up
// giveUpReadLocks of the read locks it holds, then waits until every other
// reader has released. It fails with ErrClosed once Close has begun. A goroutine already holding the write lock must not
// call it again.
func (p *PDOM) AcquireWriteLock(giveUpReadLocks int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.closing {
		return ErrClosed
	}
	if giveUpReadLocks > 0 {
		if p.lockCount < giveUpReadLocks {
			return fmt.Errorf("%w: giving up %d read locks, %d held", ErrLockProtocol, giveUpReadLocks, max(p.lockCount, 0))
		}
		p.lockCount -= giveUpReadLocks
	}
	for p.lockCount != 0 && !p.closed && !p.closing {
		p.cond.Wait()
	}
	if p.closed || p.closing {
		// The caller still owns the read locks it offered.
		p.lockCount += max(giveUpReadLocks, 0)
		return ErrClosed
	}
	p.lockCount = -1
	return nil
}

// ReleaseWriteLock ends a write-lock session and converts it into
// establishReadLocks read locks. The session is committed: the generation
// is bumped, a background flush is requested and the generation is
// published to the control block.
func (p *PDOM) ReleaseWriteLock(establishReadLocks int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.lockCount != -1 {
		p.mu.Unlock()
		return fmt.Errorf("%w: write lock released but not held", ErrLockProtocol)
	}
	if p.faulted.Load() {
		p.db.SetNeedsRebuild(true)
	}
	gen := p.db.IncrementGeneration()
	size := p.db.Size()
	rebuild := p.db.NeedsRebuild()
	p.lockCount = max(establishReadLocks, 0)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.flusher.RequestFlush()
	if p.ctrl != nil {
		if err := p.ctrl.Publish(control.State{
			Generation:   gen,
			DBPath:       p.db.Path(),
			DBSize:       uint64(size),
			NeedsRebuild: rebuild,
		}); err != nil {
			p.logger.Warn("publish generation", "error", err)
		}
	}
	return nil
}

// View runs fn under a read lock.
func (p *PDOM) View(fn func() error) error {
	if err := p.AcquireReadLock(); err != nil {
		return err
	}
	defer func() { _ = p.ReleaseReadLock() }()
	return fn()
}

// Update runs fn as one write-lock session.
func (p *PDOM) Update(fn func() error) error {
	if err := p.AcquireWriteLock(0); err != nil {
		return err
	}
	defer func() { _ = p.ReleaseWriteLock(0) }()
	return fn()
}

// checkRead fails unless a read or the write lock is held.
func (p *PDOM) checkRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.lockCount == 0 {
		return fmt.Errorf("%w: access without a lock", ErrLockProtocol)
	}
	return nil
}

// checkWrite fails unless the write lock is held.
func (p *PDOM) checkWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.lockCount != -1 {
		return fmt.Errorf("%w: mutation without the write lock", ErrLockProtocol)
	}
	return nil
}
