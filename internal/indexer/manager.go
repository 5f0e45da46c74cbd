package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/config"
	"github.com/agentic-research/pdom/internal/pdom"
)

// Project is one fragment together with what is needed to index it.
type Project struct {
	Name   string
	Frag   *pdom.PDOM
	FS     billy.Filesystem
	Parser api.Parser
	Config *config.Config
	// Root is the OS directory FS is rooted at. Only Watch needs it.
	Root string

	pending Delta
	rebuild bool
	queued  bool
	last    *Result
	lastErr error
}

// Manager owns the projects of a process and runs their jobs one at a time
// on a single background worker. Deltas queued for a project while it waits
// are merged into one job.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	projects map[string]*Project
	queue    []*Project
	busy     bool
	closed   bool

	cancel context.CancelFunc
	g      *errgroup.Group

	// OnResult, when set before Start, is called after every job.
	OnResult func(project string, r *Result, err error)
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger, projects: map[string]*Project{}}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the worker. Jobs observe ctx and are cancelled by Close.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.g, ctx = errgroup.WithContext(ctx)
	m.g.Go(func() error {
		m.work(ctx)
		return nil
	})
	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.closed = true
		m.cond.Broadcast()
		m.mu.Unlock()
	})
}

// Register adds a project. Names are unique.
func (m *Manager) Register(p *Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.projects[p.Name]; ok {
		return fmt.Errorf("project %q already registered", p.Name)
	}
	if p.Config == nil {
		p.Config = config.Default()
	}
	m.projects[p.Name] = p
	return nil
}

// Enqueue schedules d for the named project.
func (m *Manager) Enqueue(name string, d Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.projectLocked(name)
	if err != nil {
		return err
	}
	p.pending = p.pending.Merge(d)
	m.scheduleLocked(p)
	return nil
}

// Rebuild schedules a full re-index of the named project.
func (m *Manager) Rebuild(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.projectLocked(name)
	if err != nil {
		return err
	}
	p.rebuild = true
	m.scheduleLocked(p)
	return nil
}

// Wait blocks until no job is queued or running, or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for (m.busy || len(m.queue) > 0) && !m.closed {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cond.Wait()
	}
	return nil
}

// LastResult returns the outcome of the named project's latest job.
func (m *Manager) LastResult(name string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.projectLocked(name)
	if err != nil {
		return nil, err
	}
	return p.last, p.lastErr
}

// Close cancels the running job, stops the worker and closes every
// project's fragment.
func (m *Manager) Close() error {
	if m.cancel != nil {
		m.cancel()
		_ = m.g.Wait()
	}
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	projects := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, p)
	}
	m.mu.Unlock()

	var first error
	for _, p := range projects {
		if err := p.Frag.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", p.Name, err)
		}
	}
	return first
}

func (m *Manager) projectLocked(name string) (*Project, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}
	p, ok := m.projects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	return p, nil
}

func (m *Manager) scheduleLocked(p *Project) {
	if p.queued {
		return
	}
	p.queued = true
	m.queue = append(m.queue, p)
	m.cond.Broadcast()
}

func (m *Manager) work(ctx context.Context) {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		p := m.queue[0]
		m.queue = m.queue[1:]
		d, rebuild := p.pending, p.rebuild
		p.pending, p.rebuild, p.queued = Delta{}, false, false
		m.busy = true
		m.mu.Unlock()

		r, err := m.runProject(ctx, p, d, rebuild)
		if m.OnResult != nil {
			m.OnResult(p.Name, r, err)
		}

		m.mu.Lock()
		p.last, p.lastErr = r, err
		m.busy = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

// runProject runs one job. A fragment flagged for rebuild is cleared and
// rescanned first.
func (m *Manager) runProject(ctx context.Context, p *Project, d Delta, rebuild bool) (*Result, error) {
	logger := m.logger.With("project", p.Name)
	if rebuild || p.Frag.NeedsRebuild() {
		logger.Info("rebuilding index")
		if err := p.Frag.Update(p.Frag.Clear); err != nil {
			return nil, fmt.Errorf("clear %s: %w", p.Name, err)
		}
		full, err := Scan(ctx, p.FS, p.Frag, p.Config)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", p.Name, err)
		}
		d = full
	}
	if d.Empty() {
		return &Result{}, nil
	}
	maxErrors := p.Config.MaxErrors
	if maxErrors == 0 {
		maxErrors = -1
	}
	job := NewJob(p.Frag, p.Parser, Options{
		Logger:        logger,
		MaxErrors:     maxErrors,
		IndexAllFiles: p.Config.IndexAllFiles,
		IsSource:      p.Config.IsSource,
	})
	return job.Run(ctx, d)
}
