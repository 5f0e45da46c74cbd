package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch follows file system events under the named project's Root and
// enqueues debounced deltas until ctx is done.
func (m *Manager) Watch(ctx context.Context, name string) error {
	m.mu.Lock()
	p, err := m.projectLocked(name)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if p.Root == "" {
		return fmt.Errorf("project %s has no root directory to watch", name)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	for _, root := range p.Config.Roots {
		if err := m.addRecursive(w, p, filepath.Join(p.Root, root)); err != nil {
			return err
		}
	}

	debounce := p.Config.WatchDebounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	var (
		batch  Delta
		timer  *time.Timer
		timerC <-chan time.Time
	)
	flush := func() {
		timer, timerC = nil, nil
		if batch.Empty() {
			return
		}
		if err := m.Enqueue(name, batch); err != nil {
			m.logger.Warn("enqueue watched changes", "project", name, "error", err)
		}
		batch = Delta{}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			d, isDir := m.translate(p, ev)
			if isDir && ev.Has(fsnotify.Create) {
				_ = m.addRecursive(w, p, ev.Name)
			}
			if d.Empty() {
				continue
			}
			batch = batch.Merge(d)
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			flush()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watch error", "project", name, "error", err)
		}
	}
}

func (m *Manager) addRecursive(w *fsnotify.Watcher, p *Project, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && p.Config.Excluded(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

// translate turns an event into a delta of project-relative paths. isDir
// reports events about directories.
func (m *Manager) translate(p *Project, ev fsnotify.Event) (d Delta, isDir bool) {
	rel, err := filepath.Rel(p.Root, ev.Name)
	if err != nil {
		return Delta{}, false
	}
	rel = filepath.Clean(rel)
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		return Delta{}, true
	}
	source, header := p.Config.IsSource(rel), p.Config.IsHeader(rel)
	if !source && !header {
		return Delta{}, false
	}
	gone := ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
	if gone {
		if _, err := os.Stat(ev.Name); errors.Is(err, fs.ErrNotExist) {
			return Delta{Removed: []string{rel}}, false
		}
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !gone {
		return Delta{}, false
	}
	if source {
		return Delta{Sources: []string{rel}}, false
	}
	return Delta{Headers: []string{rel}}, false
}
