package indexer

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/agentic-research/pdom/internal/config"
	"github.com/agentic-research/pdom/internal/pdom"
)

// Scan compares the files under the configured roots with the fragment and
// returns the delta that brings the fragment up to date: new or modified
// sources and headers, and indexed files that no longer exist.
func Scan(ctx context.Context, fsys billy.Filesystem, frag *pdom.PDOM, cfg *config.Config) (Delta, error) {
	type entry struct {
		path    string
		modTime int64
		header  bool
	}
	var found []entry
	seen := map[string]bool{}

	for _, root := range cfg.Roots {
		err := util.Walk(fsys, filepath.Clean(root), func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if info.IsDir() {
				if path != filepath.Clean(root) && cfg.Excluded(info.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			path = filepath.Clean(path)
			if seen[path] {
				return nil
			}
			switch {
			case cfg.IsSource(path):
				found = append(found, entry{path, info.ModTime().UnixNano(), false})
			case cfg.IsHeader(path):
				found = append(found, entry{path, info.ModTime().UnixNano(), true})
			default:
				return nil
			}
			seen[path] = true
			return nil
		})
		if err != nil {
			return Delta{}, err
		}
	}

	var d Delta
	err := frag.View(func() error {
		for _, e := range found {
			f, ok, err := frag.GetFile(e.path)
			if err != nil {
				return err
			}
			if ok {
				ts, err := f.Timestamp()
				if err != nil {
					return err
				}
				if ts == e.modTime {
					continue
				}
			}
			if e.header {
				d.Headers = append(d.Headers, e.path)
			} else {
				d.Sources = append(d.Sources, e.path)
			}
		}

		return frag.VisitFiles(func(f pdom.File) (bool, error) {
			path, err := f.FileName()
			if err != nil {
				return false, err
			}
			if seen[path] {
				return true, nil
			}
			ts, err := f.Timestamp()
			if err != nil {
				return false, err
			}
			if ts == 0 {
				return true, nil
			}
			if _, err := fsys.Stat(path); errors.Is(err, fs.ErrNotExist) {
				d.Removed = append(d.Removed, path)
			}
			return true, nil
		})
	})
	return d, err
}
