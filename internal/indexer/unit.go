package indexer

import (
	"context"
	"errors"

	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/assoc"
	"github.com/agentic-research/pdom/internal/database"
	"github.com/agentic-research/pdom/internal/pdom"
)

type resolvedName struct {
	name    api.Name
	binding api.Binding
}

// bucket holds the occurrences a unit produced for one file.
type bucket struct {
	path     string
	modTime  int64
	includes []api.IncludeStatement
	macros   []api.MacroDefinition
	names    []api.Name
	resolved []resolvedName
}

// partition groups the occurrences of ast by originating path, in the order
// the parser entered the files.
func partition(ast *api.AST) []*bucket {
	byPath := map[string]*bucket{}
	var order []*bucket
	get := func(path string) *bucket {
		b := byPath[path]
		if b == nil {
			b = &bucket{path: path}
			byPath[path] = b
			order = append(order, b)
		}
		return b
	}
	for _, f := range ast.Files {
		get(f.Path).modTime = f.ModTime
	}
	for _, inc := range ast.Includes {
		b := get(inc.Location.Path)
		b.includes = append(b.includes, inc)
	}
	for _, m := range ast.Macros {
		b := get(m.Location.Path)
		b.macros = append(b.macros, m)
	}
	for _, n := range ast.Names {
		b := get(n.Location.Path)
		b.names = append(b.names, n)
	}
	return order
}

// parseUnit indexes one translation unit: parse and resolve under a read
// lock, then write all its files in one write-lock session.
func (j *Job) parseUnit(ctx context.Context, tu api.TranslationUnit) error {
	ctx, span := startUnitSpan(ctx, tu.Path)
	defer span.End()

	if err := j.frag.AcquireReadLock(); err != nil {
		return err
	}
	reading := true
	defer func() {
		if reading {
			_ = j.frag.ReleaseReadLock()
		}
	}()

	ast, err := j.parser.Parse(ctx, tu, j.reader)
	if err != nil {
		recordUnit(ctx, false)
		switch {
		case ctx.Err() != nil:
			j.result.Cancelled = true
			return nil
		case errors.Is(err, database.ErrStorageFault):
			return err
		}
		return j.fail(ctx, "parse", tu.Path, err)
	}

	var buckets []*bucket
	for _, b := range partition(ast) {
		if j.cancelled(ctx) {
			return nil
		}
		need, err := j.reader.ShouldParse(b.path)
		if err != nil {
			return err
		}
		if !need {
			j.logger.Debug("skipping indexed file", "path", b.path, "unit", tu.Path)
			j.skip(b.path)
			continue
		}
		if err := j.resolve(ctx, ast.Resolver, b); err != nil {
			return err
		}
		buckets = append(buckets, b)
	}
	if j.cancelled(ctx) {
		return nil
	}

	if err := j.frag.AcquireWriteLock(1); err != nil {
		return err
	}
	reading = false
	complete, werr := j.write(ctx, tu, buckets)
	if err := j.frag.ReleaseWriteLock(0); err != nil && werr == nil {
		werr = err
	}
	recordUnit(ctx, werr == nil)
	if werr != nil {
		return werr
	}
	if complete {
		j.result.Units++
	}
	if j.opts.Progress != nil {
		j.opts.Progress(Progress{
			Path:    tu.Path,
			Units:   j.result.Units,
			Sources: j.result.Sources,
			Headers: j.result.Headers,
			Errors:  j.result.Errors,
		})
	}
	return nil
}

func (j *Job) skip(path string) {
	for _, p := range j.result.Skipped {
		if p == path {
			return
		}
	}
	j.result.Skipped = append(j.result.Skipped, path)
}

// resolve binds the names of b. Unresolved names are dropped; a resolution
// error drops the name and counts as a failure.
func (j *Job) resolve(ctx context.Context, r api.BindingResolver, b *bucket) error {
	if r == nil {
		return nil
	}
	b.resolved = b.resolved[:0]
	for _, n := range b.names {
		binding, err := r.Resolve(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, database.ErrStorageFault) {
				return err
			}
			if ferr := j.fail(ctx, "resolve", b.path, err); ferr != nil {
				return ferr
			}
			continue
		}
		if binding == nil {
			continue
		}
		b.resolved = append(b.resolved, resolvedName{name: n, binding: *binding})
	}
	return nil
}

// write stores the buckets of tu. It must run under the write lock. A
// cancellation is honored between files; complete is false when one cut the
// unit short.
func (j *Job) write(ctx context.Context, tu api.TranslationUnit, buckets []*bucket) (complete bool, err error) {
	for _, b := range buckets {
		if j.cancelled(ctx) {
			return false, nil
		}
		j.reader.SetRequested(b.path, false)
		if err := j.addToIndex(b); err != nil {
			if errors.Is(err, database.ErrStorageFault) || errors.Is(err, pdom.ErrClosed) {
				return false, err
			}
			if ferr := j.fail(ctx, "write", b.path, err); ferr != nil {
				return false, ferr
			}
			continue
		}
		j.logger.Debug("indexed", "path", b.path, "unit", tu.Path,
			"includes", len(b.includes), "macros", len(b.macros), "names", len(b.resolved))
		if b.path == tu.Path && j.opts.IsSource(b.path) {
			j.result.Sources++
		} else {
			j.result.Headers++
		}
	}
	return true, nil
}

// addToIndex writes one bucket. The first time a job writes a path the file
// is cleared and gets its includes and macros; later encounters only append
// names.
func (j *Job) addToIndex(b *bucket) error {
	f, _, err := j.frag.GetOrCreateFile(b.path)
	if err != nil {
		return err
	}
	id := j.reader.id(b.path)
	if !j.cleared.Contains(id) {
		j.cleared.Add(id)
		if err := j.snapshotBefore(b.path); err != nil {
			return err
		}
		if err := f.Clear(); err != nil {
			return err
		}
		if err := f.SetTimestamp(b.modTime); err != nil {
			return err
		}
		targets := make([]pdom.File, len(b.includes))
		for i, inc := range b.includes {
			if inc.Resolved == "" {
				continue
			}
			t, _, err := j.frag.GetOrCreateFile(inc.Resolved)
			if err != nil {
				return err
			}
			targets[i] = t
		}
		if err := f.AddIncludesTo(targets, b.includes); err != nil {
			return err
		}
		if err := f.AddMacros(b.macros); err != nil {
			return err
		}
		j.written = append(j.written, b.path)
	}
	for _, rn := range b.resolved {
		binding, err := j.frag.GetOrCreateBinding(rn.binding.Name, rn.binding.Kind)
		if err != nil {
			return err
		}
		if _, err := f.AddName(binding, rn.name.Role, rn.name.Location); err != nil {
			return err
		}
	}
	j.reader.markIndexed(b.path)
	return nil
}

// snapshotBefore records the associations path had before this job first
// touched it. Requires a lock.
func (j *Job) snapshotBefore(path string) error {
	if _, ok := j.before[path]; ok {
		return nil
	}
	f, ok, err := j.frag.GetFile(path)
	if err != nil || !ok {
		return err
	}
	a, err := fileAssociations(f)
	if err != nil {
		return err
	}
	j.before[path] = a
	return nil
}

// changes diffs the associations of every touched path against their state
// before the job.
func (j *Job) changes() (assoc.Snapshot, error) {
	after := assoc.Snapshot{}
	err := j.frag.View(func() error {
		paths := append([]string(nil), j.written...)
		for p := range j.before {
			paths = append(paths, p)
		}
		for _, p := range paths {
			f, ok, err := j.frag.GetFile(p)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			a, err := fileAssociations(f)
			if err != nil {
				return err
			}
			after[p] = a
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assoc.Diff(j.before, after), nil
}

// fileAssociations collects the include targets, macro names and binding
// names of f. Requires a lock.
func fileAssociations(f pdom.File) (assoc.Associations, error) {
	path, err := f.FileName()
	if err != nil {
		return nil, err
	}
	s := assoc.Snapshot{}
	s.Touch(path)

	incs, err := f.Includes()
	if err != nil {
		return nil, err
	}
	for _, inc := range incs {
		key, err := inc.Name()
		if err != nil {
			return nil, err
		}
		target, err := inc.Includes()
		if err != nil {
			return nil, err
		}
		if target.Valid() {
			if key, err = target.FileName(); err != nil {
				return nil, err
			}
		}
		s.Add(path, assoc.Includes, key)
	}

	macros, err := f.Macros()
	if err != nil {
		return nil, err
	}
	for _, m := range macros {
		name, err := m.Name()
		if err != nil {
			return nil, err
		}
		s.Add(path, assoc.Macros, name)
	}

	names, err := f.Names()
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		b, err := n.Binding()
		if err != nil {
			return nil, err
		}
		name, err := b.Name()
		if err != nil {
			return nil, err
		}
		s.Add(path, assoc.Bindings, name)
	}
	return s[path], nil
}
