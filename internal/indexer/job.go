// Package indexer drives incremental indexing of C/C++ translation units
// into an index fragment.
//
// A Job parses each translation unit of a delta under a read lock, groups
// the produced occurrences by the file they came from, resolves names while
// still only reading, and then writes every file of the unit in one
// write-lock session. Headers the index already holds, and that were not
// requested, are left untouched.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/assoc"
	"github.com/agentic-research/pdom/internal/database"
	"github.com/agentic-research/pdom/internal/pdom"
)

// DefaultMaxErrors is the error budget used when Options.MaxErrors is zero.
const DefaultMaxErrors = 10

// Delta is the work of one job. Paths are relative to the project root.
type Delta struct {
	Sources []string `json:"sources,omitempty"`
	Headers []string `json:"headers,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether d holds no work.
func (d Delta) Empty() bool {
	return len(d.Sources) == 0 && len(d.Headers) == 0 && len(d.Removed) == 0
}

// Merge returns the delta equivalent to d followed by each of later in
// order. For each path the last state wins; within one delta a change wins
// over a removal.
func (d Delta) Merge(later ...Delta) Delta {
	const (
		source = iota + 1
		header
		removed
	)
	state := map[string]int{}
	var order []string
	set := func(p string, s int) {
		if _, ok := state[p]; !ok {
			order = append(order, p)
		}
		state[p] = s
	}
	for _, x := range append([]Delta{d}, later...) {
		for _, p := range x.Removed {
			set(p, removed)
		}
		for _, p := range x.Sources {
			set(p, source)
		}
		for _, p := range x.Headers {
			set(p, header)
		}
	}

	var out Delta
	for _, p := range order {
		switch state[p] {
		case source:
			out.Sources = append(out.Sources, p)
		case header:
			out.Headers = append(out.Headers, p)
		case removed:
			out.Removed = append(out.Removed, p)
		}
	}
	return out
}

// Status is the outcome of a job.
type Status int

const (
	// StatusSuccess means every requested unit was indexed without errors.
	StatusSuccess Status = iota
	// StatusPartial means the job finished or was cancelled with some work
	// left undone or some files failing.
	StatusPartial
	// StatusAborted means the error budget was exceeded or the store failed.
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	case StatusAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result reports what a job did.
type Result struct {
	Status    Status `json:"status"`
	Cancelled bool   `json:"cancelled,omitempty"`
	// Units counts the translation units indexed to the end. A unit parsed
	// only as context for a header counts here but not in Sources.
	Units int `json:"units"`
	// Sources and Headers count the source and header files written.
	Sources int `json:"sources"`
	Headers int `json:"headers"`
	Removed int `json:"removed"`
	Errors  int `json:"errors"`
	// Skipped lists paths reached by a unit but left alone because they
	// were indexed and not requested.
	Skipped []string `json:"skipped,omitempty"`
	// Changes holds, per path, the association sets that changed.
	Changes assoc.Snapshot `json:"changes,omitempty"`
}

// Progress is reported after every translation unit.
type Progress struct {
	Path    string
	Units   int
	Sources int
	Headers int
	Errors  int
}

// Options configures a Job.
type Options struct {
	Logger *slog.Logger
	// MaxErrors is the number of per-file failures tolerated before the
	// job aborts. Zero selects DefaultMaxErrors, a negative value means no
	// failure is tolerated.
	MaxErrors int
	// IndexAllFiles also indexes requested headers no source includes.
	IndexAllFiles bool
	// IsSource tells sources from headers when looking for a header's
	// context. Defaults to a check of common C/C++ source extensions.
	IsSource func(path string) bool
	// Progress, when set, is called after every translation unit.
	Progress func(Progress)
}

// Job is one incremental indexing run over a fragment.
type Job struct {
	frag   *pdom.PDOM
	parser api.Parser
	opts   Options
	logger *slog.Logger
	reader *CodeReaderFactory

	// cleared holds the ids of paths already cleared by this job.
	cleared *roaring.Bitmap
	before  assoc.Snapshot
	written []string
	result  *Result
}

// NewJob prepares a job. A job runs once.
func NewJob(frag *pdom.PDOM, parser api.Parser, opts Options) *Job {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxErrors == 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.MaxErrors < 0 {
		opts.MaxErrors = 0
	}
	if opts.IsSource == nil {
		opts.IsSource = defaultIsSource
	}
	return &Job{
		frag:    frag,
		parser:  parser,
		opts:    opts,
		logger:  opts.Logger,
		reader:  NewCodeReaderFactory(frag),
		cleared: roaring.New(),
		before:  assoc.Snapshot{},
		result:  &Result{},
	}
}

func defaultIsSource(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c", ".cc", ".cpp", ".cxx", ".c++":
		return true
	}
	return false
}

// Run executes the delta. Cancellation is checked between units and
// between the files of a unit; it never interrupts a write-lock session
// halfway through a file. A cancelled job returns its partial result and a
// nil error. Exceeding the error budget returns ErrErrorBudgetExceeded;
// storage faults are returned as they are and flag the fragment for rebuild.
func (j *Job) Run(ctx context.Context, d Delta) (*Result, error) {
	start := time.Now()
	ctx, span := startJobSpan(ctx, d)
	defer span.End()

	err := j.run(ctx, d)

	r := j.result
	switch {
	case err != nil:
		r.Status = StatusAborted
		if errors.Is(err, database.ErrStorageFault) {
			j.frag.MarkFault(err)
		}
		span.RecordError(err)
	case r.Cancelled || r.Errors > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusSuccess
	}
	if changes, cerr := j.changes(); cerr != nil {
		j.logger.Warn("computing association changes", "error", cerr)
	} else {
		r.Changes = changes
	}
	setJobSpanResult(span, r)
	recordJobMetrics(ctx, time.Since(start), r)

	j.logger.Info("indexer job finished",
		"status", r.Status,
		"units", r.Units,
		"sources", r.Sources,
		"headers", r.Headers,
		"removed", r.Removed,
		"errors", r.Errors,
		"cancelled", r.Cancelled,
		"duration", time.Since(start))
	return r, err
}

func (j *Job) run(ctx context.Context, d Delta) error {
	if err := j.remove(d.Removed); err != nil {
		return err
	}
	for _, p := range d.Sources {
		j.reader.SetRequested(p, true)
	}
	for _, p := range d.Headers {
		j.reader.SetRequested(p, true)
	}

	// Sources first.
	for _, p := range d.Sources {
		if j.cancelled(ctx) {
			return nil
		}
		if err := j.parseUnit(ctx, api.TranslationUnit{Path: p}); err != nil {
			return err
		}
	}

	// Headers with context: re-parse a source that includes them.
	for _, h := range d.Headers {
		if j.cancelled(ctx) {
			return nil
		}
		if !j.reader.IsRequested(h) {
			continue
		}
		src, err := j.findContext(h)
		if err != nil {
			return err
		}
		if src == "" {
			continue
		}
		if err := j.parseUnit(ctx, api.TranslationUnit{Path: src}); err != nil {
			return err
		}
	}

	// Headers without context.
	if !j.opts.IndexAllFiles {
		return nil
	}
	for _, h := range d.Headers {
		if j.cancelled(ctx) {
			return nil
		}
		if !j.reader.IsRequested(h) {
			continue
		}
		if err := j.parseUnit(ctx, api.TranslationUnit{Path: h, IsHeader: true}); err != nil {
			return err
		}
	}
	return nil
}

func (j *Job) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		j.result.Cancelled = true
		return true
	}
	return false
}

// remove deletes the removed paths in one write-lock session.
func (j *Job) remove(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	return j.frag.Update(func() error {
		for _, p := range paths {
			if err := j.snapshotBefore(p); err != nil {
				return err
			}
			ok, err := j.frag.RemoveFile(p)
			if err != nil {
				return fmt.Errorf("remove %s: %w", p, err)
			}
			if ok {
				j.result.Removed++
				j.logger.Debug("removed from index", "path", p)
			}
		}
		return nil
	})
}

// fail counts one per-file failure and reports whether the budget is spent.
func (j *Job) fail(ctx context.Context, stage, path string, err error) error {
	j.result.Errors++
	recordFailure(ctx, stage)
	j.logger.Warn("indexer failure", "stage", stage, "path", path, "error", err)
	if j.result.Errors > j.opts.MaxErrors {
		return fmt.Errorf("%w: %d failures, last in %s: %v", ErrErrorBudgetExceeded, j.result.Errors, path, err)
	}
	return nil
}

// findContext walks the included-by graph of header breadth first and
// returns the first source file reached, or "".
func (j *Job) findContext(header string) (string, error) {
	var found string
	err := j.frag.View(func() error {
		f, ok, err := j.frag.GetFile(header)
		if err != nil || !ok {
			return err
		}
		seen := map[database.Ptr]bool{f.Record(): true}
		queue := []pdom.File{f}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			incs, err := cur.IncludedBy()
			if err != nil {
				return err
			}
			for _, inc := range incs {
				src, err := inc.IncludedBy()
				if err != nil {
					return err
				}
				if seen[src.Record()] {
					continue
				}
				seen[src.Record()] = true
				name, err := src.FileName()
				if err != nil {
					return err
				}
				if j.opts.IsSource(name) {
					found = name
					return nil
				}
				queue = append(queue, src)
			}
		}
		return nil
	})
	return found, err
}
