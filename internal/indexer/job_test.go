package indexer

import (
	"context"
	"errors"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/assoc"
	"github.com/agentic-research/pdom/internal/cparse"
	"github.com/agentic-research/pdom/internal/database"
	"github.com/agentic-research/pdom/internal/pdom"
)

func newFragment(t *testing.T) *pdom.PDOM {
	t.Helper()
	p := pdom.OpenInMemory(pdom.Options{FlushInterval: -1, BTreeDegree: 2})
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func writeFile(t *testing.T, fsys billy.Filesystem, path, content string) {
	t.Helper()
	require.NoError(t, util.WriteFile(fsys, path, []byte(content), 0o644))
}

func run(t *testing.T, frag *pdom.PDOM, fsys billy.Filesystem, d Delta, opts Options) *Result {
	t.Helper()
	r, err := NewJob(frag, cparse.New(fsys, nil, nil), opts).Run(context.Background(), d)
	require.NoError(t, err)
	return r
}

func view(t *testing.T, frag *pdom.PDOM, fn func()) {
	t.Helper()
	require.NoError(t, frag.View(func() error {
		fn()
		return nil
	}))
}

func mustFile(t *testing.T, frag *pdom.PDOM, path string) pdom.File {
	t.Helper()
	f, ok, err := frag.GetFile(path)
	require.NoError(t, err)
	require.True(t, ok, "file %s not indexed", path)
	return f
}

func hasFile(t *testing.T, frag *pdom.PDOM, path string) bool {
	t.Helper()
	_, ok, err := frag.GetFile(path)
	require.NoError(t, err)
	return ok
}

func bindingNames(t *testing.T, f pdom.File) []string {
	t.Helper()
	names, err := f.Names()
	require.NoError(t, err)
	var out []string
	for _, n := range names {
		b, err := n.Binding()
		require.NoError(t, err)
		s, err := b.Name()
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

const (
	headerFoo = "void foo(void);\n"
	sourceBar = "#include \"a.h\"\nvoid bar(void) { foo(); }\n"
)

func TestJob_SourceWithHeader(t *testing.T) {
	frag := newFragment(t)
	fsys := memfs.New()
	writeFile(t, fsys, "a.h", headerFoo)
	writeFile(t, fsys, "a.c", sourceBar)

	r := run(t, frag, fsys, Delta{Sources: []string{"a.c"}}, Options{})
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, 1, r.Sources)
	assert.Equal(t, 1, r.Headers)

	view(t, frag, func() {
		h := mustFile(t, frag, "a.h")
		by, err := h.IncludedBy()
		require.NoError(t, err)
		require.Len(t, by, 1)
		includer, err := by[0].IncludedBy()
		require.NoError(t, err)
		name, err := includer.FileName()
		require.NoError(t, err)
		assert.Equal(t, "a.c", name)

		src := mustFile(t, frag, "a.c")
		assert.ElementsMatch(t, []string{"bar", "foo"}, bindingNames(t, src))

		foo, ok, err := frag.FindBinding("foo", api.KindFunction)
		require.NoError(t, err)
		require.True(t, ok)
		occurrences, err := foo.Names()
		require.NoError(t, err)
		roles := map[api.Role]string{}
		for _, n := range occurrences {
			role, err := n.Role()
			require.NoError(t, err)
			f, err := n.File()
			require.NoError(t, err)
			roles[role], err = f.FileName()
			require.NoError(t, err)
		}
		assert.Equal(t, map[api.Role]string{
			api.RoleDeclaration: "a.h",
			api.RoleReference:   "a.c",
		}, roles)
	})
	assert.Equal(t, assoc.NewSet("a.h"), r.Changes["a.c"][assoc.Includes])
}

func TestJob_ReindexReusesFileRecord(t *testing.T) {
	frag := newFragment(t)
	fsys := memfs.New()
	writeFile(t, fsys, "a.h", headerFoo)
	writeFile(t, fsys, "a.c", sourceBar)
	run(t, frag, fsys, Delta{Sources: []string{"a.c"}}, Options{})

	var before database.Ptr
	view(t, frag, func() { before = mustFile(t, frag, "a.c").Record() })

	writeFile(t, fsys, "a.c", "#include \"a.h\"\nint baz;\n")
	r := run(t, frag, fsys, Delta{Sources: []string{"a.c"}}, Options{})
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Zero(t, r.Headers, "the indexed header is not entered again")

	view(t, frag, func() {
		src := mustFile(t, frag, "a.c")
		assert.Equal(t, before, src.Record())
		assert.Equal(t, []string{"baz"}, bindingNames(t, src))

		incs, err := src.Includes()
		require.NoError(t, err)
		assert.Len(t, incs, 1)
		by, err := mustFile(t, frag, "a.h").IncludedBy()
		require.NoError(t, err)
		assert.Len(t, by, 1, "old include detached from the header")

		_, ok, err := frag.FindBinding("bar", api.KindFunction)
		require.NoError(t, err)
		assert.False(t, ok, "binding without names is freed")
		require.NoError(t, frag.ValidateIndexes())
	})

	assert.Equal(t, assoc.Associations{assoc.Bindings: assoc.NewSet("baz")}, r.Changes["a.c"])
}

func TestJob_CancelAfterFirstUnit(t *testing.T) {
	frag := newFragment(t)
	fsys := memfs.New()
	for _, p := range []string{"x.c", "y.c", "z.c"} {
		writeFile(t, fsys, p, "int "+p[:1]+";\n")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := NewJob(frag, cparse.New(fsys, nil, nil), Options{
		Progress: func(Progress) { cancel() },
	})

	r, err := job.Run(ctx, Delta{Sources: []string{"x.c", "y.c", "z.c"}})
	require.NoError(t, err)
	assert.True(t, r.Cancelled)
	assert.Equal(t, StatusPartial, r.Status)
	assert.Equal(t, 1, r.Sources)

	view(t, frag, func() {
		assert.Equal(t, []string{"x"}, bindingNames(t, mustFile(t, frag, "x.c")))
		assert.False(t, hasFile(t, frag, "y.c"))
		assert.False(t, hasFile(t, frag, "z.c"))
	})
}

type failingParser struct{ calls int }

func (p *failingParser) Parse(context.Context, api.TranslationUnit, api.IndexView) (*api.AST, error) {
	p.calls++
	return nil, api.ErrParse
}

func TestJob_ErrorBudget(t *testing.T) {
	srcs := Delta{Sources: []string{"a.c", "b.c", "c.c"}}

	parser := &failingParser{}
	r, err := NewJob(newFragment(t), parser, Options{MaxErrors: 5}).Run(context.Background(), srcs)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, r.Status)
	assert.Equal(t, 3, r.Errors)
	assert.Equal(t, 3, parser.calls)

	parser = &failingParser{}
	r, err = NewJob(newFragment(t), parser, Options{MaxErrors: 1}).Run(context.Background(), srcs)
	assert.ErrorIs(t, err, ErrErrorBudgetExceeded)
	assert.Equal(t, StatusAborted, r.Status)
	assert.Equal(t, 2, parser.calls)
}

type staticParser struct {
	ast *api.AST
	err error
}

func (p staticParser) Parse(context.Context, api.TranslationUnit, api.IndexView) (*api.AST, error) {
	return p.ast, p.err
}

type resolverFunc func(context.Context, api.Name) (*api.Binding, error)

func (f resolverFunc) Resolve(ctx context.Context, n api.Name) (*api.Binding, error) { return f(ctx, n) }

func TestJob_ResolutionFailuresAreCounted(t *testing.T) {
	frag := newFragment(t)
	loc := func(off int) api.FileLocation { return api.FileLocation{Path: "a.c", Offset: off, Length: 1} }
	ast := &api.AST{
		Files: []api.ParsedFile{{Path: "a.c", ModTime: 7}},
		Names: []api.Name{
			{Location: loc(0), Text: "good", Role: api.RoleDefinition},
			{Location: loc(5), Text: "bad"},
			{Location: loc(9), Text: "unknown"},
		},
		Resolver: resolverFunc(func(_ context.Context, n api.Name) (*api.Binding, error) {
			switch n.Text {
			case "good":
				return &api.Binding{Name: "good", Kind: api.KindVariable}, nil
			case "bad":
				return nil, errors.New("ambiguous")
			}
			return nil, nil
		}),
	}

	r, err := NewJob(frag, staticParser{ast: ast}, Options{}).Run(context.Background(), Delta{Sources: []string{"a.c"}})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Errors)
	assert.Equal(t, StatusPartial, r.Status)
	view(t, frag, func() {
		f := mustFile(t, frag, "a.c")
		assert.Equal(t, []string{"good"}, bindingNames(t, f))
		ts, err := f.Timestamp()
		require.NoError(t, err)
		assert.Equal(t, int64(7), ts)
	})
}

func TestJob_ResolvesUnderReadLock(t *testing.T) {
	frag := newFragment(t)
	var states []pdom.LockState
	ast := &api.AST{
		Files: []api.ParsedFile{{Path: "a.c", ModTime: 1}},
		Names: []api.Name{
			{Location: api.FileLocation{Path: "a.c", Length: 1}, Text: "x", Role: api.RoleDefinition},
		},
		Resolver: resolverFunc(func(_ context.Context, n api.Name) (*api.Binding, error) {
			state, _ := frag.State()
			states = append(states, state)
			return &api.Binding{Name: n.Text, Kind: api.KindVariable}, nil
		}),
	}

	r, err := NewJob(frag, staticParser{ast: ast}, Options{}).Run(context.Background(), Delta{Sources: []string{"a.c"}})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, []pdom.LockState{pdom.StateReadLocked}, states)
	view(t, frag, func() { assert.Equal(t, []string{"x"}, bindingNames(t, mustFile(t, frag, "a.c"))) })
}

func TestJob_StorageFaultAborts(t *testing.T) {
	frag := newFragment(t)
	parser := staticParser{err: database.ErrStorageFault}
	r, err := NewJob(frag, parser, Options{}).Run(context.Background(), Delta{Sources: []string{"a.c"}})
	assert.ErrorIs(t, err, database.ErrStorageFault)
	assert.Equal(t, StatusAborted, r.Status)
	assert.True(t, frag.NeedsRebuild())
}

func TestJob_RemovedPaths(t *testing.T) {
	frag := newFragment(t)
	fsys := memfs.New()
	writeFile(t, fsys, "a.h", headerFoo)
	writeFile(t, fsys, "a.c", sourceBar)
	run(t, frag, fsys, Delta{Sources: []string{"a.c"}}, Options{})

	r := run(t, frag, fsys, Delta{Removed: []string{"a.h", "never.h"}}, Options{})
	assert.Equal(t, 1, r.Removed)
	assert.Equal(t, assoc.Associations{assoc.Bindings: assoc.NewSet()}, r.Changes["a.h"])

	view(t, frag, func() {
		assert.False(t, hasFile(t, frag, "a.h"))
		incs, err := mustFile(t, frag, "a.c").Includes()
		require.NoError(t, err)
		require.Len(t, incs, 1)
		resolved, err := incs[0].IsResolved()
		require.NoError(t, err)
		assert.False(t, resolved)
	})
}

func TestJob_HeaderWithContext(t *testing.T) {
	frag := newFragment(t)
	fsys := memfs.New()
	writeFile(t, fsys, "a.h", headerFoo)
	writeFile(t, fsys, "a.c", sourceBar)
	run(t, frag, fsys, Delta{Sources: []string{"a.c"}}, Options{})

	writeFile(t, fsys, "a.h", headerFoo+"void qux(void);\n")
	r := run(t, frag, fsys, Delta{Headers: []string{"a.h"}}, Options{})
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, 1, r.Units, "a.c parsed as context")
	assert.Zero(t, r.Sources, "a.c itself was not rewritten")
	assert.Equal(t, 1, r.Headers)
	assert.Equal(t, []string{"a.c"}, r.Skipped)

	view(t, frag, func() {
		assert.ElementsMatch(t, []string{"foo", "qux"}, bindingNames(t, mustFile(t, frag, "a.h")))
		assert.ElementsMatch(t, []string{"bar", "foo"}, bindingNames(t, mustFile(t, frag, "a.c")))
	})
}

func TestJob_HeaderWithoutContext(t *testing.T) {
	fsys := memfs.New()
	writeFile(t, fsys, "orphan.h", "int lonely;\n")
	d := Delta{Headers: []string{"orphan.h"}}

	frag := newFragment(t)
	r := run(t, frag, fsys, d, Options{})
	assert.Zero(t, r.Units)
	assert.Zero(t, r.Headers)
	view(t, frag, func() { assert.False(t, hasFile(t, frag, "orphan.h")) })

	r = run(t, frag, fsys, d, Options{IndexAllFiles: true})
	assert.Equal(t, 1, r.Units)
	assert.Zero(t, r.Sources)
	assert.Equal(t, 1, r.Headers)
	view(t, frag, func() {
		assert.Equal(t, []string{"lonely"}, bindingNames(t, mustFile(t, frag, "orphan.h")))
	})
}

func TestJob_SharedHeaderIndexedOnce(t *testing.T) {
	frag := newFragment(t)
	fsys := memfs.New()
	writeFile(t, fsys, "a.h", headerFoo)
	writeFile(t, fsys, "a.c", sourceBar)
	writeFile(t, fsys, "b.c", "#include \"a.h\"\nint b = 0;\n")

	r := run(t, frag, fsys, Delta{Sources: []string{"a.c", "b.c"}}, Options{})
	assert.Equal(t, 2, r.Sources)
	assert.Equal(t, 2, r.Units)
	assert.Equal(t, 1, r.Headers)
	view(t, frag, func() {
		h := mustFile(t, frag, "a.h")
		assert.Equal(t, []string{"foo"}, bindingNames(t, h))
		by, err := h.IncludedBy()
		require.NoError(t, err)
		assert.Len(t, by, 2)
	})
}

func TestDelta_Merge(t *testing.T) {
	got := Delta{Sources: []string{"a.c", "b.c"}, Removed: []string{"x.h"}}.
		Merge(Delta{Headers: []string{"x.h"}, Removed: []string{"b.c"}, Sources: []string{"a.c"}})
	assert.Equal(t, Delta{
		Sources: []string{"a.c"},
		Headers: []string{"x.h"},
		Removed: []string{"b.c"},
	}, got)
	assert.True(t, Delta{}.Merge(Delta{}).Empty())
	assert.True(t, Delta{}.Merge().Empty())
}

func TestDelta_MergeMany(t *testing.T) {
	steps := []Delta{
		{Sources: []string{"a.c"}},
		{Headers: []string{"x.h"}},
		{Removed: []string{"a.c"}},
		{Sources: []string{"b.c"}, Removed: []string{"x.h"}},
		{Headers: []string{"x.h"}},
	}
	var chained Delta
	for _, d := range steps {
		chained = chained.Merge(d)
	}
	assert.Equal(t, chained, Delta{}.Merge(steps...))
	assert.Equal(t, Delta{
		Sources: []string{"b.c"},
		Headers: []string{"x.h"},
		Removed: []string{"a.c"},
	}, chained)
}
