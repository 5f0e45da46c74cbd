package indexer

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/pdom"
)

// CodeReaderFactory keeps the per-job file bookkeeping and is the parser's
// view of the index. Paths are interned to dense ids so the requested and
// indexed sets are bitmaps.
//
// It is used from the job goroutine only; index lookups run under the read
// lock the job holds while parsing.
type CodeReaderFactory struct {
	frag  *pdom.PDOM
	ids   map[string]uint32
	paths []string

	requested *roaring.Bitmap
	// indexed holds paths written by this job.
	indexed *roaring.Bitmap
}

var _ api.IndexView = (*CodeReaderFactory)(nil)

func NewCodeReaderFactory(frag *pdom.PDOM) *CodeReaderFactory {
	return &CodeReaderFactory{
		frag:      frag,
		ids:       map[string]uint32{},
		requested: roaring.New(),
		indexed:   roaring.New(),
	}
}

func (r *CodeReaderFactory) id(path string) uint32 {
	if id, ok := r.ids[path]; ok {
		return id
	}
	id := uint32(len(r.paths))
	r.ids[path] = id
	r.paths = append(r.paths, path)
	return id
}

// SetRequested marks path as part of the delta, or clears the mark once the
// path was written.
func (r *CodeReaderFactory) SetRequested(path string, requested bool) {
	if requested {
		r.requested.Add(r.id(path))
	} else {
		r.requested.Remove(r.id(path))
	}
}

func (r *CodeReaderFactory) IsRequested(path string) bool {
	return r.requested.Contains(r.id(path))
}

// Outstanding returns the requested paths not written yet.
func (r *CodeReaderFactory) Outstanding() []string {
	out := make([]string, 0, r.requested.GetCardinality())
	it := r.requested.Iterator()
	for it.HasNext() {
		out = append(out, r.paths[it.Next()])
	}
	return out
}

func (r *CodeReaderFactory) markIndexed(path string) {
	r.indexed.Add(r.id(path))
}

// IsIndexed reports whether path has content in the index. A file record
// with a zero timestamp is a placeholder created for an include target and
// does not count.
func (r *CodeReaderFactory) IsIndexed(path string) (bool, error) {
	if r.indexed.Contains(r.id(path)) {
		return true, nil
	}
	f, ok, err := r.frag.GetFile(path)
	if err != nil || !ok {
		return false, err
	}
	ts, err := f.Timestamp()
	if err != nil {
		return false, err
	}
	return ts != 0, nil
}

// ShouldParse reports whether path is requested or not indexed yet.
func (r *CodeReaderFactory) ShouldParse(path string) (bool, error) {
	if r.IsRequested(path) {
		return true, nil
	}
	indexed, err := r.IsIndexed(path)
	return !indexed, err
}

// FindBindings returns the indexed bindings called name.
func (r *CodeReaderFactory) FindBindings(name string) ([]api.Binding, error) {
	found, err := r.frag.FindBindings(name)
	if err != nil {
		return nil, err
	}
	out := make([]api.Binding, 0, len(found))
	for _, b := range found {
		ab, err := b.API()
		if err != nil {
			return nil, err
		}
		out = append(out, ab)
	}
	return out, nil
}
