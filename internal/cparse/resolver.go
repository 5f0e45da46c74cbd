package cparse

import (
	"context"

	"github.com/agentic-research/pdom/api"
)

type locationKey struct {
	path   string
	offset int
}

// resolver binds occurrences using the unit's own declarations first and the
// index second.
type resolver struct {
	view api.IndexView
	// at maps declaring occurrences to their binding.
	at map[locationKey]api.Binding
	// byName holds the first binding declared in the unit for each name.
	byName map[string]api.Binding
}

func newResolver(view api.IndexView) *resolver {
	return &resolver{
		view:   view,
		at:     map[locationKey]api.Binding{},
		byName: map[string]api.Binding{},
	}
}

func (r *resolver) declare(n api.Name, b api.Binding) {
	r.at[locationKey{n.Location.Path, n.Location.Offset}] = b
	if _, ok := r.byName[n.Text]; !ok {
		r.byName[n.Text] = b
	}
}

// Resolve returns the binding of n, or nil when neither the unit nor the
// index declares the name. The index is consulted under the caller's read
// lock.
func (r *resolver) Resolve(ctx context.Context, n api.Name) (*api.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b, ok := r.at[locationKey{n.Location.Path, n.Location.Offset}]; ok {
		return &b, nil
	}
	if b, ok := r.byName[n.Text]; ok {
		return &b, nil
	}
	if r.view == nil {
		return nil, nil
	}
	found, err := r.view.FindBindings(n.Text)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	b := found[0]
	return &b, nil
}
