// Package assoc compares per-path association snapshots. A snapshot maps a
// path to the sets of objects associated with it, one set per kind
// (included files, macros, bindings, ...).
package assoc

import (
	"encoding/json"
	"maps"
	"slices"
)

// Kind names one association set of a path.
type Kind string

const (
	Includes Kind = "includes"
	Macros   Kind = "macros"
	Bindings Kind = "bindings"
)

// Set is a set of associated object keys.
type Set map[string]struct{}

// NewSet returns a set holding keys.
func NewSet(keys ...string) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Sorted returns the keys in ascending order.
func (s Set) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// Equal reports whether s and o hold the same keys. A nil set equals an
// empty one.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}

func (s Set) MarshalJSON() ([]byte, error) {
	keys := s.Sorted()
	if keys == nil {
		keys = []string{}
	}
	return json.Marshal(keys)
}

func (s *Set) UnmarshalJSON(b []byte) error {
	var keys []string
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	*s = NewSet(keys...)
	return nil
}

// Associations holds the sets of one path.
type Associations map[Kind]Set

// Snapshot maps paths to their associations.
type Snapshot map[string]Associations

// Add records key under path and kind.
func (s Snapshot) Add(path string, kind Kind, key string) {
	a := s[path]
	if a == nil {
		a = Associations{}
		s[path] = a
	}
	set := a[kind]
	if set == nil {
		set = Set{}
		a[kind] = set
	}
	set[key] = struct{}{}
}

// Touch makes sure path is present, even with no associations.
func (s Snapshot) Touch(path string) {
	if s[path] == nil {
		s[path] = Associations{}
	}
}

// Diff returns the changes that turn initial into resulting. Only paths
// whose sets changed are reported, and for those only the changed kinds: a
// kind carries its resulting set, or an empty set when it became empty.
// Paths present only in initial are reported with every non-empty kind
// emptied.
func Diff(initial, resulting Snapshot) Snapshot {
	out := Snapshot{}
	for path, res := range resulting {
		if changed := diffAssociations(initial[path], res); len(changed) > 0 {
			out[path] = changed
		}
	}
	for path, init := range initial {
		if _, ok := resulting[path]; ok {
			continue
		}
		if changed := diffAssociations(init, nil); len(changed) > 0 {
			out[path] = changed
		}
	}
	return out
}

func diffAssociations(init, res Associations) Associations {
	changed := Associations{}
	for kind, set := range res {
		if !set.Equal(init[kind]) {
			changed[kind] = maps.Clone(set)
			if changed[kind] == nil {
				changed[kind] = Set{}
			}
		}
	}
	for kind, set := range init {
		if _, ok := res[kind]; !ok && len(set) > 0 {
			changed[kind] = Set{}
		}
	}
	return changed
}
