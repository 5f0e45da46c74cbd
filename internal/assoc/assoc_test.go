package assoc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	initial := Snapshot{
		"same.c":    {Includes: NewSet("a.h"), Bindings: NewSet("foo")},
		"changed.c": {Includes: NewSet("a.h"), Macros: NewSet("M")},
		"gone.c":    {Bindings: NewSet("bar")},
		"empty.c":   {Includes: NewSet()},
	}
	resulting := Snapshot{
		"same.c":    {Includes: NewSet("a.h"), Bindings: NewSet("foo")},
		"changed.c": {Includes: NewSet("a.h", "b.h"), Bindings: NewSet("baz")},
		"new.c":     {Includes: NewSet("c.h"), Macros: NewSet()},
		"empty.c":   {},
	}

	got := Diff(initial, resulting)

	want := Snapshot{
		"changed.c": {
			Includes: NewSet("a.h", "b.h"),
			Bindings: NewSet("baz"),
			Macros:   NewSet(),
		},
		"new.c":  {Includes: NewSet("c.h")},
		"gone.c": {Bindings: NewSet()},
	}
	assert.Equal(t, want, got)
}

// A path with no initial associations must not be skipped: a missing
// initial entry behaves like an empty one.
func TestDiff_MissingInitialIsEmpty(t *testing.T) {
	got := Diff(nil, Snapshot{"a.c": {Includes: NewSet("a.h")}})
	assert.Equal(t, Snapshot{"a.c": {Includes: NewSet("a.h")}}, got)

	got = Diff(Snapshot{"a.c": {}}, Snapshot{"a.c": {Includes: NewSet("a.h")}})
	assert.Equal(t, Snapshot{"a.c": {Includes: NewSet("a.h")}}, got)
}

func TestDiff_NoChanges(t *testing.T) {
	s := Snapshot{"a.c": {Includes: NewSet("a.h")}}
	assert.Empty(t, Diff(s, s))
}

func TestSnapshot_AddAndJSON(t *testing.T) {
	s := Snapshot{}
	s.Add("a.c", Includes, "b.h")
	s.Add("a.c", Includes, "a.h")
	s.Touch("b.c")

	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a.c":{"includes":["a.h","b.h"]},"b.c":{}}`, string(b))

	var back Snapshot
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, back["a.c"][Includes].Equal(s["a.c"][Includes]))
}
