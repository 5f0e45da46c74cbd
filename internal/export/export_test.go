package export

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/pdom"
)

// seed builds a.c including a.h and "missing.h", with a macro in a.h and
// foo declared in a.h and referenced from a.c.
func seed(t *testing.T) *pdom.PDOM {
	t.Helper()
	frag := pdom.OpenInMemory(pdom.Options{FlushInterval: -1})
	t.Cleanup(func() { _ = frag.Close() })

	require.NoError(t, frag.Update(func() error {
		h, err := frag.CreateFile("a.h")
		if err != nil {
			return err
		}
		if err := h.SetTimestamp(10); err != nil {
			return err
		}
		if err := h.AddMacros([]api.MacroDefinition{{
			Location: api.FileLocation{Path: "a.h", Offset: 8, Length: 3},
			Name:     "MAX", Expansion: "100",
		}}); err != nil {
			return err
		}
		c, err := frag.CreateFile("a.c")
		if err != nil {
			return err
		}
		if err := c.SetTimestamp(20); err != nil {
			return err
		}
		if err := c.AddIncludesTo([]pdom.File{h, {}}, []api.IncludeStatement{
			{Location: api.FileLocation{Path: "a.c", Offset: 0, Length: 16}, Name: "a.h", Resolved: "a.h"},
			{Location: api.FileLocation{Path: "a.c", Offset: 17, Length: 20}, Name: "missing.h", System: true},
		}); err != nil {
			return err
		}
		foo, err := frag.GetOrCreateBinding("foo", api.KindFunction)
		if err != nil {
			return err
		}
		if _, err := h.AddName(foo, api.RoleDeclaration, api.FileLocation{Path: "a.h", Offset: 5, Length: 3}); err != nil {
			return err
		}
		_, err = c.AddName(foo, api.RoleReference, api.FileLocation{Path: "a.c", Offset: 40, Length: 3})
		return err
	}))
	return frag
}

func TestSnapshot(t *testing.T) {
	frag := seed(t)
	doc, err := Snapshot(frag)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), doc.Generation)
	require.Len(t, doc.Files, 2)
	assert.Equal(t, "a.c", doc.Files[0].Path)
	assert.Equal(t, "a.h", doc.Files[1].Path)

	c := doc.Files[0]
	assert.Equal(t, int64(20), c.Timestamp)
	require.Len(t, c.Includes, 2)
	assert.Equal(t, IncludeDoc{Name: "a.h", Target: "a.h", Resolved: true, Offset: 0, Length: 16}, c.Includes[0])
	assert.Equal(t, IncludeDoc{Name: "missing.h", System: true, Offset: 17, Length: 20}, c.Includes[1])
	require.Len(t, c.Names, 1)
	assert.Equal(t, "foo", c.Names[0].Text)
	assert.Equal(t, "reference", c.Names[0].Role)

	h := doc.Files[1]
	assert.Equal(t, []MacroDoc{{Name: "MAX", Expansion: "100", Offset: 8, Length: 3}}, h.Macros)

	require.Len(t, doc.Bindings, 1)
	assert.Equal(t, "foo", doc.Bindings[0].Name)
	assert.Equal(t, "function", doc.Bindings[0].Kind)
	assert.Equal(t, 2, doc.Bindings[0].Names)
	assert.Equal(t, doc.Bindings[0].ID, c.Names[0].Binding)

	fd, ok, err := File(frag, "a.h")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, h, fd)

	_, ok, err = File(frag, "nope.h")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestToSQLite(t *testing.T) {
	doc, err := Snapshot(seed(t))
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "out.sqlite")
	require.NoError(t, ToSQLite(doc, dbPath, nil))
	// A second export replaces rather than duplicates.
	require.NoError(t, ToSQLite(doc, dbPath, nil))

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	count := func(q string, args ...any) int {
		t.Helper()
		var n int
		require.NoError(t, db.QueryRow(q, args...).Scan(&n))
		return n
	}
	assert.Equal(t, 2, count(`SELECT COUNT(*) FROM files`))
	assert.Equal(t, 2, count(`SELECT COUNT(*) FROM includes`))
	assert.Equal(t, 1, count(`SELECT COUNT(*) FROM includes WHERE target IS NULL`))
	assert.Equal(t, 1, count(`SELECT COUNT(*) FROM macros WHERE name = 'MAX' AND expansion = '100'`))
	assert.Equal(t, 2, count(`SELECT COUNT(*) FROM names n JOIN bindings b ON b.id = n.binding_id WHERE b.name = ?`, "foo"))

	var includer string
	require.NoError(t, db.QueryRow(
		`SELECT f.path FROM includes i JOIN files f ON f.id = i.file_id WHERE i.target = ?`, "a.h",
	).Scan(&includer))
	assert.Equal(t, "a.c", includer)
}
