package cmd

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	rootDir, configPath, dbPath = ".", "", ""
	includeDirs, indexAll, maxErrors, verbose = nil, false, 0, false
	rebuild, since, queryBinding, selector = false, "", false, ""

	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), "pdom %v", args)
	return out.String()
}

func parse(t *testing.T, s string) any {
	t.Helper()
	v, err := oj.ParseString(s)
	require.NoError(t, err, s)
	return v
}

func TestCLI(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.h"), []byte("#define LIMIT 8\nvoid foo(void);\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.c"), []byte("#include \"a.h\"\nvoid bar(void) { foo(); }\n"), 0o644))
	db := filepath.Join(t.TempDir(), "index.pdom")
	base := []string{"--root", dir, "--db", db}
	with := func(args ...string) []string { return append(append([]string(nil), base...), args...) }

	res, ok := parse(t, execute(t, with("index")...)).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", res["status"])
	assert.EqualValues(t, 1, res["units"])
	assert.EqualValues(t, 1, res["sources"])
	assert.EqualValues(t, 1, res["headers"])

	// Nothing changed, nothing to do.
	res = parse(t, execute(t, with("index")...)).(map[string]any)
	assert.EqualValues(t, 0, res["sources"])

	file := parse(t, execute(t, with("query", "a.h")...)).(map[string]any)
	assert.Equal(t, "a.h", file["path"])
	macros := file["macros"].([]any)
	require.Len(t, macros, 1)
	assert.Equal(t, "LIMIT", macros[0].(map[string]any)["name"])

	occ := parse(t, execute(t, with("query", "--name", "foo")...)).([]any)
	paths := map[string]string{}
	for _, o := range occ {
		m := o.(map[string]any)
		paths[m["path"].(string)] = m["role"].(string)
	}
	assert.Equal(t, map[string]string{"a.h": "declaration", "a.c": "reference"}, paths)

	selected := parse(t, execute(t, with("dump", "--select", "$.files[*].path")...))
	assert.Equal(t, []any{"a.c", "a.h"}, selected)

	out := filepath.Join(t.TempDir(), "out.sqlite")
	execute(t, with("export", out)...)
	sdb, err := sql.Open("sqlite", out)
	require.NoError(t, err)
	defer func() { _ = sdb.Close() }()
	var n int
	require.NoError(t, sdb.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&n))
	assert.Equal(t, 2, n)

	res = parse(t, execute(t, with("index", "--rebuild")...)).(map[string]any)
	assert.EqualValues(t, 1, res["sources"])
}
