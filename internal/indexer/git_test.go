package indexer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/pdom/internal/config"
)

func TestParseNameStatus(t *testing.T) {
	out := []byte("M\tsrc/a.c\nD\tinclude/old.h\nA\tinclude/new.h\nM\tREADME.md\nM\tbuild/gen.c\n\n")
	d := parseNameStatus(out, config.Default())
	assert.Equal(t, Delta{
		Sources: []string{"src/a.c"},
		Headers: []string{"include/new.h"},
		Removed: []string{"include/old.h"},
	}, d)
}

func TestGitDelta(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	gitRun := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	write := func(rel, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, rel), []byte(content), 0o644))
	}

	gitRun("init", "-q")
	write("a.c", sourceBar)
	write("a.h", headerFoo)
	write("gone.c", "int gone;\n")
	gitRun("add", ".")
	gitRun("commit", "-q", "-m", "initial")

	write("a.h", "void foo(int);\n")
	write("new.c", "int n;\n")
	require.NoError(t, os.Remove(filepath.Join(dir, "gone.c")))

	d, err := GitDelta(context.Background(), dir, "HEAD", config.Default())
	require.NoError(t, err)
	assert.Equal(t, Delta{
		Sources: []string{"new.c"},
		Headers: []string{"a.h"},
		Removed: []string{"gone.c"},
	}, d)
}
