package indexer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentic-research/pdom/internal/config"
)

// GitDelta builds the delta of C/C++ files that differ between rev and the
// working tree of the repository at repoPath, untracked files included.
// Paths are relative to repoPath.
func GitDelta(ctx context.Context, repoPath, rev string, cfg *config.Config) (Delta, error) {
	diff, err := git(ctx, repoPath, "diff", "--name-status", "--no-renames", "--relative", rev, "--")
	if err != nil {
		return Delta{}, err
	}
	untracked, err := git(ctx, repoPath, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return Delta{}, err
	}

	var added []Delta
	scanner := bufio.NewScanner(bytes.NewReader(untracked))
	for scanner.Scan() {
		added = append(added, classify(strings.TrimSpace(scanner.Text()), false, cfg))
	}
	if err := scanner.Err(); err != nil {
		return Delta{}, err
	}
	return parseNameStatus(diff, cfg).Merge(added...), nil
}

func git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s failed: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out.Bytes(), nil
}

// parseNameStatus reads "git diff --name-status" output: one status letter,
// a tab and a path per line.
func parseNameStatus(out []byte, cfg *config.Config) Delta {
	var lines []Delta
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		status, path, ok := strings.Cut(scanner.Text(), "\t")
		if !ok || status == "" {
			continue
		}
		lines = append(lines, classify(path, status[0] == 'D', cfg))
	}
	return Delta{}.Merge(lines...)
}

func classify(path string, deleted bool, cfg *config.Config) Delta {
	if path == "" {
		return Delta{}
	}
	path = filepath.Clean(filepath.FromSlash(path))
	for _, dir := range strings.Split(filepath.Dir(path), string(filepath.Separator)) {
		if cfg.Excluded(dir) {
			return Delta{}
		}
	}
	switch {
	case !cfg.IsSource(path) && !cfg.IsHeader(path):
		return Delta{}
	case deleted:
		return Delta{Removed: []string{path}}
	case cfg.IsSource(path):
		return Delta{Sources: []string{path}}
	default:
		return Delta{Headers: []string{path}}
	}
}
