// Package cparse is the tree-sitter backed C/C++ parser used by the indexer.
// It emits include statements, macro definitions and identifier occurrences
// for a translation unit and every header it enters.
package cparse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"

	"github.com/agentic-research/pdom/api"
)

var cppExtensions = map[string]bool{
	".cc": true, ".cpp": true, ".cxx": true, ".c++": true,
	".hh": true, ".hpp": true, ".hxx": true, ".h++": true,
}

// Parser parses translation units read from a billy filesystem.
type Parser struct {
	fs          billy.Filesystem
	includeDirs []string
	logger      *slog.Logger
}

// New returns a parser resolving quoted includes against the including
// file's directory and then includeDirs; angle includes use includeDirs only.
func New(fsys billy.Filesystem, includeDirs []string, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{fs: fsys, includeDirs: includeDirs, logger: logger}
}

var _ api.Parser = (*Parser)(nil)

// Parse parses tu and, depth first, every resolvable header it includes that
// view still needs. Each header is entered at most once per unit.
func (p *Parser) Parse(ctx context.Context, tu api.TranslationUnit, view api.IndexView) (*api.AST, error) {
	u := &unit{
		p:       p,
		ctx:     ctx,
		view:    view,
		ast:     &api.AST{},
		entered: map[string]bool{},
		res:     newResolver(view),
	}
	u.ast.Resolver = u.res
	if err := u.parseFile(filepath.Clean(tu.Path), true); err != nil {
		return nil, err
	}
	return u.ast, nil
}

type unit struct {
	p       *Parser
	ctx     context.Context
	view    api.IndexView
	ast     *api.AST
	entered map[string]bool
	res     *resolver
}

func languageFor(path string) *sitter.Language {
	if cppExtensions[strings.ToLower(filepath.Ext(path))] {
		return cpp.GetLanguage()
	}
	return c.GetLanguage()
}

func (u *unit) parseFile(path string, root bool) error {
	if err := u.ctx.Err(); err != nil {
		return err
	}
	if u.entered[path] {
		return nil
	}
	u.entered[path] = true

	info, err := u.p.fs.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", api.ErrParse, path, err)
	}
	content, err := util.ReadFile(u.p.fs, path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", api.ErrParse, path, err)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(languageFor(path))
	tree, err := parser.ParseCtx(u.ctx, nil, content)
	if err != nil {
		if ctxErr := u.ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s: %v", api.ErrParse, path, err)
	}
	defer tree.Close()

	rootNode := tree.RootNode()
	if rootNode.HasError() {
		u.p.logger.Debug("syntax errors, indexing what parsed", "path", path, "translation_unit", root)
	}

	u.ast.Files = append(u.ast.Files, api.ParsedFile{Path: path, ModTime: info.ModTime().UnixNano()})
	w := &walker{u: u, path: path, src: content, declared: map[uint32]bool{}}
	return w.walk(rootNode, true)
}

// resolveInclude returns the first existing candidate for an include, or ""
// when none exists.
func (u *unit) resolveInclude(from, name string, system bool) string {
	var candidates []string
	if !system {
		candidates = append(candidates, filepath.Join(filepath.Dir(from), name))
	}
	for _, dir := range u.p.includeDirs {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	for _, cand := range candidates {
		info, err := u.p.fs.Stat(cand)
		if err == nil && !info.IsDir() {
			return filepath.Clean(cand)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			u.p.logger.Debug("include candidate unreadable", "path", cand, "err", err)
		}
	}
	return ""
}

// enterHeader parses an included header if the index still needs it. A
// header that fails to parse is logged and skipped; the including file is
// still indexed.
func (u *unit) enterHeader(path string) error {
	if u.entered[path] {
		return nil
	}
	need, err := u.view.ShouldParse(path)
	if err != nil {
		return err
	}
	if !need {
		return nil
	}
	err = u.parseFile(path, false)
	if errors.Is(err, api.ErrParse) {
		u.p.logger.Warn("skipping header", "path", path, "err", err)
		return nil
	}
	return err
}
