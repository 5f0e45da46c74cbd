package cparse

import (
	"context"
	"testing"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/pdom/api"
)

type fakeView struct {
	skip     map[string]bool
	bindings map[string][]api.Binding
	asked    []string
}

func (v *fakeView) ShouldParse(path string) (bool, error) {
	v.asked = append(v.asked, path)
	return !v.skip[path], nil
}

func (v *fakeView) FindBindings(name string) ([]api.Binding, error) {
	return v.bindings[name], nil
}

func writeFiles(t *testing.T, files map[string]string) billy.Filesystem {
	t.Helper()
	fsys := memfs.New()
	for path, content := range files {
		require.NoError(t, util.WriteFile(fsys, path, []byte(content), 0o644))
	}
	return fsys
}

const headerA = `#ifndef A_H
#define A_H
#define MAX(a,b) ((a)>(b)?(a):(b))
struct point { int x; int y; };
typedef struct point point_t;
int area(point_t p);
#endif
`

const mainC = `#include "a.h"
#include <stdio.h>
int counter = 0;
int main(void) {
    point_t p;
    counter++;
    return area(p) + MAX(1, 2);
}
`

func hasName(ast *api.AST, path, text string, role api.Role) bool {
	for _, n := range ast.Names {
		if n.Location.Path == path && n.Text == text && n.Role == role {
			return true
		}
	}
	return false
}

func TestParse_SourceWithHeader(t *testing.T) {
	fsys := writeFiles(t, map[string]string{"a.h": headerA, "main.c": mainC})
	view := &fakeView{}
	ast, err := New(fsys, nil, nil).Parse(context.Background(), api.TranslationUnit{Path: "main.c"}, view)
	require.NoError(t, err)

	require.Len(t, ast.Files, 2)
	assert.Equal(t, "main.c", ast.Files[0].Path)
	assert.Equal(t, "a.h", ast.Files[1].Path)
	assert.Equal(t, []string{"a.h"}, view.asked)

	require.Len(t, ast.Includes, 2)
	first := ast.Includes[0]
	assert.Equal(t, "a.h", first.Name)
	assert.Equal(t, "a.h", first.Resolved)
	assert.False(t, first.System)
	assert.Equal(t, "main.c", first.Location.Path)
	assert.Zero(t, first.Location.Offset)
	assert.Equal(t, "stdio.h", ast.Includes[1].Name)
	assert.True(t, ast.Includes[1].System)
	assert.Empty(t, ast.Includes[1].Resolved)

	require.Len(t, ast.Macros, 2)
	assert.Equal(t, "A_H", ast.Macros[0].Name)
	assert.Equal(t, "MAX", ast.Macros[1].Name)
	assert.Equal(t, "(a,b) ((a)>(b)?(a):(b))", ast.Macros[1].Expansion)
	assert.Equal(t, "a.h", ast.Macros[1].Location.Path)

	assert.True(t, hasName(ast, "a.h", "point", api.RoleDefinition))
	assert.True(t, hasName(ast, "a.h", "point_t", api.RoleDefinition))
	assert.True(t, hasName(ast, "a.h", "area", api.RoleDeclaration))
	assert.True(t, hasName(ast, "main.c", "counter", api.RoleDefinition))
	assert.True(t, hasName(ast, "main.c", "main", api.RoleDefinition))
	assert.True(t, hasName(ast, "main.c", "counter", api.RoleReference))
	assert.True(t, hasName(ast, "main.c", "area", api.RoleReference))
	assert.True(t, hasName(ast, "main.c", "point_t", api.RoleReference))
	assert.False(t, hasName(ast, "main.c", "p", api.RoleDefinition), "locals do not bind")
}

func TestParse_ResolverPrefersUnitDeclarations(t *testing.T) {
	fsys := writeFiles(t, map[string]string{"a.h": headerA, "main.c": mainC})
	view := &fakeView{bindings: map[string][]api.Binding{
		"area": {{Name: "area", Kind: api.KindVariable}},
		"p":    {{Name: "p", Kind: api.KindVariable}},
	}}
	ast, err := New(fsys, nil, nil).Parse(context.Background(), api.TranslationUnit{Path: "main.c"}, view)
	require.NoError(t, err)

	resolved := map[string]*api.Binding{}
	for _, n := range ast.Names {
		if n.Location.Path != "main.c" || n.Role != api.RoleReference {
			continue
		}
		b, err := ast.Resolver.Resolve(context.Background(), n)
		require.NoError(t, err)
		resolved[n.Text] = b
	}
	require.NotNil(t, resolved["area"])
	assert.Equal(t, api.KindFunction, resolved["area"].Kind)
	require.NotNil(t, resolved["point_t"])
	assert.Equal(t, api.KindType, resolved["point_t"].Kind)
	require.NotNil(t, resolved["MAX"])
	assert.Equal(t, api.KindMacro, resolved["MAX"].Kind)
	require.NotNil(t, resolved["p"], "falls back to the index")
	assert.Equal(t, api.KindVariable, resolved["p"].Kind)
}

func TestParse_SkipsHeadersTheIndexHas(t *testing.T) {
	fsys := writeFiles(t, map[string]string{"a.h": headerA, "main.c": mainC})
	view := &fakeView{
		skip:     map[string]bool{"a.h": true},
		bindings: map[string][]api.Binding{"area": {{Name: "area", Kind: api.KindFunction}}},
	}
	ast, err := New(fsys, nil, nil).Parse(context.Background(), api.TranslationUnit{Path: "main.c"}, view)
	require.NoError(t, err)

	require.Len(t, ast.Files, 1)
	assert.Equal(t, "a.h", ast.Includes[0].Resolved, "include is still recorded as resolved")
	assert.Empty(t, ast.Macros)

	for _, n := range ast.Names {
		if n.Text != "area" {
			continue
		}
		b, err := ast.Resolver.Resolve(context.Background(), n)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, api.KindFunction, b.Kind)
	}
}

func TestParse_IncludeSearchOrder(t *testing.T) {
	fsys := writeFiles(t, map[string]string{
		"src/main.c":  "#include \"local.h\"\n#include <lib.h>\n#include \"lib.h\"\n",
		"src/local.h": "int local;\n",
		"inc/lib.h":   "int lib;\n",
		"inc/local.h": "int shadowed;\n",
	})
	view := &fakeView{}
	ast, err := New(fsys, []string{"inc"}, nil).Parse(context.Background(), api.TranslationUnit{Path: "src/main.c"}, view)
	require.NoError(t, err)

	require.Len(t, ast.Includes, 3)
	assert.Equal(t, "src/local.h", ast.Includes[0].Resolved)
	assert.Equal(t, "inc/lib.h", ast.Includes[1].Resolved)
	assert.Equal(t, "inc/lib.h", ast.Includes[2].Resolved)
	assert.Equal(t, []string{"src/local.h", "inc/lib.h"}, view.asked, "each header entered once")
}

func TestParse_CyclicIncludes(t *testing.T) {
	fsys := writeFiles(t, map[string]string{
		"a.h":    "#include \"b.h\"\nint a;\n",
		"b.h":    "#include \"a.h\"\nint b;\n",
		"main.c": "#include \"a.h\"\n",
	})
	ast, err := New(fsys, nil, nil).Parse(context.Background(), api.TranslationUnit{Path: "main.c"}, &fakeView{})
	require.NoError(t, err)
	var paths []string
	for _, f := range ast.Files {
		paths = append(paths, f.Path)
	}
	assert.Equal(t, []string{"main.c", "a.h", "b.h"}, paths)
	assert.Len(t, ast.Includes, 3)
}

func TestParse_MissingUnit(t *testing.T) {
	_, err := New(memfs.New(), nil, nil).Parse(context.Background(), api.TranslationUnit{Path: "nope.c"}, &fakeView{})
	assert.ErrorIs(t, err, api.ErrParse)
}

func TestParse_Cancelled(t *testing.T) {
	fsys := writeFiles(t, map[string]string{"main.c": mainC})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(fsys, nil, nil).Parse(ctx, api.TranslationUnit{Path: "main.c"}, &fakeView{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParse_CppUsesCppGrammar(t *testing.T) {
	fsys := writeFiles(t, map[string]string{
		"w.cpp": "namespace ns {\nclass Widget { int size; };\nint make();\n}\n",
	})
	ast, err := New(fsys, nil, nil).Parse(context.Background(), api.TranslationUnit{Path: "w.cpp"}, &fakeView{})
	require.NoError(t, err)
	assert.True(t, hasName(ast, "w.cpp", "Widget", api.RoleDefinition))
	assert.True(t, hasName(ast, "w.cpp", "make", api.RoleDeclaration))
}
