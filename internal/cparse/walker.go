package cparse

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/agentic-research/pdom/api"
)

// walker turns one file's syntax tree into AST occurrences.
type walker struct {
	u    *unit
	path string
	src  []byte
	// declared holds the start bytes of identifiers already emitted as
	// declarations or definitions.
	declared map[uint32]bool
}

// Containers whose direct children still count as file scope.
var fileScope = map[string]bool{
	"translation_unit":      true,
	"preproc_if":            true,
	"preproc_ifdef":         true,
	"preproc_else":          true,
	"preproc_elif":          true,
	"linkage_specification": true,
	"declaration_list":      true,
	"namespace_definition":  true,
	"preproc_elifdef":       true,
	"template_declaration":  true,
	"export_declaration":    true,
}

func (w *walker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

func (w *walker) location(n *sitter.Node) api.FileLocation {
	return api.FileLocation{
		Path:   w.path,
		Offset: int(n.StartByte()),
		Length: int(n.EndByte() - n.StartByte()),
	}
}

func (w *walker) walk(n *sitter.Node, topLevel bool) error {
	if n == nil {
		return nil
	}
	switch n.Type() {
	case "preproc_include":
		return w.include(n)
	case "preproc_def", "preproc_function_def":
		w.macro(n)
		return nil
	case "function_definition":
		return w.functionDefinition(n)
	case "declaration":
		return w.declaration(n, topLevel)
	case "type_definition":
		return w.typeDefinition(n)
	case "struct_specifier", "union_specifier", "class_specifier", "enum_specifier":
		return w.tagSpecifier(n)
	case "identifier", "type_identifier":
		w.reference(n)
		return nil
	case "field_identifier", "comment", "string_literal", "char_literal", "number_literal":
		return nil
	}
	childTop := topLevel && fileScope[n.Type()]
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if err := w.walk(n.NamedChild(i), childTop); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) include(n *sitter.Node) error {
	pathNode := n.ChildByFieldName("path")
	if pathNode == nil {
		return nil
	}
	raw := w.text(pathNode)
	var name string
	system := false
	switch pathNode.Type() {
	case "system_lib_string":
		system = true
		name = strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
	case "string_literal":
		name = strings.Trim(raw, `"`)
	default:
		// Macro-expanded include targets are not resolved.
		return nil
	}
	resolved := w.u.resolveInclude(w.path, name, system)
	w.u.ast.Includes = append(w.u.ast.Includes, api.IncludeStatement{
		Location: w.location(n),
		Name:     name,
		System:   system,
		Resolved: resolved,
	})
	if resolved == "" {
		return nil
	}
	return w.u.enterHeader(resolved)
}

func (w *walker) macro(n *sitter.Node) {
	nameNode := n.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	expansion := ""
	if v := n.ChildByFieldName("value"); v != nil {
		expansion = strings.TrimSpace(w.text(v))
	}
	if params := n.ChildByFieldName("parameters"); params != nil {
		expansion = strings.TrimSpace(w.text(params) + " " + expansion)
	}
	w.u.ast.Macros = append(w.u.ast.Macros, api.MacroDefinition{
		Location:  w.location(nameNode),
		Name:      w.text(nameNode),
		Expansion: expansion,
	})
	w.declare(nameNode, api.KindMacro, api.RoleDefinition)
}

func (w *walker) functionDefinition(n *sitter.Node) error {
	if err := w.walk(n.ChildByFieldName("type"), false); err != nil {
		return err
	}
	if name, _ := declaratorName(n.ChildByFieldName("declarator")); name != nil {
		w.declare(name, api.KindFunction, api.RoleDefinition)
	}
	return w.walk(n.ChildByFieldName("body"), false)
}

// declaration handles `type a, *b = init, c(args);`. Only file scope
// declarations bind names; local ones contribute references from their types
// and initializers.
func (w *walker) declaration(n *sitter.Node, topLevel bool) error {
	if err := w.walk(n.ChildByFieldName("type"), false); err != nil {
		return err
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.FieldNameForChild(i) != "declarator" {
			continue
		}
		d := n.Child(i)
		if topLevel {
			if name, isFunc := declaratorName(d); name != nil {
				kind, role := api.KindVariable, api.RoleDefinition
				if isFunc {
					kind, role = api.KindFunction, api.RoleDeclaration
				}
				w.declare(name, kind, role)
			}
		}
		if d.Type() == "init_declarator" {
			if err := w.walk(d.ChildByFieldName("value"), false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) typeDefinition(n *sitter.Node) error {
	if err := w.walk(n.ChildByFieldName("type"), false); err != nil {
		return err
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.FieldNameForChild(i) != "declarator" {
			continue
		}
		if name, _ := declaratorName(n.Child(i)); name != nil {
			w.declare(name, api.KindType, api.RoleDefinition)
		}
	}
	return nil
}

// tagSpecifier handles struct, union, class and enum specifiers. A specifier
// with a body defines the tag; one without refers to it.
func (w *walker) tagSpecifier(n *sitter.Node) error {
	body := n.ChildByFieldName("body")
	if name := n.ChildByFieldName("name"); name != nil {
		if body != nil {
			w.declare(name, api.KindStruct, api.RoleDefinition)
		} else {
			w.reference(name)
		}
	}
	if body == nil {
		return nil
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		if err := w.walk(body.NamedChild(i), false); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) declare(n *sitter.Node, kind api.BindingKind, role api.Role) {
	name := api.Name{Location: w.location(n), Text: w.text(n), Role: role}
	w.declared[n.StartByte()] = true
	w.u.ast.Names = append(w.u.ast.Names, name)
	w.u.res.declare(name, api.Binding{Name: name.Text, Kind: kind})
}

func (w *walker) reference(n *sitter.Node) {
	if w.declared[n.StartByte()] {
		return
	}
	w.u.ast.Names = append(w.u.ast.Names, api.Name{
		Location: w.location(n),
		Text:     w.text(n),
		Role:     api.RoleReference,
	})
}

// declaratorName unwraps pointer, array, init and function declarators down
// to the declared identifier. isFunc reports a function declarator on the way.
func declaratorName(d *sitter.Node) (name *sitter.Node, isFunc bool) {
	for d != nil {
		switch d.Type() {
		case "identifier", "type_identifier", "field_identifier":
			return d, isFunc
		case "function_declarator":
			isFunc = true
			d = d.ChildByFieldName("declarator")
		case "qualified_identifier":
			d = d.ChildByFieldName("name")
		case "parenthesized_declarator":
			// (*fp)(...) declares a pointer, not a function.
			isFunc = false
			if d.NamedChildCount() == 0 {
				return nil, false
			}
			d = d.NamedChild(0)
		default:
			next := d.ChildByFieldName("declarator")
			if next == nil {
				return nil, false
			}
			d = next
		}
	}
	return nil, false
}
