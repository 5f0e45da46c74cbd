package api

import (
	"context"
	"errors"
)

// ErrParse marks a translation unit that could not be parsed.
var ErrParse = errors.New("parse failure")

// FileLocation is a byte range inside a source file.
type FileLocation struct {
	Path   string `json:"path"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// TranslationUnit is one unit of work for the parser. Headers are parsed
// standalone only when they have no source context.
type TranslationUnit struct {
	Path     string `json:"path"`
	IsHeader bool   `json:"is_header,omitempty"`
}

// IncludeStatement is a preprocessor include as written in Location.Path.
type IncludeStatement struct {
	Location FileLocation `json:"location"`
	// Name is the text between the quotes or angle brackets.
	Name   string `json:"name"`
	System bool   `json:"system,omitempty"`
	// Resolved is the path of the included file, empty when not found.
	Resolved string `json:"resolved,omitempty"`
}

// MacroDefinition is an object- or function-like macro with a real source
// location.
type MacroDefinition struct {
	Location  FileLocation `json:"location"`
	Name      string       `json:"name"`
	Expansion string       `json:"expansion,omitempty"`
}

// BindingKind classifies the entity a name resolves to.
type BindingKind uint8

const (
	KindUnknown BindingKind = iota
	KindFunction
	KindVariable
	KindType
	KindStruct
	KindMacro
)

func (k BindingKind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindVariable:
		return "variable"
	case KindType:
		return "type"
	case KindStruct:
		return "struct"
	case KindMacro:
		return "macro"
	default:
		return "unknown"
	}
}

// Role describes how a name occurrence relates to its binding.
type Role uint8

const (
	RoleReference Role = iota
	RoleDeclaration
	RoleDefinition
)

func (r Role) String() string {
	switch r {
	case RoleDeclaration:
		return "declaration"
	case RoleDefinition:
		return "definition"
	default:
		return "reference"
	}
}

// Binding identifies a resolved semantic entity.
type Binding struct {
	Name string      `json:"name"`
	Kind BindingKind `json:"kind"`
}

// Name is one identifier occurrence produced by the parser.
type Name struct {
	Location FileLocation `json:"location"`
	Text     string       `json:"text"`
	Role     Role         `json:"role"`
}

// ParsedFile is a file the parser read while processing a translation unit.
type ParsedFile struct {
	Path    string `json:"path"`
	ModTime int64  `json:"mod_time"`
}

// AST is the parser output for one translation unit. Every occurrence is
// annotated with the path it came from.
type AST struct {
	// Files lists the parsed files in the order they were first entered.
	Files    []ParsedFile       `json:"files"`
	Includes []IncludeStatement `json:"includes,omitempty"`
	Macros   []MacroDefinition  `json:"macros,omitempty"`
	Names    []Name             `json:"names,omitempty"`

	Resolver BindingResolver `json:"-"`
}

// BindingResolver turns a name occurrence into the binding it refers to.
// A nil binding with a nil error means the name is unresolved.
type BindingResolver interface {
	Resolve(ctx context.Context, name Name) (*Binding, error)
}

// IndexView is the parser's read-only window onto the index.
type IndexView interface {
	// ShouldParse reports whether the contents of path are needed, that is
	// the file was requested or is not indexed yet.
	ShouldParse(path string) (bool, error)
	// FindBindings returns the indexed bindings with the given name.
	FindBindings(name string) ([]Binding, error)
}

// Parser produces an AST for a translation unit.
type Parser interface {
	Parse(ctx context.Context, tu TranslationUnit, view IndexView) (*AST, error)
}
