// Package export renders an index fragment as a plain document and writes it
// to SQLite.
package export

import (
	"fmt"

	"github.com/agentic-research/pdom/internal/pdom"
)

// Document is a point-in-time copy of a fragment's records.
type Document struct {
	Generation uint64       `json:"generation"`
	Files      []FileDoc    `json:"files"`
	Bindings   []BindingDoc `json:"bindings"`
}

type FileDoc struct {
	ID        uint32       `json:"id"`
	Path      string       `json:"path"`
	Timestamp int64        `json:"timestamp"`
	Includes  []IncludeDoc `json:"includes,omitempty"`
	Macros    []MacroDoc   `json:"macros,omitempty"`
	Names     []NameDoc    `json:"names,omitempty"`
}

type IncludeDoc struct {
	Name     string `json:"name"`
	Target   string `json:"target,omitempty"`
	System   bool   `json:"system"`
	Resolved bool   `json:"resolved"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
}

type MacroDoc struct {
	Name      string `json:"name"`
	Expansion string `json:"expansion"`
	Offset    int    `json:"offset"`
	Length    int    `json:"length"`
}

type NameDoc struct {
	Binding uint32 `json:"binding"`
	Text    string `json:"text"`
	Role    string `json:"role"`
	Offset  int    `json:"offset"`
	Length  int    `json:"length"`
}

type BindingDoc struct {
	ID    uint32 `json:"id"`
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Names int    `json:"names"`
}

// Snapshot copies frag under a read lock.
func Snapshot(frag *pdom.PDOM) (*Document, error) {
	doc := &Document{}
	err := frag.View(func() error {
		doc.Generation = frag.Generation()
		if err := frag.VisitFiles(func(f pdom.File) (bool, error) {
			fd, err := fileDoc(f)
			if err != nil {
				return false, err
			}
			doc.Files = append(doc.Files, fd)
			return true, nil
		}); err != nil {
			return err
		}
		return frag.VisitBindings("", func(b pdom.Binding) (bool, error) {
			bd, err := bindingDoc(b)
			if err != nil {
				return false, err
			}
			doc.Bindings = append(doc.Bindings, bd)
			return true, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", frag.Path(), err)
	}
	return doc, nil
}

// File copies the record for path. ok is false when the fragment has none.
func File(frag *pdom.PDOM, path string) (doc FileDoc, ok bool, err error) {
	err = frag.View(func() error {
		f, found, err := frag.GetFile(path)
		if err != nil || !found {
			return err
		}
		ok = true
		doc, err = fileDoc(f)
		return err
	})
	return doc, ok, err
}

func fileDoc(f pdom.File) (FileDoc, error) {
	path, err := f.FileName()
	if err != nil {
		return FileDoc{}, err
	}
	ts, err := f.Timestamp()
	if err != nil {
		return FileDoc{}, err
	}
	fd := FileDoc{ID: uint32(f.Record()), Path: path, Timestamp: ts}

	incs, err := f.Includes()
	if err != nil {
		return FileDoc{}, err
	}
	for _, inc := range incs {
		d, err := includeDoc(inc)
		if err != nil {
			return FileDoc{}, err
		}
		fd.Includes = append(fd.Includes, d)
	}

	macros, err := f.Macros()
	if err != nil {
		return FileDoc{}, err
	}
	for _, m := range macros {
		name, err := m.Name()
		if err != nil {
			return FileDoc{}, err
		}
		exp, err := m.Expansion()
		if err != nil {
			return FileDoc{}, err
		}
		off, n, err := m.Location()
		if err != nil {
			return FileDoc{}, err
		}
		fd.Macros = append(fd.Macros, MacroDoc{Name: name, Expansion: exp, Offset: off, Length: n})
	}

	names, err := f.Names()
	if err != nil {
		return FileDoc{}, err
	}
	for _, n := range names {
		d, err := nameDoc(n)
		if err != nil {
			return FileDoc{}, err
		}
		fd.Names = append(fd.Names, d)
	}
	return fd, nil
}

func includeDoc(inc pdom.Include) (IncludeDoc, error) {
	var d IncludeDoc
	var err error
	if d.Name, err = inc.Name(); err != nil {
		return d, err
	}
	if d.System, err = inc.IsSystem(); err != nil {
		return d, err
	}
	if d.Resolved, err = inc.IsResolved(); err != nil {
		return d, err
	}
	if d.Offset, d.Length, err = inc.Location(); err != nil {
		return d, err
	}
	target, err := inc.Includes()
	if err != nil {
		return d, err
	}
	if target.Valid() {
		if d.Target, err = target.FileName(); err != nil {
			return d, err
		}
	}
	return d, nil
}

func nameDoc(n pdom.Name) (NameDoc, error) {
	var d NameDoc
	b, err := n.Binding()
	if err != nil {
		return d, err
	}
	d.Binding = uint32(b.Record())
	if d.Text, err = b.Name(); err != nil {
		return d, err
	}
	role, err := n.Role()
	if err != nil {
		return d, err
	}
	d.Role = role.String()
	d.Offset, d.Length, err = n.Location()
	return d, err
}

func bindingDoc(b pdom.Binding) (BindingDoc, error) {
	name, err := b.Name()
	if err != nil {
		return BindingDoc{}, err
	}
	kind, err := b.Kind()
	if err != nil {
		return BindingDoc{}, err
	}
	names, err := b.Names()
	if err != nil {
		return BindingDoc{}, err
	}
	return BindingDoc{ID: uint32(b.Record()), Name: name, Kind: kind.String(), Names: len(names)}, nil
}
