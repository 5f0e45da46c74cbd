package pdom

import (
	"cmp"
	"strings"

	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/btree"
	"github.com/agentic-research/pdom/internal/database"
)

// Binding record layout.
const (
	bindingKind       = 1
	bindingName       = 4
	bindingFirstName  = 8
	bindingRecordSize = 12
)

// Binding is a handle on a resolved entity, unique by name and kind.
type Binding struct {
	p   *PDOM
	rec database.Ptr
}

func (b Binding) Record() database.Ptr { return b.rec }

func (b Binding) Valid() bool { return b.rec != database.Null }

func (b Binding) ptr(field database.Ptr) (database.Ptr, error) {
	if err := b.p.checkRead(); err != nil {
		return database.Null, err
	}
	if err := checkKind(b.p.db, b.rec, KindBinding); err != nil {
		return database.Null, err
	}
	return b.p.db.GetPtr(b.rec + field)
}

func (b Binding) Name() (string, error) {
	s, err := b.ptr(bindingName)
	if err != nil {
		return "", err
	}
	return b.p.db.GetString(s)
}

func (b Binding) Kind() (api.BindingKind, error) {
	if _, err := b.ptr(bindingName); err != nil {
		return 0, err
	}
	k, err := b.p.db.GetByte(b.rec + bindingKind)
	return api.BindingKind(k), err
}

// API returns the binding in collaborator form.
func (b Binding) API() (api.Binding, error) {
	name, err := b.Name()
	if err != nil {
		return api.Binding{}, err
	}
	kind, err := b.Kind()
	return api.Binding{Name: name, Kind: kind}, err
}

func (b Binding) FirstName() (Name, error) {
	rec, err := b.ptr(bindingFirstName)
	return Name{p: b.p, rec: rec}, err
}

// Names returns every occurrence of the binding across files, most
// recently added first.
func (b Binding) Names() ([]Name, error) {
	n, err := b.FirstName()
	if err != nil {
		return nil, err
	}
	var out []Name
	for n.Valid() {
		out = append(out, n)
		if n, err = n.NextInBinding(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// compareBindings is the canonical binding index order: by name, then kind.
func (p *PDOM) compareBindings(a, b database.Ptr) (int, error) {
	na, err := p.db.GetPtr(a + bindingName)
	if err != nil {
		return 0, err
	}
	nb, err := p.db.GetPtr(b + bindingName)
	if err != nil {
		return 0, err
	}
	c, err := p.db.CompareStrings(na, nb)
	if err != nil || c != 0 {
		return c, err
	}
	ka, err := p.db.GetByte(a + bindingKind)
	if err != nil {
		return 0, err
	}
	kb, err := p.db.GetByte(b + bindingKind)
	return cmp.Compare(ka, kb), err
}

// bindingProbe matches bindings by name and, unless anyKind, by kind.
type bindingProbe struct {
	db      *database.Database
	name    string
	kind    api.BindingKind
	anyKind bool
}

func (q bindingProbe) Compare(rec database.Ptr) (int, error) {
	s, err := q.db.GetPtr(rec + bindingName)
	if err != nil {
		return 0, err
	}
	c, err := q.db.CompareString(s, q.name)
	if err != nil || c != 0 || q.anyKind {
		return c, err
	}
	k, err := q.db.GetByte(rec + bindingKind)
	return cmp.Compare(api.BindingKind(k), q.kind), err
}

// FindBinding returns the binding with the given name and kind. Requires a
// lock.
func (p *PDOM) FindBinding(name string, kind api.BindingKind) (Binding, bool, error) {
	if err := p.checkRead(); err != nil {
		return Binding{}, false, err
	}
	rec, err := p.bindings.Find(bindingProbe{db: p.db, name: name, kind: kind})
	if err != nil || rec == database.Null {
		return Binding{}, false, err
	}
	return Binding{p: p, rec: rec}, true, nil
}

// FindBindings returns every binding named name, ordered by kind. Requires
// a lock.
func (p *PDOM) FindBindings(name string) ([]Binding, error) {
	if err := p.checkRead(); err != nil {
		return nil, err
	}
	var out []Binding
	err := p.bindings.Accept(btree.Funcs{
		CompareFn: bindingProbe{db: p.db, name: name, anyKind: true}.Compare,
		VisitFn: func(rec database.Ptr) (bool, error) {
			out = append(out, Binding{p: p, rec: rec})
			return true, nil
		},
	})
	return out, err
}

// VisitBindings calls fn for every binding whose name starts with prefix,
// in index order, until fn returns false. Requires a lock.
func (p *PDOM) VisitBindings(prefix string, fn func(Binding) (bool, error)) error {
	if err := p.checkRead(); err != nil {
		return err
	}
	return p.bindings.Accept(btree.Funcs{
		CompareFn: func(rec database.Ptr) (int, error) {
			s, err := p.db.GetPtr(rec + bindingName)
			if err != nil {
				return 0, err
			}
			name, err := p.db.GetString(s)
			if err != nil || strings.HasPrefix(name, prefix) {
				return 0, err
			}
			return strings.Compare(name, prefix), nil
		},
		VisitFn: func(rec database.Ptr) (bool, error) {
			return fn(Binding{p: p, rec: rec})
		},
	})
}

// GetOrCreateBinding returns the binding for (name, kind), adding it to the
// binding index if missing. Requires the write lock.
func (p *PDOM) GetOrCreateBinding(name string, kind api.BindingKind) (Binding, error) {
	if err := p.checkWrite(); err != nil {
		return Binding{}, err
	}
	if b, ok, err := p.FindBinding(name, kind); err != nil || ok {
		return b, err
	}

	db := p.db
	rec, err := newRecord(db, KindBinding, bindingRecordSize)
	if err != nil {
		return Binding{}, err
	}
	if err := db.PutByte(rec+bindingKind, byte(kind)); err != nil {
		return Binding{}, err
	}
	s, err := db.NewString(name)
	if err != nil {
		return Binding{}, err
	}
	if err := db.PutPtr(rec+bindingName, s); err != nil {
		return Binding{}, err
	}
	if _, err := p.bindings.Insert(rec); err != nil {
		return Binding{}, err
	}
	return Binding{p: p, rec: rec}, nil
}

func (p *PDOM) deleteBinding(rec database.Ptr) error {
	db := p.db
	if err := checkKind(db, rec, KindBinding); err != nil {
		return err
	}
	if _, err := p.bindings.Delete(rec); err != nil {
		return err
	}
	s, err := db.GetPtr(rec + bindingName)
	if err != nil {
		return err
	}
	if err := db.FreeString(s); err != nil {
		return err
	}
	return freeRecord(db, rec)
}
