package pdom

import (
	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/database"
)

// Name record layout.
const (
	nameRole          = 1
	nameFile          = 4
	nameBinding       = 8
	nameNextInFile    = 12
	namePrevInFile    = 16
	nameNextInBinding = 20
	namePrevInBinding = 24
	nameOffset        = 28 // offset, length
	nameRecordSize    = 36
)

// Name is a handle on one resolved name occurrence.
type Name struct {
	p   *PDOM
	rec database.Ptr
}

func (n Name) Record() database.Ptr { return n.rec }

func (n Name) Valid() bool { return n.rec != database.Null }

func (n Name) ptr(field database.Ptr) (database.Ptr, error) {
	if err := n.p.checkRead(); err != nil {
		return database.Null, err
	}
	if err := checkKind(n.p.db, n.rec, KindName); err != nil {
		return database.Null, err
	}
	return n.p.db.GetPtr(n.rec + field)
}

// File returns the file the name occurs in.
func (n Name) File() (File, error) {
	rec, err := n.ptr(nameFile)
	return File{p: n.p, rec: rec}, err
}

// Binding returns the binding the name resolves to.
func (n Name) Binding() (Binding, error) {
	rec, err := n.ptr(nameBinding)
	return Binding{p: n.p, rec: rec}, err
}

func (n Name) Role() (api.Role, error) {
	if _, err := n.ptr(nameFile); err != nil {
		return 0, err
	}
	b, err := n.p.db.GetByte(n.rec + nameRole)
	return api.Role(b), err
}

// Location returns the byte range of the occurrence within its file.
func (n Name) Location() (offset, length int, err error) {
	if _, err := n.ptr(nameFile); err != nil {
		return 0, 0, err
	}
	return getLocation(n.p.db, n.rec+nameOffset)
}

func (n Name) NextInFile() (Name, error) {
	rec, err := n.ptr(nameNextInFile)
	return Name{p: n.p, rec: rec}, err
}

func (n Name) PrevInFile() (Name, error) {
	rec, err := n.ptr(namePrevInFile)
	return Name{p: n.p, rec: rec}, err
}

func (n Name) NextInBinding() (Name, error) {
	rec, err := n.ptr(nameNextInBinding)
	return Name{p: n.p, rec: rec}, err
}

func (n Name) PrevInBinding() (Name, error) {
	rec, err := n.ptr(namePrevInBinding)
	return Name{p: n.p, rec: rec}, err
}

// AddName records an occurrence of b in file. Requires the write lock.
func (p *PDOM) AddName(file File, b Binding, role api.Role, loc api.FileLocation) (Name, error) {
	return file.AddName(b, role, loc)
}

// deleteName unlinks the name from its file and binding chains and frees
// it. A binding left without names is removed as well.
func (p *PDOM) deleteName(rec database.Ptr) error {
	db := p.db
	if err := checkKind(db, rec, KindName); err != nil {
		return err
	}
	file, err := db.GetPtr(rec + nameFile)
	if err != nil {
		return err
	}
	binding, err := db.GetPtr(rec + nameBinding)
	if err != nil {
		return err
	}
	if err := unlink(db, file+fileFirstName, rec, nameNextInFile, namePrevInFile); err != nil {
		return err
	}
	if err := unlink(db, binding+bindingFirstName, rec, nameNextInBinding, namePrevInBinding); err != nil {
		return err
	}
	if err := freeRecord(db, rec); err != nil {
		return err
	}

	first, err := db.GetPtr(binding + bindingFirstName)
	if err != nil {
		return err
	}
	if first == database.Null {
		return p.deleteBinding(binding)
	}
	return nil
}
