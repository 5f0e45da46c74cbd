package pdom

import (
	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/database"
)

// Macro record layout.
const (
	macroFile       = 4
	macroNext       = 8
	macroName       = 12
	macroExpansion  = 16
	macroOffset     = 20 // offset, length
	macroRecordSize = 28
)

// Macro is a handle on a macro definition.
type Macro struct {
	p   *PDOM
	rec database.Ptr
}

func (m Macro) Record() database.Ptr { return m.rec }

func (m Macro) Valid() bool { return m.rec != database.Null }

func (m Macro) ptr(field database.Ptr) (database.Ptr, error) {
	if err := m.p.checkRead(); err != nil {
		return database.Null, err
	}
	if err := checkKind(m.p.db, m.rec, KindMacro); err != nil {
		return database.Null, err
	}
	return m.p.db.GetPtr(m.rec + field)
}

func (m Macro) File() (File, error) {
	rec, err := m.ptr(macroFile)
	return File{p: m.p, rec: rec}, err
}

func (m Macro) Name() (string, error) {
	s, err := m.ptr(macroName)
	if err != nil {
		return "", err
	}
	return m.p.db.GetString(s)
}

// Expansion returns the replacement text, parameters included for
// function-like macros.
func (m Macro) Expansion() (string, error) {
	s, err := m.ptr(macroExpansion)
	if err != nil {
		return "", err
	}
	return m.p.db.GetString(s)
}

func (m Macro) Location() (offset, length int, err error) {
	if _, err := m.ptr(macroFile); err != nil {
		return 0, 0, err
	}
	return getLocation(m.p.db, m.rec+macroOffset)
}

func (m Macro) NextMacro() (Macro, error) {
	rec, err := m.ptr(macroNext)
	return Macro{p: m.p, rec: rec}, err
}

func (p *PDOM) newMacro(f File, def api.MacroDefinition) (database.Ptr, error) {
	db := p.db
	rec, err := newRecord(db, KindMacro, macroRecordSize)
	if err != nil {
		return database.Null, err
	}
	if err := db.PutPtr(rec+macroFile, f.rec); err != nil {
		return database.Null, err
	}
	name, err := db.NewString(def.Name)
	if err != nil {
		return database.Null, err
	}
	if err := db.PutPtr(rec+macroName, name); err != nil {
		return database.Null, err
	}
	exp, err := db.NewString(def.Expansion)
	if err != nil {
		return database.Null, err
	}
	if err := db.PutPtr(rec+macroExpansion, exp); err != nil {
		return database.Null, err
	}
	if err := putLocation(db, rec+macroOffset, def.Location); err != nil {
		return database.Null, err
	}
	return rec, nil
}

func (p *PDOM) deleteMacro(rec database.Ptr) error {
	db := p.db
	if err := checkKind(db, rec, KindMacro); err != nil {
		return err
	}
	for _, field := range []database.Ptr{macroName, macroExpansion} {
		s, err := db.GetPtr(rec + field)
		if err != nil {
			return err
		}
		if err := db.FreeString(s); err != nil {
			return err
		}
	}
	return freeRecord(db, rec)
}
