package pdom

import (
	"fmt"

	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/database"
)

// File record layout.
const (
	fileFileName        = 4
	fileFirstName       = 8
	fileFirstInclude    = 12
	fileFirstIncludedBy = 16
	fileFirstMacro      = 20
	fileTimestamp       = 24
	fileRecordSize      = 32
)

// File is a handle on a file record. The zero File is not valid.
type File struct {
	p   *PDOM
	rec database.Ptr
}

// Record returns the record offset, stable for the life of the file.
func (f File) Record() database.Ptr { return f.rec }

// Valid reports whether f refers to a record.
func (f File) Valid() bool { return f.rec != database.Null }

// readable checks for a held lock and the record kind.
func (f File) readable() error {
	if err := f.p.checkRead(); err != nil {
		return err
	}
	return checkKind(f.p.db, f.rec, KindFile)
}

func (f File) ptr(field database.Ptr) (database.Ptr, error) {
	if err := f.readable(); err != nil {
		return database.Null, err
	}
	return f.p.db.GetPtr(f.rec + field)
}

func (f File) setPtr(field, v database.Ptr) error {
	return f.p.db.PutPtr(f.rec+field, v)
}

// mutable checks the write lock and the record kind.
func (f File) mutable() error {
	if err := f.p.checkWrite(); err != nil {
		return err
	}
	return checkKind(f.p.db, f.rec, KindFile)
}

// FileName returns the path the file is indexed under.
func (f File) FileName() (string, error) {
	name, err := f.ptr(fileFileName)
	if err != nil {
		return "", err
	}
	return f.p.db.GetString(name)
}

// SetFilename renames the file. The old name string is freed and the record
// is re-keyed in the file index. Fails with ErrFileExists if path is taken.
func (f File) SetFilename(path string) error {
	if err := f.mutable(); err != nil {
		return err
	}
	if other, ok, err := f.p.GetFile(path); err != nil {
		return err
	} else if ok {
		if other.rec == f.rec {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrFileExists, path)
	}

	if _, err := f.p.files.Delete(f.rec); err != nil {
		return err
	}
	old, err := f.p.db.GetPtr(f.rec + fileFileName)
	if err != nil {
		return err
	}
	if err := f.p.db.FreeString(old); err != nil {
		return err
	}
	name, err := f.p.db.NewString(path)
	if err != nil {
		return err
	}
	if err := f.setPtr(fileFileName, name); err != nil {
		return err
	}
	_, err = f.p.files.Insert(f.rec)
	return err
}

// Timestamp returns the modification time recorded at the last indexing, in
// Unix nanoseconds. Zero means never indexed.
func (f File) Timestamp() (int64, error) {
	if err := f.readable(); err != nil {
		return 0, err
	}
	return f.p.db.GetLong(f.rec + fileTimestamp)
}

func (f File) SetTimestamp(ts int64) error {
	if err := f.mutable(); err != nil {
		return err
	}
	return f.p.db.PutLong(f.rec+fileTimestamp, ts)
}

// FirstName returns the head of the name chain.
func (f File) FirstName() (Name, error) {
	rec, err := f.ptr(fileFirstName)
	return Name{p: f.p, rec: rec}, err
}

// FirstInclude returns the head of the includes chain.
func (f File) FirstInclude() (Include, error) {
	rec, err := f.ptr(fileFirstInclude)
	return Include{p: f.p, rec: rec}, err
}

// FirstIncludedBy returns the head of the chain of includes targeting f.
func (f File) FirstIncludedBy() (Include, error) {
	rec, err := f.ptr(fileFirstIncludedBy)
	return Include{p: f.p, rec: rec}, err
}

// FirstMacro returns the head of the macro chain.
func (f File) FirstMacro() (Macro, error) {
	rec, err := f.ptr(fileFirstMacro)
	return Macro{p: f.p, rec: rec}, err
}

// AddName records an occurrence of binding in f. The name is inserted at the
// head of the file's name chain and of the binding's name chain.
func (f File) AddName(b Binding, role api.Role, loc api.FileLocation) (Name, error) {
	if err := f.mutable(); err != nil {
		return Name{}, err
	}
	if err := checkKind(f.p.db, b.rec, KindBinding); err != nil {
		return Name{}, err
	}
	db := f.p.db

	rec, err := newRecord(db, KindName, nameRecordSize)
	if err != nil {
		return Name{}, err
	}
	if err := db.PutByte(rec+nameRole, byte(role)); err != nil {
		return Name{}, err
	}
	if err := db.PutPtr(rec+nameFile, f.rec); err != nil {
		return Name{}, err
	}
	if err := db.PutPtr(rec+nameBinding, b.rec); err != nil {
		return Name{}, err
	}
	if err := putLocation(db, rec+nameOffset, loc); err != nil {
		return Name{}, err
	}
	if err := linkHead(db, f.rec+fileFirstName, rec, nameNextInFile, namePrevInFile); err != nil {
		return Name{}, err
	}
	if err := linkHead(db, b.rec+bindingFirstName, rec, nameNextInBinding, namePrevInBinding); err != nil {
		return Name{}, err
	}
	return Name{p: f.p, rec: rec}, nil
}

// AddIncludesTo attaches one include per statement, in order. targets[i] is
// the file statements[i] resolved to, or the zero File when unresolved. The
// includes chain must be empty. Each resolved include is also added to the
// head of its target's included-by chain.
func (f File) AddIncludesTo(targets []File, statements []api.IncludeStatement) error {
	if err := f.mutable(); err != nil {
		return err
	}
	if len(targets) != len(statements) {
		return fmt.Errorf("%w: %d targets for %d include statements", ErrPrecondition, len(targets), len(statements))
	}
	db := f.p.db
	if head, err := db.GetPtr(f.rec + fileFirstInclude); err != nil {
		return err
	} else if head != database.Null {
		return fmt.Errorf("%w: includes already attached", ErrPrecondition)
	}

	link := f.rec + fileFirstInclude
	for i, st := range statements {
		inc, err := f.p.newInclude(f, targets[i], st)
		if err != nil {
			return err
		}
		if err := db.PutPtr(link, inc.rec); err != nil {
			return err
		}
		link = inc.rec + includeNextInIncludes
		if targets[i].Valid() {
			if err := targets[i].AddIncludedBy(inc); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddIncludedBy inserts inc at the head of f's included-by chain.
func (f File) AddIncludedBy(inc Include) error {
	if err := f.mutable(); err != nil {
		return err
	}
	if err := checkKind(f.p.db, inc.rec, KindInclude); err != nil {
		return err
	}
	return linkHead(f.p.db, f.rec+fileFirstIncludedBy, inc.rec, includeNextInIncludedBy, includePrevInIncludedBy)
}

// AddMacros attaches the macros in order. The macro chain must be empty.
func (f File) AddMacros(macros []api.MacroDefinition) error {
	if err := f.mutable(); err != nil {
		return err
	}
	db := f.p.db
	if head, err := db.GetPtr(f.rec + fileFirstMacro); err != nil {
		return err
	} else if head != database.Null {
		return fmt.Errorf("%w: macros already attached", ErrPrecondition)
	}

	link := f.rec + fileFirstMacro
	for _, m := range macros {
		rec, err := f.p.newMacro(f, m)
		if err != nil {
			return err
		}
		if err := db.PutPtr(link, rec); err != nil {
			return err
		}
		link = rec + macroNext
	}
	return nil
}

// Clear deletes the includes, macros and names owned by f and nulls the
// chain heads. Includes are detached from their target's included-by chain,
// names from their binding's chain. Includes targeting f are kept.
func (f File) Clear() error {
	if err := f.mutable(); err != nil {
		return err
	}
	db := f.p.db

	inc, err := db.GetPtr(f.rec + fileFirstInclude)
	if err != nil {
		return err
	}
	for inc != database.Null {
		next, err := db.GetPtr(inc + includeNextInIncludes)
		if err != nil {
			return err
		}
		if err := f.p.deleteInclude(inc); err != nil {
			return err
		}
		inc = next
	}
	if err := f.setPtr(fileFirstInclude, database.Null); err != nil {
		return err
	}

	m, err := db.GetPtr(f.rec + fileFirstMacro)
	if err != nil {
		return err
	}
	for m != database.Null {
		next, err := db.GetPtr(m + macroNext)
		if err != nil {
			return err
		}
		if err := f.p.deleteMacro(m); err != nil {
			return err
		}
		m = next
	}
	if err := f.setPtr(fileFirstMacro, database.Null); err != nil {
		return err
	}

	n, err := db.GetPtr(f.rec + fileFirstName)
	if err != nil {
		return err
	}
	for n != database.Null {
		next, err := db.GetPtr(n + nameNextInFile)
		if err != nil {
			return err
		}
		if err := f.p.deleteName(n); err != nil {
			return err
		}
		n = next
	}
	return f.setPtr(fileFirstName, database.Null)
}

// detachIncludedBy turns every include targeting f into an unresolved one.
func (f File) detachIncludedBy() error {
	db := f.p.db
	inc, err := db.GetPtr(f.rec + fileFirstIncludedBy)
	if err != nil {
		return err
	}
	for inc != database.Null {
		next, err := db.GetPtr(inc + includeNextInIncludedBy)
		if err != nil {
			return err
		}
		for _, field := range []database.Ptr{includeIncludes, includeNextInIncludedBy, includePrevInIncludedBy} {
			if err := db.PutPtr(inc+field, database.Null); err != nil {
				return err
			}
		}
		flags, err := db.GetByte(inc + includeFlags)
		if err != nil {
			return err
		}
		if err := db.PutByte(inc+includeFlags, flags&^includeFlagResolved); err != nil {
			return err
		}
		inc = next
	}
	return f.setPtr(fileFirstIncludedBy, database.Null)
}

// Names returns the name chain from the head, most recently added first.
func (f File) Names() ([]Name, error) {
	n, err := f.FirstName()
	if err != nil {
		return nil, err
	}
	var out []Name
	for n.Valid() {
		out = append(out, n)
		if n, err = n.NextInFile(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Includes returns the includes chain in statement order.
func (f File) Includes() ([]Include, error) {
	inc, err := f.FirstInclude()
	if err != nil {
		return nil, err
	}
	var out []Include
	for inc.Valid() {
		out = append(out, inc)
		if inc, err = inc.NextInIncludes(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IncludedBy returns the includes targeting f, most recently added first.
func (f File) IncludedBy() ([]Include, error) {
	inc, err := f.FirstIncludedBy()
	if err != nil {
		return nil, err
	}
	var out []Include
	for inc.Valid() {
		out = append(out, inc)
		if inc, err = inc.NextInIncludedBy(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Macros returns the macro chain in definition order.
func (f File) Macros() ([]Macro, error) {
	m, err := f.FirstMacro()
	if err != nil {
		return nil, err
	}
	var out []Macro
	for m.Valid() {
		out = append(out, m)
		if m, err = m.NextMacro(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// linkHead inserts rec at the head of the doubly linked chain whose head
// pointer lives at headSlot.
func linkHead(db *database.Database, headSlot, rec, nextField, prevField database.Ptr) error {
	head, err := db.GetPtr(headSlot)
	if err != nil {
		return err
	}
	if err := db.PutPtr(rec+nextField, head); err != nil {
		return err
	}
	if err := db.PutPtr(rec+prevField, database.Null); err != nil {
		return err
	}
	if head != database.Null {
		if err := db.PutPtr(head+prevField, rec); err != nil {
			return err
		}
	}
	return db.PutPtr(headSlot, rec)
}

// unlink removes rec from the doubly linked chain whose head pointer lives
// at headSlot.
func unlink(db *database.Database, headSlot, rec, nextField, prevField database.Ptr) error {
	prev, err := db.GetPtr(rec + prevField)
	if err != nil {
		return err
	}
	next, err := db.GetPtr(rec + nextField)
	if err != nil {
		return err
	}
	if prev == database.Null {
		err = db.PutPtr(headSlot, next)
	} else {
		err = db.PutPtr(prev+nextField, next)
	}
	if err != nil {
		return err
	}
	if next != database.Null {
		if err := db.PutPtr(next+prevField, prev); err != nil {
			return err
		}
	}
	if err := db.PutPtr(rec+nextField, database.Null); err != nil {
		return err
	}
	return db.PutPtr(rec+prevField, database.Null)
}

func putLocation(db *database.Database, at database.Ptr, loc api.FileLocation) error {
	if err := db.PutInt(at, uint32(loc.Offset)); err != nil {
		return err
	}
	return db.PutInt(at+4, uint32(loc.Length))
}

func getLocation(db *database.Database, at database.Ptr) (offset, length int, err error) {
	o, err := db.GetInt(at)
	if err != nil {
		return 0, 0, err
	}
	l, err := db.GetInt(at + 4)
	return int(o), int(l), err
}
