package pdom

import (
	"github.com/agentic-research/pdom/api"
	"github.com/agentic-research/pdom/internal/database"
)

// Include record layout.
const (
	includeFlags            = 1
	includeIncludes         = 4
	includeIncludedBy       = 8
	includeNextInIncludes   = 12
	includeNextInIncludedBy = 16
	includePrevInIncludedBy = 20
	includeName             = 24
	includeOffset           = 28 // offset, length
	includeRecordSize       = 36
)

const (
	includeFlagSystem byte = 1 << iota
	includeFlagResolved
)

// Include is a handle on an include edge between two files.
type Include struct {
	p   *PDOM
	rec database.Ptr
}

func (i Include) Record() database.Ptr { return i.rec }

func (i Include) Valid() bool { return i.rec != database.Null }

func (i Include) ptr(field database.Ptr) (database.Ptr, error) {
	if err := i.p.checkRead(); err != nil {
		return database.Null, err
	}
	if err := checkKind(i.p.db, i.rec, KindInclude); err != nil {
		return database.Null, err
	}
	return i.p.db.GetPtr(i.rec + field)
}

func (i Include) flags() (byte, error) {
	if _, err := i.ptr(includeIncludes); err != nil {
		return 0, err
	}
	return i.p.db.GetByte(i.rec + includeFlags)
}

// Includes returns the included file, or the zero File when the include
// is unresolved.
func (i Include) Includes() (File, error) {
	rec, err := i.ptr(includeIncludes)
	return File{p: i.p, rec: rec}, err
}

// IncludedBy returns the file containing the include statement.
func (i Include) IncludedBy() (File, error) {
	rec, err := i.ptr(includeIncludedBy)
	return File{p: i.p, rec: rec}, err
}

// Name returns the include text as written between the delimiters.
func (i Include) Name() (string, error) {
	s, err := i.ptr(includeName)
	if err != nil {
		return "", err
	}
	return i.p.db.GetString(s)
}

func (i Include) IsSystem() (bool, error) {
	f, err := i.flags()
	return f&includeFlagSystem != 0, err
}

func (i Include) IsResolved() (bool, error) {
	f, err := i.flags()
	return f&includeFlagResolved != 0, err
}

// Location returns the byte range of the statement in the including file.
func (i Include) Location() (offset, length int, err error) {
	if _, err := i.ptr(includeIncludes); err != nil {
		return 0, 0, err
	}
	return getLocation(i.p.db, i.rec+includeOffset)
}

func (i Include) NextInIncludes() (Include, error) {
	rec, err := i.ptr(includeNextInIncludes)
	return Include{p: i.p, rec: rec}, err
}

func (i Include) NextInIncludedBy() (Include, error) {
	rec, err := i.ptr(includeNextInIncludedBy)
	return Include{p: i.p, rec: rec}, err
}

func (i Include) PrevInIncludedBy() (Include, error) {
	rec, err := i.ptr(includePrevInIncludedBy)
	return Include{p: i.p, rec: rec}, err
}

// newInclude allocates an include from src to target; chain links are left
// to the caller.
func (p *PDOM) newInclude(src, target File, st api.IncludeStatement) (Include, error) {
	db := p.db
	rec, err := newRecord(db, KindInclude, includeRecordSize)
	if err != nil {
		return Include{}, err
	}
	var flags byte
	if st.System {
		flags |= includeFlagSystem
	}
	if target.Valid() {
		flags |= includeFlagResolved
	}
	if err := db.PutByte(rec+includeFlags, flags); err != nil {
		return Include{}, err
	}
	if err := db.PutPtr(rec+includeIncludes, target.rec); err != nil {
		return Include{}, err
	}
	if err := db.PutPtr(rec+includeIncludedBy, src.rec); err != nil {
		return Include{}, err
	}
	name, err := db.NewString(st.Name)
	if err != nil {
		return Include{}, err
	}
	if err := db.PutPtr(rec+includeName, name); err != nil {
		return Include{}, err
	}
	if err := putLocation(db, rec+includeOffset, st.Location); err != nil {
		return Include{}, err
	}
	return Include{p: p, rec: rec}, nil
}

// deleteInclude detaches the include from its target's included-by chain
// and frees it. The includes chain of the source is left to the caller.
func (p *PDOM) deleteInclude(rec database.Ptr) error {
	db := p.db
	if err := checkKind(db, rec, KindInclude); err != nil {
		return err
	}
	target, err := db.GetPtr(rec + includeIncludes)
	if err != nil {
		return err
	}
	if target != database.Null {
		if err := unlink(db, target+fileFirstIncludedBy, rec, includeNextInIncludedBy, includePrevInIncludedBy); err != nil {
			return err
		}
	}
	name, err := db.GetPtr(rec + includeName)
	if err != nil {
		return err
	}
	if err := db.FreeString(name); err != nil {
		return err
	}
	return freeRecord(db, rec)
}
