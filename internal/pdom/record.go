package pdom

import (
	"fmt"

	"github.com/agentic-research/pdom/internal/btree"
	"github.com/agentic-research/pdom/internal/database"
)

// Kind is the tag byte stored at offset 0 of every record.
type Kind byte

const (
	KindFile Kind = iota + 1
	KindName
	KindInclude
	KindMacro
	KindBinding
	KindBTreeNode = Kind(btree.NodeTag)
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindName:
		return "name"
	case KindInclude:
		return "include"
	case KindMacro:
		return "macro"
	case KindBinding:
		return "binding"
	case KindBTreeNode:
		return "btree-node"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

const offKind = 0

// newRecord allocates a zeroed record of the given kind.
func newRecord(db *database.Database, kind Kind, size int) (database.Ptr, error) {
	p, err := db.Malloc(size)
	if err != nil {
		return database.Null, err
	}
	if err := db.PutByte(p+offKind, byte(kind)); err != nil {
		return database.Null, err
	}
	return p, nil
}

// checkKind fails with a storage fault unless p is a live record of kind.
func checkKind(db *database.Database, p database.Ptr, kind Kind) error {
	if !db.IsAllocated(p) {
		return fmt.Errorf("%w: %s record %d is not allocated", ErrStorageFault, kind, p)
	}
	b, err := db.GetByte(p + offKind)
	if err != nil {
		return err
	}
	if Kind(b) != kind {
		return fmt.Errorf("%w: record %d is a %s, want %s", ErrStorageFault, p, Kind(b), kind)
	}
	return nil
}

// freeRecord zeroes the kind tag, then releases the block. A stale handle
// to a freed record faults in checkKind.
func freeRecord(db *database.Database, p database.Ptr) error {
	if err := db.PutByte(p+offKind, 0); err != nil {
		return err
	}
	return db.Free(p)
}
