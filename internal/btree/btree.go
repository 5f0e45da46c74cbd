// Package btree implements a B-tree of record offsets stored inside a
// database.Database. The tree does not know what its keys are: ordering is
// supplied by a Comparator over two records, and lookups are driven by a
// Comparer that positions a probe relative to a record.
//
// Node layout: [tag:1][pad:1][count:2][keys:(2t-1)*4][children:2t*4].
// Leaves have a null first child. The root offset lives in a caller-chosen
// database root slot so the tree survives reopen.
package btree

import (
	"fmt"

	"github.com/agentic-research/pdom/internal/database"
)

// NodeTag is the record kind byte written at offset 0 of every node.
const NodeTag byte = 0x06

// DefaultDegree is the minimum degree used when WithDegree is not given.
const DefaultDegree = 8

const (
	offTag   = 0
	offCount = 2
	offKeys  = 4
)

// Comparator orders two records. It must be a strict total order that is
// consistent for the lifetime of the tree.
type Comparator func(a, b database.Ptr) (int, error)

// Comparer positions a probe against a stored record: negative when the
// record sorts before the probe, zero on a match, positive after.
type Comparer interface {
	Compare(rec database.Ptr) (int, error)
}

// Visitor is a Comparer that also receives every matching record in order.
// Returning false from Visit ends the walk.
type Visitor interface {
	Comparer
	Visit(rec database.Ptr) (bool, error)
}

// Funcs adapts a pair of functions to Visitor. A nil CompareFn matches
// every record.
type Funcs struct {
	CompareFn func(rec database.Ptr) (int, error)
	VisitFn   func(rec database.Ptr) (bool, error)
}

func (f Funcs) Compare(rec database.Ptr) (int, error) {
	if f.CompareFn == nil {
		return 0, nil
	}
	return f.CompareFn(rec)
}

func (f Funcs) Visit(rec database.Ptr) (bool, error) {
	if f.VisitFn == nil {
		return true, nil
	}
	return f.VisitFn(rec)
}

// Option configures a BTree.
type Option func(*BTree)

// WithDegree sets the minimum degree t. Nodes hold between t-1 and 2t-1 keys.
func WithDegree(t int) Option {
	return func(b *BTree) { b.degree = t }
}

// BTree is a handle on one tree. It holds no cached state besides its
// configuration, so any number of handles may address the same root slot.
type BTree struct {
	db       *database.Database
	rootSlot database.Ptr
	cmp      Comparator
	degree   int
}

// New returns a tree rooted at rootSlot ordered by cmp.
func New(db *database.Database, rootSlot database.Ptr, cmp Comparator, opts ...Option) *BTree {
	b := &BTree{db: db, rootSlot: rootSlot, cmp: cmp, degree: DefaultDegree}
	for _, opt := range opts {
		opt(b)
	}
	if b.degree < 2 || 16*b.degree > database.MaxMallocSize {
		panic(fmt.Sprintf("btree: degree %d out of range", b.degree))
	}
	return b
}

func (b *BTree) maxKeys() int { return 2*b.degree - 1 }

func (b *BTree) root() (database.Ptr, error) {
	return b.db.GetPtr(b.rootSlot)
}

func (b *BTree) setRoot(p database.Ptr) error {
	return b.db.PutPtr(b.rootSlot, p)
}

// Insert adds rec to the tree. If a record comparing equal is already
// present, that record is returned and the tree is left unchanged;
// otherwise rec itself is returned.
func (b *BTree) Insert(rec database.Ptr) (database.Ptr, error) {
	rootPtr, err := b.root()
	if err != nil {
		return database.Null, err
	}
	if rootPtr == database.Null {
		n, err := b.allocNode()
		if err != nil {
			return database.Null, err
		}
		n.keys = append(n.keys, rec)
		if err := b.writeNode(n); err != nil {
			return database.Null, err
		}
		return rec, b.setRoot(n.ptr)
	}

	n, err := b.readNode(rootPtr)
	if err != nil {
		return database.Null, err
	}
	if len(n.keys) == b.maxKeys() {
		top, err := b.allocNode()
		if err != nil {
			return database.Null, err
		}
		top.children = []database.Ptr{n.ptr}
		if err := b.splitChild(top, 0, n); err != nil {
			return database.Null, err
		}
		if err := b.setRoot(top.ptr); err != nil {
			return database.Null, err
		}
		n = top
	}

	for {
		i, found, err := b.search(n, rec)
		if err != nil {
			return database.Null, err
		}
		if found {
			return n.keys[i], nil
		}
		if n.leaf() {
			n.keys = insertAt(n.keys, i, rec)
			return rec, b.writeNode(n)
		}

		child, err := b.readNode(n.children[i])
		if err != nil {
			return database.Null, err
		}
		if len(child.keys) == b.maxKeys() {
			if err := b.splitChild(n, i, child); err != nil {
				return database.Null, err
			}
			c, err := b.cmp(n.keys[i], rec)
			if err != nil {
				return database.Null, err
			}
			if c == 0 {
				return n.keys[i], nil
			}
			if c < 0 {
				i++
			}
			if child, err = b.readNode(n.children[i]); err != nil {
				return database.Null, err
			}
		}
		n = child
	}
}

// splitChild moves the upper half of the full child at parent.children[i]
// into a new right sibling and lifts the median key into parent.
func (b *BTree) splitChild(parent *node, i int, child *node) error {
	t := b.degree
	right, err := b.allocNode()
	if err != nil {
		return err
	}
	median := child.keys[t-1]
	right.keys = append(right.keys, child.keys[t:]...)
	child.keys = child.keys[:t-1:t-1]
	if !child.leaf() {
		right.children = append(right.children, child.children[t:]...)
		child.children = child.children[:t:t]
	}

	parent.keys = insertAt(parent.keys, i, median)
	parent.children = insertAt(parent.children, i+1, right.ptr)

	if err := b.writeNode(child); err != nil {
		return err
	}
	if err := b.writeNode(right); err != nil {
		return err
	}
	return b.writeNode(parent)
}

// search returns the index of the first key not less than rec and whether
// that key compares equal.
func (b *BTree) search(n *node, rec database.Ptr) (int, bool, error) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		m := (lo + hi) / 2
		c, err := b.cmp(n.keys[m], rec)
		if err != nil {
			return 0, false, err
		}
		if c == 0 {
			return m, true, nil
		}
		if c < 0 {
			lo = m + 1
		} else {
			hi = m
		}
	}
	return lo, false, nil
}

// lowerBound returns the index of the first key the probe does not place
// before it, and whether that key matches.
func lowerBound(n *node, c Comparer) (int, bool, error) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		m := (lo + hi) / 2
		r, err := c.Compare(n.keys[m])
		if err != nil {
			return 0, false, err
		}
		if r < 0 {
			lo = m + 1
		} else {
			hi = m
		}
	}
	if lo == len(n.keys) {
		return lo, false, nil
	}
	r, err := c.Compare(n.keys[lo])
	if err != nil {
		return 0, false, err
	}
	return lo, r == 0, nil
}

// Find returns the first record, in tree order, for which c reports a
// match, or database.Null.
func (b *BTree) Find(c Comparer) (database.Ptr, error) {
	p, err := b.root()
	if err != nil {
		return database.Null, err
	}
	match := database.Null
	for p != database.Null {
		n, err := b.readNode(p)
		if err != nil {
			return database.Null, err
		}
		i, found, err := lowerBound(n, c)
		if err != nil {
			return database.Null, err
		}
		if found {
			match = n.keys[i]
		}
		if n.leaf() {
			break
		}
		p = n.children[i]
	}
	return match, nil
}

// Accept walks, in order, every record for which v reports a match and
// passes it to v.Visit. Subtrees entirely outside the match range are
// skipped.
func (b *BTree) Accept(v Visitor) error {
	p, err := b.root()
	if err != nil || p == database.Null {
		return err
	}
	_, err = b.accept(p, v)
	return err
}

func (b *BTree) accept(p database.Ptr, v Visitor) (bool, error) {
	n, err := b.readNode(p)
	if err != nil {
		return false, err
	}
	lo, _, err := lowerBound(n, v)
	if err != nil {
		return false, err
	}
	for i := lo; i <= len(n.keys); i++ {
		if !n.leaf() {
			more, err := b.accept(n.children[i], v)
			if err != nil || !more {
				return more, err
			}
		}
		if i == len(n.keys) {
			break
		}
		c, err := v.Compare(n.keys[i])
		if err != nil {
			return false, err
		}
		if c > 0 {
			return false, nil
		}
		more, err := v.Visit(n.keys[i])
		if err != nil || !more {
			return more, err
		}
	}
	return true, nil
}

// Len counts the records in the tree.
func (b *BTree) Len() (int, error) {
	count := 0
	err := b.Accept(Funcs{VisitFn: func(database.Ptr) (bool, error) {
		count++
		return true, nil
	}})
	return count, err
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeAt[T any](s []T, i int) []T {
	return append(s[:i], s[i+1:]...)
}
