package btree

import (
	"fmt"

	"github.com/agentic-research/pdom/internal/database"
)

// node is the decoded form of a node record. Mutations happen on the
// struct and are persisted with writeNode.
type node struct {
	ptr      database.Ptr
	keys     []database.Ptr
	children []database.Ptr // nil for leaves, len(keys)+1 otherwise
}

func (n *node) leaf() bool { return len(n.children) == 0 }

func (b *BTree) nodeSize() int {
	return offKeys + 4*b.maxKeys() + 4*2*b.degree
}

func (b *BTree) childOffset() database.Ptr {
	return database.Ptr(offKeys + 4*b.maxKeys())
}

func (b *BTree) allocNode() (*node, error) {
	p, err := b.db.Malloc(b.nodeSize())
	if err != nil {
		return nil, err
	}
	if err := b.db.PutByte(p+offTag, NodeTag); err != nil {
		return nil, err
	}
	return &node{ptr: p}, nil
}

func (b *BTree) freeNode(n *node) error {
	return b.db.Free(n.ptr)
}

func (b *BTree) readNode(p database.Ptr) (*node, error) {
	if !b.db.IsAllocated(p) {
		return nil, fmt.Errorf("%w: b-tree node %d is not allocated", database.ErrStorageFault, p)
	}
	tag, err := b.db.GetByte(p + offTag)
	if err != nil {
		return nil, err
	}
	if tag != NodeTag {
		return nil, fmt.Errorf("%w: record %d is not a b-tree node (kind %d)", database.ErrStorageFault, p, tag)
	}
	raw, err := b.db.GetInt(p)
	if err != nil {
		return nil, err
	}
	count := int(raw >> 16)
	if count > b.maxKeys() {
		return nil, fmt.Errorf("%w: b-tree node %d holds %d keys", database.ErrStorageFault, p, count)
	}

	n := &node{ptr: p, keys: make([]database.Ptr, count, b.maxKeys()+1)}
	for i := range n.keys {
		if n.keys[i], err = b.db.GetPtr(p + offKeys + database.Ptr(4*i)); err != nil {
			return nil, err
		}
	}
	first, err := b.db.GetPtr(p + b.childOffset())
	if err != nil {
		return nil, err
	}
	if first == database.Null {
		return n, nil
	}
	n.children = make([]database.Ptr, count+1, b.maxKeys()+2)
	n.children[0] = first
	for i := 1; i <= count; i++ {
		if n.children[i], err = b.db.GetPtr(p + b.childOffset() + database.Ptr(4*i)); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (b *BTree) writeNode(n *node) error {
	if len(n.keys) > b.maxKeys() {
		return fmt.Errorf("btree: node %d overflow (%d keys)", n.ptr, len(n.keys))
	}
	if err := b.db.PutInt(n.ptr, uint32(NodeTag)|uint32(len(n.keys))<<16); err != nil {
		return err
	}
	for i, k := range n.keys {
		if err := b.db.PutPtr(n.ptr+offKeys+database.Ptr(4*i), k); err != nil {
			return err
		}
	}
	if n.leaf() {
		return b.db.PutPtr(n.ptr+b.childOffset(), database.Null)
	}
	for i, c := range n.children {
		if err := b.db.PutPtr(n.ptr+b.childOffset()+database.Ptr(4*i), c); err != nil {
			return err
		}
	}
	return nil
}
