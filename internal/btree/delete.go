package btree

import (
	"fmt"

	"github.com/agentic-research/pdom/internal/database"
)

// Delete removes the record comparing equal to rec. It reports whether a
// record was removed. The record itself is not freed.
func (b *BTree) Delete(rec database.Ptr) (bool, error) {
	rootPtr, err := b.root()
	if err != nil || rootPtr == database.Null {
		return false, err
	}
	root, err := b.readNode(rootPtr)
	if err != nil {
		return false, err
	}
	removed, err := b.delete(root, rec)
	if err != nil {
		return false, err
	}

	// Collapse an emptied root.
	if len(root.keys) == 0 {
		next := database.Null
		if !root.leaf() {
			next = root.children[0]
		}
		if err := b.freeNode(root); err != nil {
			return false, err
		}
		if err := b.setRoot(next); err != nil {
			return false, err
		}
	}
	return removed, nil
}

// delete removes rec from the subtree at n. Every node it descends into
// holds at least t keys, so removal never underflows.
func (b *BTree) delete(n *node, rec database.Ptr) (bool, error) {
	i, found, err := b.search(n, rec)
	if err != nil {
		return false, err
	}

	if n.leaf() {
		if !found {
			return false, nil
		}
		n.keys = removeAt(n.keys, i)
		return true, b.writeNode(n)
	}

	if found {
		left, err := b.readNode(n.children[i])
		if err != nil {
			return false, err
		}
		if len(left.keys) >= b.degree {
			pred, err := b.maxKey(left)
			if err != nil {
				return false, err
			}
			n.keys[i] = pred
			if err := b.writeNode(n); err != nil {
				return false, err
			}
			return b.delete(left, pred)
		}
		right, err := b.readNode(n.children[i+1])
		if err != nil {
			return false, err
		}
		if len(right.keys) >= b.degree {
			succ, err := b.minKey(right)
			if err != nil {
				return false, err
			}
			n.keys[i] = succ
			if err := b.writeNode(n); err != nil {
				return false, err
			}
			return b.delete(right, succ)
		}
		if err := b.merge(n, i, left, right); err != nil {
			return false, err
		}
		return b.delete(left, rec)
	}

	child, err := b.readNode(n.children[i])
	if err != nil {
		return false, err
	}
	if len(child.keys) < b.degree {
		if child, err = b.fill(n, i, child); err != nil {
			return false, err
		}
	}
	return b.delete(child, rec)
}

// fill brings the child at n.children[i] up to t keys by borrowing from a
// sibling or merging with one. It returns the node that now covers the
// child's key range.
func (b *BTree) fill(n *node, i int, child *node) (*node, error) {
	if i > 0 {
		left, err := b.readNode(n.children[i-1])
		if err != nil {
			return nil, err
		}
		if len(left.keys) >= b.degree {
			last := len(left.keys) - 1
			child.keys = insertAt(child.keys, 0, n.keys[i-1])
			n.keys[i-1] = left.keys[last]
			left.keys = left.keys[:last]
			if !child.leaf() {
				child.children = insertAt(child.children, 0, left.children[last+1])
				left.children = left.children[:last+1]
			}
			return child, b.writeAll(left, child, n)
		}
		if i == len(n.keys) {
			return left, b.merge(n, i-1, left, child)
		}
	}

	right, err := b.readNode(n.children[i+1])
	if err != nil {
		return nil, err
	}
	if len(right.keys) >= b.degree {
		child.keys = append(child.keys, n.keys[i])
		n.keys[i] = right.keys[0]
		right.keys = removeAt(right.keys, 0)
		if !child.leaf() {
			child.children = append(child.children, right.children[0])
			right.children = removeAt(right.children, 0)
		}
		return child, b.writeAll(child, right, n)
	}
	return child, b.merge(n, i, child, right)
}

// merge folds n.keys[i] and right into left and frees right.
func (b *BTree) merge(n *node, i int, left, right *node) error {
	left.keys = append(left.keys, n.keys[i])
	left.keys = append(left.keys, right.keys...)
	if !left.leaf() {
		left.children = append(left.children, right.children...)
	}
	n.keys = removeAt(n.keys, i)
	n.children = removeAt(n.children, i+1)
	if err := b.freeNode(right); err != nil {
		return err
	}
	return b.writeAll(left, n)
}

func (b *BTree) writeAll(nodes ...*node) error {
	for _, n := range nodes {
		if err := b.writeNode(n); err != nil {
			return err
		}
	}
	return nil
}

func (b *BTree) maxKey(n *node) (database.Ptr, error) {
	for !n.leaf() {
		var err error
		if n, err = b.readNode(n.children[len(n.children)-1]); err != nil {
			return database.Null, err
		}
	}
	return n.keys[len(n.keys)-1], nil
}

func (b *BTree) minKey(n *node) (database.Ptr, error) {
	for !n.leaf() {
		var err error
		if n, err = b.readNode(n.children[0]); err != nil {
			return database.Null, err
		}
	}
	return n.keys[0], nil
}

// Validate checks key order, node occupancy and that all leaves sit at the
// same depth.
func (b *BTree) Validate() error {
	rootPtr, err := b.root()
	if err != nil || rootPtr == database.Null {
		return err
	}
	leafDepth := -1
	var prev database.Ptr

	var walk func(p database.Ptr, depth int, isRoot bool) error
	walk = func(p database.Ptr, depth int, isRoot bool) error {
		n, err := b.readNode(p)
		if err != nil {
			return err
		}
		if len(n.keys) == 0 || (!isRoot && len(n.keys) < b.degree-1) {
			return fmt.Errorf("btree: node %d underfull with %d keys", p, len(n.keys))
		}
		if n.leaf() {
			if leafDepth == -1 {
				leafDepth = depth
			} else if leafDepth != depth {
				return fmt.Errorf("btree: leaf %d at depth %d, want %d", p, depth, leafDepth)
			}
		}
		for i := 0; i <= len(n.keys); i++ {
			if !n.leaf() {
				if err := walk(n.children[i], depth+1, false); err != nil {
					return err
				}
			}
			if i == len(n.keys) {
				break
			}
			if prev != database.Null {
				c, err := b.cmp(prev, n.keys[i])
				if err != nil {
					return err
				}
				if c >= 0 {
					return fmt.Errorf("btree: keys %d and %d out of order", prev, n.keys[i])
				}
			}
			prev = n.keys[i]
		}
		return nil
	}
	return walk(rootPtr, 0, true)
}
