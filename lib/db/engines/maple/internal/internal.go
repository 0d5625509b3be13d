package internal

import (
	"bytes"

	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Item
// --------------------------------------------------------------------------

// Item is one key-value pair of the tree. Items are immutable once they are
// inserted: an update replaces the item, it never modifies it in place. This is
// what allows a cloned tree to share items with the tree it was cloned from.
type Item struct {
	Key   []byte
	Value []byte
}

// Less orders items by key in ascending byte order.
func Less(a, b Item) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// NewItem creates an item holding copies of key and value.
func NewItem(key, value []byte) Item {
	return Item{
		Key:   append(make([]byte, 0, len(key)), key...),
		Value: append(make([]byte, 0, len(value)), value...),
	}
}

// --------------------------------------------------------------------------
// Tree helpers
// --------------------------------------------------------------------------

// Tree is the copy-on-write B-tree holding the items.
type Tree = btree.BTreeG[Item]

// NewTree creates an empty tree with the given degree.
func NewTree(degree int) *Tree {
	return btree.NewG[Item](degree, Less)
}

// PrefixEnd returns the smallest key that is greater than every key starting
// with prefix, or nil if there is no such key (prefix is empty or all 0xff).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// AscendPrefix calls fn for every item whose key starts with prefix, in
// ascending order, until fn returns false.
//
// The tree must not be modified while AscendPrefix runs.
func AscendPrefix(t *Tree, prefix []byte, fn func(item Item) bool) {
	start := Item{Key: prefix}
	if end := PrefixEnd(prefix); end != nil {
		t.AscendRange(start, Item{Key: end}, fn)
		return
	}
	t.AscendGreaterOrEqual(start, fn)
}

// CollectPrefix returns the items whose key starts with prefix. The returned
// slice can be iterated while the tree is modified.
func CollectPrefix(t *Tree, prefix []byte) []Item {
	var items []Item
	AscendPrefix(t, prefix, func(item Item) bool {
		items = append(items, item)
		return true
	})
	return items
}
