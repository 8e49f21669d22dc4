// Package index implements the index access method the vacuum engine
// relies on (spec §6): open_scan/next to walk every entry once per
// pass, delete/insert to keep entries in lockstep with tuple motions,
// and form_key to compute an entry's key from a moved tuple.
package index

import (
	"sync"

	"github.com/sausheong/vacengine/internal/storage"
)

// Entry is one (key, heap pointer) pair surfaced by a full index scan.
type Entry struct {
	Key     interface{}
	HeapTID storage.TupleID
}

// Index is the narrow interface the vacuum engine's index
// synchronizer (spec §4.4) needs from an access method. A *BTree
// wrapped in NamedIndex satisfies it.
type Index interface {
	Name() string
	OpenScan() Scan
	Delete(key interface{}, heapTID storage.TupleID) error
	Insert(key interface{}, heapTID storage.TupleID) error
	FormKey(row storage.Row) interface{}
	NumEntries() int
}

// Scan walks every entry in key order, mirroring a full index scan
// (spec §4.4: "open a full index scan... for each index entry...").
type Scan interface {
	Next() (Entry, bool)
}

// sliceScan adapts AllEntries' eagerly-built slice to the Scan
// interface; a B+-tree index has no cursor state worth streaming
// incrementally for the sizes this engine targets.
type sliceScan struct {
	entries []Entry
	pos     int
}

func (s *sliceScan) Next() (Entry, bool) {
	if s.pos >= len(s.entries) {
		return Entry{}, false
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true
}

// AllEntries returns every (key, TupleID) pair in ascending key order
// by walking the leaf chain left to right.
func (bt *BTree) AllEntries() []Entry {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	node := bt.Root
	for !node.IsLeaf {
		if len(node.Children) == 0 {
			return nil
		}
		node = node.Children[0]
	}

	var entries []Entry
	for node != nil {
		for i, key := range node.Keys {
			entries = append(entries, Entry{Key: key, HeapTID: node.Values[i]})
		}
		node = node.Next
	}
	return entries
}

// KeyFunc computes an index key from a heap row, standing in for the
// catalog-driven "form_key" of spec §6 (which in a full engine would
// consult the index's column list; here the caller supplies it since
// DDL/catalog machinery is out of this core's scope).
type KeyFunc func(row storage.Row) interface{}

// NamedIndex adapts a *BTree plus a key function to the Index
// interface.
type NamedIndex struct {
	name    string
	tree    *BTree
	keyFunc KeyFunc
	mu      sync.Mutex // serializes NumEntries/stats bookkeeping, not the tree itself
}

// NewNamedIndex wraps tree as an Index over the given column's key
// function.
func NewNamedIndex(name string, tree *BTree, keyFunc KeyFunc) *NamedIndex {
	return &NamedIndex{name: name, tree: tree, keyFunc: keyFunc}
}

func (ni *NamedIndex) Name() string { return ni.name }

func (ni *NamedIndex) OpenScan() Scan {
	return &sliceScan{entries: ni.tree.AllEntries()}
}

func (ni *NamedIndex) Delete(key interface{}, heapTID storage.TupleID) error {
	return ni.tree.DeleteValue(key, heapTID)
}

func (ni *NamedIndex) Insert(key interface{}, heapTID storage.TupleID) error {
	return ni.tree.Insert(key, heapTID)
}

func (ni *NamedIndex) FormKey(row storage.Row) interface{} {
	return ni.keyFunc(row)
}

func (ni *NamedIndex) NumEntries() int {
	ni.mu.Lock()
	defer ni.mu.Unlock()
	return ni.tree.Count()
}
