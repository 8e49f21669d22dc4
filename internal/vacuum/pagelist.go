package vacuum

import "github.com/sausheong/vacengine/internal/storage"

// PageDescriptor is the per-page scratch record scan and compaction
// thread through the pass (spec §3): which page, how much free space
// it has (or will have once its dead slots are applied), how many
// tuples have been moved onto it this pass, and which of its slots are
// to be marked unused.
type PageDescriptor struct {
	Block        storage.PageID
	FreeBytes    uint16
	MovedInCount int
	UnusedSlots  []uint16
}

// HasSlot reports whether slot is recorded as unused on this page,
// the check the index synchronizer makes for every index entry it
// walks (spec §4.4).
func (d *PageDescriptor) HasSlot(slot uint16) bool {
	for _, s := range d.UnusedSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// VacuumPageList is an ordered record of page descriptors plus the
// trailing-empty-pages counter (spec §3). Both the reclaim list and
// the fragmented list are instances of this type; blocks are always
// strictly ascending.
type VacuumPageList struct {
	Pages          []*PageDescriptor
	EmptyEndPages  int
}

// Append adds a descriptor. Callers supply descriptors in ascending
// block order (the scanner walks the file forward), preserving the
// strictly-ascending invariant without needing to sort here.
func (l *VacuumPageList) Append(d *PageDescriptor) {
	l.Pages = append(l.Pages, d)
}

// Find binary-searches for the descriptor at block, mirroring the
// index synchronizer's "binary-search the supplied page list for the
// block number" step (spec §4.4).
func (l *VacuumPageList) Find(block storage.PageID) (*PageDescriptor, bool) {
	lo, hi := 0, len(l.Pages)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.Pages[mid].Block < block {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(l.Pages) && l.Pages[lo].Block == block {
		return l.Pages[lo], true
	}
	return nil, false
}

// Remove drops the descriptor for block, if present. The compaction
// engine removes a source page from the fragmented list once it has
// become a source rather than a destination (spec §4.3 step 1).
func (l *VacuumPageList) Remove(block storage.PageID) {
	for i, d := range l.Pages {
		if d.Block == block {
			l.Pages = append(l.Pages[:i], l.Pages[i+1:]...)
			return
		}
	}
}

// TupleLinkEntry records that the tuple at Self is the predecessor of
// whatever lives at Successor in an update chain (spec §3: "(successor
// ctid, self-tid)").
type TupleLinkEntry struct {
	Successor storage.TupleID
	Self      storage.TupleID
}

// TupleLinkTable is sorted by Successor after the scan completes, so
// the compaction engine can walk a chain backward by binary search
// instead of chasing pointers (spec §9's "index-by-tid relation").
type TupleLinkTable []TupleLinkEntry

// Lookup finds the predecessor of successor, if the scan recorded one.
func (t TupleLinkTable) Lookup(successor storage.TupleID) (storage.TupleID, bool) {
	lo, hi := 0, len(t)
	for lo < hi {
		mid := (lo + hi) / 2
		if tidLess(t[mid].Successor, successor) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(t) && t[lo].Successor == successor {
		return t[lo].Self, true
	}
	return storage.TupleID{}, false
}

func tidLess(a, b storage.TupleID) bool {
	if a.PageID != b.PageID {
		return a.PageID < b.PageID
	}
	return a.SlotNum < b.SlotNum
}

// RelationStats accumulates the per-relation counters a vacuum pass
// produces (spec §3): final page/tuple counts, live-tuple length
// extremes, whether the relation has any index, and the tuple-link
// table the compaction engine consumes.
type RelationStats struct {
	NumPages     uint32
	NumTuples    uint64
	MinTupleLen  uint16
	MaxTupleLen  uint16
	HasIndex     bool
	Links        TupleLinkTable
	MovedCount   int
	MoveBlocked  bool
}

func (s *RelationStats) observe(length uint16) {
	if s.MinTupleLen == 0 || length < s.MinTupleLen {
		s.MinTupleLen = length
	}
	if length > s.MaxTupleLen {
		s.MaxTupleLen = length
	}
}
