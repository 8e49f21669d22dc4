package vacuum

import (
	"fmt"
	"sort"

	"github.com/sausheong/vacengine/internal/storage"
	"github.com/sausheong/vacengine/internal/txn"
)

// tupleClass is the outcome of classifying one tuple against the
// transaction oracle (spec §4.2 step 3).
type tupleClass int

const (
	classLive tupleClass = iota
	classDead
	classRecentlyDead
)

// resolveXmin applies the hint-bit protocol to a tuple's creating
// transaction, mutating h in place when a hint bit gets set for the
// first time.
func resolveXmin(h *storage.TupleHeader, oracle TransactionOracle) (committed, aborted, inProgress, hintChanged bool) {
	if h.HasInfomask(storage.InfoXminInvalid) {
		return false, true, false, false
	}
	if h.HasInfomask(storage.InfoXminCommitted) {
		return true, false, false, false
	}
	switch {
	case oracle.DidCommit(h.Xmin):
		h.Infomask |= storage.InfoXminCommitted
		return true, false, false, true
	case oracle.DidAbort(h.Xmin):
		h.Infomask |= storage.InfoXminInvalid
		return false, true, false, true
	case oracle.InProgress(h.Xmin):
		return false, false, true, false
	default:
		// Neither committed, aborted, nor running: the inserting
		// backend crashed before resolving. Treat as dead.
		h.Infomask |= storage.InfoXminInvalid
		return false, true, false, true
	}
}

// resolveXmax applies the same hint-bit protocol to a tuple's deleting
// transaction. Only meaningful once the caller knows Xmax is set.
func resolveXmax(h *storage.TupleHeader, oracle TransactionOracle) (committed, aborted, inProgress, hintChanged bool) {
	if h.HasInfomask(storage.InfoXmaxInvalid) {
		return false, true, false, false
	}
	if h.HasInfomask(storage.InfoXmaxCommitted) {
		return true, false, false, false
	}
	switch {
	case oracle.DidCommit(h.Xmax):
		h.Infomask |= storage.InfoXmaxCommitted
		return true, false, false, true
	case oracle.DidAbort(h.Xmax):
		h.Infomask |= storage.InfoXmaxInvalid
		return false, true, false, true
	case oracle.InProgress(h.Xmax):
		return false, false, true, false
	default:
		h.Infomask |= storage.InfoXmaxInvalid
		return false, true, false, true
	}
}

// classifyTuple implements spec §4.2 step 3. It returns the tuple's
// classification, whether scanning this tuple blocks compaction for
// the whole relation (MoveBlocked), and whether h's hint bits changed.
func classifyTuple(h *storage.TupleHeader, oracle TransactionOracle, xmaxRecent uint32) (tupleClass, bool, bool) {
	_, xminAborted, xminInProgress, hintChanged := resolveXmin(h, oracle)

	if xminInProgress {
		return classLive, true, hintChanged
	}
	if xminAborted {
		return classDead, false, hintChanged
	}

	if h.Xmax == txn.InvalidTxnID {
		return classLive, false, hintChanged
	}

	_, xmaxAborted, xmaxInProgress, xmaxHintChanged := resolveXmax(h, oracle)
	hintChanged = hintChanged || xmaxHintChanged

	if xmaxInProgress {
		return classLive, true, hintChanged
	}
	if xmaxAborted {
		return classLive, false, hintChanged
	}

	if h.HasInfomask(storage.InfoMarkedForUpdate) {
		h.Xmax = txn.InvalidTxnID
		h.Infomask &^= storage.InfoMarkedForUpdate
		h.Infomask &^= storage.InfoXmaxCommitted
		return classLive, false, true
	}

	if h.Xmax >= xmaxRecent {
		return classRecentlyDead, false, hintChanged
	}
	return classDead, false, hintChanged
}

// minFragmentRun is the minimum live-tuple length that must fit for a
// page to count as fragmented (spec §3: "free space large enough to
// accept the minimum-sized live tuple").
const minFragmentRun = storage.TupleHeaderSize + 1

// Scan runs the heap scanner (spec §4.2), the vacuum pass's first
// pass: it classifies every tuple, sets hint bits, and builds the
// reclaim list, fragmented list, and tuple-link table.
func Scan(hf *storage.HeapFile, oracle TransactionOracle, xmaxRecent uint32) (*RelationStats, *VacuumPageList, *VacuumPageList, error) {
	stats := &RelationStats{}
	reclaim := &VacuumPageList{}
	fragmented := &VacuumPageList{}
	links := GetLinkTable()

	pageCount := hf.GetPageCount()
	lastUsableBlock := storage.PageID(0)
	if pageCount > 0 {
		lastUsableBlock = storage.PageID(pageCount - 1)
	}

	trailingEmptyRun := 0

	for blockNum := storage.PageID(0); blockNum < storage.PageID(pageCount); blockNum++ {
		page, err := hf.ReadPage(blockNum)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: read page %d: %v", ErrPageCorrupt, blockNum, err)
		}

		desc := GetDescriptor(blockNum)
		hintChanged := false
		pageLiveCount := 0
		hasUnusedSlot := false

		for slotNum := uint16(0); slotNum < page.Header.SlotCount; slotNum++ {
			slot := page.Slots[slotNum]
			if slot.Length == 0 {
				hasUnusedSlot = true
				continue
			}

			data, err := page.GetTuple(slotNum)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, blockNum, slotNum, err)
			}

			header, err := storage.PeekHeader(data)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, blockNum, slotNum, err)
			}

			origInfomask := header.Infomask
			cls, blocked, changed := classifyTuple(&header, oracle, xmaxRecent)
			if blocked {
				stats.MoveBlocked = true
			}

			if cls == classDead {
				desc.UnusedSlots = append(desc.UnusedSlots, slotNum)
				hasUnusedSlot = true
				if changed {
					if patched, perr := storage.PatchHeader(data, func(h *storage.TupleHeader) { *h = header }); perr == nil {
						if uerr := page.UpdateTuple(slotNum, patched); uerr == nil {
							hintChanged = true
						}
					}
				}
				continue
			}

			pageLiveCount++
			self := storage.TupleID{PageID: blockNum, SlotNum: slotNum}
			if header.Ctid != self {
				links = append(links, TupleLinkEntry{Successor: header.Ctid, Self: self})
			}
			stats.observe(uint16(len(data)))
			stats.NumTuples++

			if changed && header.Infomask != origInfomask {
				if patched, perr := storage.PatchHeader(data, func(h *storage.TupleHeader) { *h = header }); perr == nil {
					if uerr := page.UpdateTuple(slotNum, patched); uerr == nil {
						hintChanged = true
					}
				}
			}
		}

		// A page that has never held a tuple still belongs on the
		// reclaim list so empty-end-page counting sees it (spec §4.2
		// edge policy: "zero used slots but non-zero free space").
		if page.Header.SlotCount == 0 {
			hasUnusedSlot = true
		}

		desc.FreeBytes = projectedFreeSpace(page, desc.UnusedSlots)

		if hasUnusedSlot {
			reclaim.Append(desc)
		} else {
			PutDescriptor(desc)
		}

		isFragmented := desc.FreeBytes >= minFragmentRun && blockNum != lastUsableBlock
		if hasUnusedSlot && isFragmented {
			fragmented.Append(desc)
		}

		if pageLiveCount == 0 {
			trailingEmptyRun++
		} else {
			trailingEmptyRun = 0
		}

		if hintChanged {
			if err := hf.WritePage(page); err != nil {
				return nil, nil, nil, fmt.Errorf("write hint bits for page %d: %w", blockNum, err)
			}
		}
	}

	reclaim.EmptyEndPages = trailingEmptyRun
	fragmented.EmptyEndPages = 0

	stats.NumPages = pageCount
	links.sortBySuccessor()
	stats.Links = links

	return stats, reclaim, fragmented, nil
}

// projectedFreeSpace computes how much free space page will have once
// its dead slots are reclaimed, without mutating the real page (spec
// §4.2 step 7: "compute the new free-space figure from the temporary
// copy"). It repacks a scratch clone rather than page itself.
func projectedFreeSpace(page *storage.Page, deadSlots []uint16) uint16 {
	if len(deadSlots) == 0 {
		return page.GetFreeSpace()
	}

	clone := &storage.Page{
		Header: page.Header,
		Slots:  append([]storage.Slot(nil), page.Slots...),
		Data:   append([]byte(nil), page.Data...),
	}
	for _, s := range deadSlots {
		if int(s) < len(clone.Slots) {
			clone.Slots[s].Length = 0
		}
	}
	clone.Compact()
	return clone.GetFreeSpace()
}

func (t TupleLinkTable) sortBySuccessor() {
	sort.Slice(t, func(i, j int) bool { return tidLess(t[i].Successor, t[j].Successor) })
}
