package vacuum

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sausheong/vacengine/internal/index"
	"github.com/sausheong/vacengine/internal/storage"
)

// chainMember is one version in an update chain, read off disk once
// while compactChain assembles the full head-to-tail list.
type chainMember struct {
	tid    storage.TupleID
	header storage.TupleHeader
	data   []byte
}

// compactChain moves an entire update chain as one batch (spec §4.3's
// chain-member handling, "Case A"). It assembles the chain head
// (oldest version) to tail (the live, currently-visible version) by
// walking the tuple-link table backward and Ctid forward, validates
// it (every ancestor's Xmax must name its successor's Xmin), reserves
// a destination for every member against the fragmented list, and
// executes the moves tail-first so no reader ever follows a Ctid into
// a slot that has been vacated but not yet reoccupied.
//
// Returns the number of tuples moved, the highest destination block
// touched, and skipped=true when the chain could not move this pass
// (broken, or no room) -- callers count that rather than treat it as
// an error (spec §7: ChainBroken and MoveBlocked are recovered
// locally, not propagated).
func compactChain(hf *storage.HeapFile, self storage.TupleID, selfHeader storage.TupleHeader, links TupleLinkTable, fragmented *VacuumPageList, indexes []index.Index, moveXID uint32, xmaxRecent uint32, affected *affectedSet, log zerolog.Logger) (moved int, maxDest int64, skipped bool, err error) {
	members, broken, err := assembleChain(hf, self, selfHeader, links)
	if err != nil {
		return 0, -1, false, err
	}
	if broken {
		log.Warn().Uint32("page", uint32(self.PageID)).Uint16("slot", self.SlotNum).Msg("update chain broken, skipping move for this pass")
		return 0, -1, true, nil
	}
	if len(members) == 0 {
		return 0, -1, true, nil
	}

	lowestSourceBlock := members[0].tid.PageID
	for _, m := range members {
		if m.tid.PageID < lowestSourceBlock {
			lowestSourceBlock = m.tid.PageID
		}
	}

	reservations := make([]moveReservation, 0, len(members))
	for _, m := range members {
		needed := uint16(len(m.data))
		destBlock, ok := placeTuple(fragmented, lowestSourceBlock, needed)
		if !ok {
			for _, r := range reservations {
				if d, ok := fragmented.Find(r.destBlock); ok {
					d.FreeBytes += r.length + storage.SlotSize
				}
			}
			return 0, -1, true, nil
		}
		reservations = append(reservations, moveReservation{source: m.tid, destBlock: destBlock, length: needed})
	}

	destTIDs := make(map[storage.TupleID]storage.TupleID, len(members))
	highestDest := int64(-1)

	// Place destination copies tail-first: by the time an ancestor's
	// copy is written, its successor's final Ctid is already known, so
	// the copy can be stamped with the real destination instead of a
	// value that needs a second patch later.
	for i := len(members) - 1; i >= 0; i-- {
		m := members[i]
		r := reservations[i]

		destPage, derr := hf.ReadPage(r.destBlock)
		if derr != nil {
			return 0, -1, false, fmt.Errorf("%w: read destination page %d: %v", ErrPageCorrupt, r.destBlock, derr)
		}

		newHeader := m.header
		newHeader.Infomask = (m.header.Infomask &^ storage.InfoMovedOff) | storage.InfoMovedIn
		newHeader.Cmin = moveXID
		if m.header.Ctid == m.tid {
			// Tail: keep pointing at itself once relocated, patched in
			// below once its own destination slot is known.
		} else if newCtid, ok := destTIDs[m.header.Ctid]; ok {
			newHeader.Ctid = newCtid
		}

		placeholder, perr := storage.PatchHeader(m.data, func(hh *storage.TupleHeader) { *hh = newHeader })
		if perr != nil {
			return 0, -1, false, fmt.Errorf("%w: stamp chain member moved-in copy: %v", ErrPageCorrupt, perr)
		}
		placedSlot, ierr := destPage.InsertTuple(placeholder)
		if ierr != nil {
			return 0, -1, false, fmt.Errorf("place chain member on page %d: %w", r.destBlock, ierr)
		}
		destTID := storage.TupleID{PageID: r.destBlock, SlotNum: placedSlot}

		selfPointing := m.header.Ctid == m.tid
		final, ferr := storage.PatchHeader(placeholder, func(hh *storage.TupleHeader) {
			if selfPointing {
				hh.Ctid = destTID
			}
		})
		if ferr != nil {
			return 0, -1, false, fmt.Errorf("%w: finalize chain member: %v", ErrPageCorrupt, ferr)
		}
		if uerr := destPage.UpdateTuple(placedSlot, final); uerr != nil {
			return 0, -1, false, fmt.Errorf("finalize chain member on page %d: %w", r.destBlock, uerr)
		}
		if werr := hf.WritePage(destPage); werr != nil {
			return 0, -1, false, fmt.Errorf("write destination page %d: %w", r.destBlock, werr)
		}
		affected.mark(r.destBlock).MovedInCount++
		destTIDs[m.tid] = destTID

		if tup, terr := storage.DeserializeTuple(final); terr == nil {
			for _, idx := range indexes {
				key := idx.FormKey(tup.Data)
				_ = idx.Insert(key, destTID)
			}
		}

		if int64(r.destBlock) > highestDest {
			highestDest = int64(r.destBlock)
		}
	}

	// Stamp every source slot moved-off now that every destination
	// copy exists and is reachable (spec §9's ordering rule: the
	// index entry and the moved-in copy both precede the moved-off
	// write that retires the original).
	for i := len(members) - 1; i >= 0; i-- {
		m := members[i]
		srcPage, rerr := hf.ReadPage(m.tid.PageID)
		if rerr != nil {
			return 0, -1, false, fmt.Errorf("%w: read source page %d: %v", ErrPageCorrupt, m.tid.PageID, rerr)
		}
		srcBytes, serr := storage.PatchHeader(m.data, func(hh *storage.TupleHeader) {
			hh.Infomask = (m.header.Infomask &^ storage.InfoMovedIn) | storage.InfoMovedOff
			hh.Cmin = moveXID
		})
		if serr != nil {
			return 0, -1, false, fmt.Errorf("%w: stamp chain source moved-off: %v", ErrPageCorrupt, serr)
		}
		if uerr := srcPage.UpdateTuple(m.tid.SlotNum, srcBytes); uerr != nil {
			return 0, -1, false, fmt.Errorf("stamp chain source slot %d on page %d: %w", m.tid.SlotNum, m.tid.PageID, uerr)
		}
		if werr := hf.WritePage(srcPage); werr != nil {
			return 0, -1, false, fmt.Errorf("write source page %d: %w", m.tid.PageID, werr)
		}
		affected.mark(m.tid.PageID)
	}

	return len(members), highestDest, false, nil
}

// assembleChain collects every version of an update chain, ordered
// head (oldest) to tail (the live, currently-visible version). broken
// reports a chain-integrity violation the caller should log and skip.
func assembleChain(hf *storage.HeapFile, self storage.TupleID, selfHeader storage.TupleHeader, links TupleLinkTable) ([]chainMember, bool, error) {
	selfData, err := readTupleAt(hf, self)
	if err != nil {
		return nil, false, err
	}

	byTID := map[storage.TupleID]chainMember{self: {tid: self, header: selfHeader, data: selfData}}
	order := []storage.TupleID{self}

	head := self
	headHeader := selfHeader
	for {
		pred, ok := links.Lookup(head)
		if !ok {
			break
		}
		if _, seen := byTID[pred]; seen {
			break // defensive: a cyclic link table would otherwise loop forever
		}
		predData, err := readTupleAt(hf, pred)
		if err != nil {
			return nil, false, err
		}
		predHeader, err := storage.PeekHeader(predData)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrPageCorrupt, err)
		}
		if predHeader.HasInfomask(storage.InfoMovedOff) {
			// Already retired by an earlier move this same pass; the
			// chain it belonged to has already been relocated.
			return nil, true, nil
		}
		if predHeader.Xmax != headHeader.Xmin {
			return nil, true, nil
		}
		byTID[pred] = chainMember{tid: pred, header: predHeader, data: predData}
		order = append([]storage.TupleID{pred}, order...)
		head = pred
		headHeader = predHeader
	}

	cursor := self
	cursorHeader := selfHeader
	for cursorHeader.Ctid != cursor {
		next := cursorHeader.Ctid
		if _, seen := byTID[next]; seen {
			break
		}
		nextData, err := readTupleAt(hf, next)
		if err != nil {
			return nil, false, err
		}
		nextHeader, err := storage.PeekHeader(nextData)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrPageCorrupt, err)
		}
		if nextHeader.HasInfomask(storage.InfoMovedOff) {
			// Already retired by an earlier move this same pass; the
			// chain it belonged to has already been relocated.
			return nil, true, nil
		}
		if cursorHeader.Xmax != nextHeader.Xmin {
			return nil, true, nil
		}
		byTID[next] = chainMember{tid: next, header: nextHeader, data: nextData}
		order = append(order, next)
		cursor = next
		cursorHeader = nextHeader
	}

	members := make([]chainMember, len(order))
	for i, tid := range order {
		members[i] = byTID[tid]
	}
	return members, false, nil
}

func readTupleAt(hf *storage.HeapFile, tid storage.TupleID) ([]byte, error) {
	page, err := hf.ReadPage(tid.PageID)
	if err != nil {
		return nil, fmt.Errorf("%w: read page %d: %v", ErrPageCorrupt, tid.PageID, err)
	}
	data, err := page.GetTuple(tid.SlotNum)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, tid.PageID, tid.SlotNum, err)
	}
	return data, nil
}

// postMovePass is the pass the compaction engine runs once its move
// batch has been flushed (spec §9's "commit_keeping_locks" follow-up):
// every page a move touched gets re-read, and any tuple this move
// transaction stamped gets its hint bits finalized as though the move
// had been observed as committed -- moved-in copies become
// xmin-committed, moved-off originals become xmin-invalid. A page
// whose observed moved-in count disagrees with what Compact recorded
// is logged, not failed; the count is an optimization for the index
// synchronizer, not a correctness gate.
func postMovePass(hf *storage.HeapFile, secondary *VacuumPageList, moveXID uint32, log zerolog.Logger) error {
	for _, desc := range secondary.Pages {
		page, err := hf.ReadPage(desc.Block)
		if err != nil {
			return fmt.Errorf("%w: read page %d in post-move pass: %v", ErrPageCorrupt, desc.Block, err)
		}

		observedMovedIn := 0
		dirty := false

		for slotNum := uint16(0); slotNum < page.Header.SlotCount; slotNum++ {
			if page.Slots[slotNum].Length == 0 {
				continue
			}
			data, err := page.GetTuple(slotNum)
			if err != nil {
				return fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, desc.Block, slotNum, err)
			}
			h, err := storage.PeekHeader(data)
			if err != nil {
				return fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, desc.Block, slotNum, err)
			}
			if h.Cmin != moveXID {
				continue
			}

			switch {
			case h.HasInfomask(storage.InfoMovedIn):
				observedMovedIn++
				patched, perr := storage.PatchHeader(data, func(hh *storage.TupleHeader) {
					hh.Infomask |= storage.InfoXminCommitted
					hh.Infomask &^= storage.InfoXminInvalid
				})
				if perr != nil {
					return fmt.Errorf("%w: finalize moved-in tuple: %v", ErrPageCorrupt, perr)
				}
				if uerr := page.UpdateTuple(slotNum, patched); uerr != nil {
					return fmt.Errorf("finalize moved-in slot %d on page %d: %w", slotNum, desc.Block, uerr)
				}
				dirty = true
			case h.HasInfomask(storage.InfoMovedOff):
				patched, perr := storage.PatchHeader(data, func(hh *storage.TupleHeader) {
					hh.Infomask |= storage.InfoXminInvalid
				})
				if perr != nil {
					return fmt.Errorf("%w: finalize moved-off tuple: %v", ErrPageCorrupt, perr)
				}
				if uerr := page.UpdateTuple(slotNum, patched); uerr != nil {
					return fmt.Errorf("finalize moved-off slot %d on page %d: %w", slotNum, desc.Block, uerr)
				}
				dirty = true
			default:
				return fmt.Errorf("%w: page %d slot %d carries this pass's move xid but neither moved-in nor moved-off", ErrPageCorrupt, desc.Block, slotNum)
			}
		}

		if desc.MovedInCount != 0 && observedMovedIn != desc.MovedInCount {
			log.Warn().Uint32("page", uint32(desc.Block)).Int("expected", desc.MovedInCount).Int("observed", observedMovedIn).Msg("moved-in tuple count mismatch during post-move pass")
		}

		if dirty {
			if err := hf.WritePage(page); err != nil {
				return fmt.Errorf("write page %d in post-move pass: %w", desc.Block, err)
			}
		}
	}

	if err := hf.Flush(); err != nil {
		return fmt.Errorf("flush post-move pass: %w", err)
	}
	return nil
}
