package vacuum

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sausheong/vacengine/internal/index"
	"github.com/sausheong/vacengine/internal/storage"
)

// moveReservation is a planned (source tuple, destination page) pair,
// produced while greedily placing a chain against the fragmented list
// (spec §4.3: "Collect the chain as a list of (source-tid,
// chosen-destination-page) reservations").
type moveReservation struct {
	source    storage.TupleID
	destBlock storage.PageID
	length    uint16
}

// CompactResult carries the outputs of the repair/compact engine a
// caller needs for index sync and the post-move pass.
type CompactResult struct {
	SecondaryList *VacuumPageList // list N: pages touched by moves, re-scanned for index cleanup and the post-move pass
	MovedCount    int
	ChainsSkipped int
}

// affectedSet tracks every page a move touches (source or
// destination) so the post-move pass and the second index-sync pass
// can find them, without requiring the blocks to be discovered in
// ascending order the way the scan-built lists are.
type affectedSet struct {
	byBlock map[storage.PageID]*PageDescriptor
}

func newAffectedSet() *affectedSet {
	return &affectedSet{byBlock: make(map[storage.PageID]*PageDescriptor)}
}

func (a *affectedSet) mark(block storage.PageID) *PageDescriptor {
	if d, ok := a.byBlock[block]; ok {
		return d
	}
	d := &PageDescriptor{Block: block}
	a.byBlock[block] = d
	return d
}

func (a *affectedSet) toPageList() *VacuumPageList {
	list := &VacuumPageList{}
	for _, d := range a.byBlock {
		list.Append(d)
	}
	// Find/binary search over the secondary list requires ascending
	// block order, same invariant the scan-built lists carry.
	for i := 1; i < len(list.Pages); i++ {
		for j := i; j > 0 && list.Pages[j].Block < list.Pages[j-1].Block; j-- {
			list.Pages[j], list.Pages[j-1] = list.Pages[j-1], list.Pages[j]
		}
	}
	return list
}

// Compact runs the repair/compact engine (spec §4.3), vacuum's second
// pass. It moves live tuples from high-numbered pages onto pages in
// fragmented with free space, preserving update-chain integrity, then
// performs the post-move pass that finalizes moved-off/moved-in
// tuples as though they had been committed and observed.
//
// Precondition: fragmented is non-empty; callers skip straight to
// index sync otherwise (spec §4.6's Scanning -> IndexSync transition).
func Compact(hf *storage.HeapFile, reclaim, fragmented *VacuumPageList, links TupleLinkTable, vtxn VacuumTransaction, indexes []index.Index, xmaxRecent uint32, log zerolog.Logger) (*CompactResult, error) {
	result := &CompactResult{}
	moveXID := vtxn.CurrentXID()
	affected := newAffectedSet()

	pageCount := hf.GetPageCount()
	if pageCount == 0 {
		result.SecondaryList = affected.toPageList()
		return result, nil
	}

	emptyEnd := uint32(reclaim.EmptyEndPages)
	if emptyEnd > pageCount {
		emptyEnd = pageCount
	}
	if emptyEnd >= pageCount {
		// Every page in the relation is trailing-empty; there is
		// nothing above the empty run to compact.
		result.SecondaryList = affected.toPageList()
		return result, nil
	}
	topBlock := storage.PageID(pageCount - 1 - emptyEnd)
	lastMoveDestBlock := int64(-1)

	for srcBlock := topBlock; ; srcBlock-- {
		if int64(srcBlock) <= lastMoveDestBlock {
			break
		}

		page, err := hf.ReadPage(srcBlock)
		if err != nil {
			return nil, fmt.Errorf("%w: read source page %d: %v", ErrPageCorrupt, srcBlock, err)
		}

		if desc, ok := reclaim.Find(srcBlock); ok {
			for _, slot := range desc.UnusedSlots {
				_ = page.DeleteTuple(slot)
			}
			fragmented.Remove(srcBlock)
		}

		movedAway := false

		for slotNum := uint16(0); slotNum < page.Header.SlotCount; slotNum++ {
			if page.Slots[slotNum].Length == 0 {
				continue
			}

			data, err := page.GetTuple(slotNum)
			if err != nil {
				return nil, fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, srcBlock, slotNum, err)
			}
			tup, err := storage.DeserializeTuple(data)
			if err != nil {
				return nil, fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, srcBlock, slotNum, err)
			}
			h := tup.Header
			self := storage.TupleID{PageID: srcBlock, SlotNum: slotNum}

			if h.HasInfomask(storage.InfoMovedOff) {
				// Case C: already retired by an earlier chain move on
				// this very page. Leave it marked, do not recount it.
				continue
			}

			_, hasPredecessor := links.Lookup(self)
			isChainMember := (h.HasInfomask(storage.InfoUpdated) && h.Xmin >= xmaxRecent) ||
				(!h.HasInfomask(storage.InfoXmaxInvalid) && h.Ctid != self) ||
				hasPredecessor

			if isChainMember {
				movedTuples, maxDest, skipped, err := compactChain(hf, self, h, links, fragmented, indexes, moveXID, xmaxRecent, affected, log)
				if err != nil {
					return nil, err
				}
				if skipped {
					result.ChainsSkipped++
					continue
				}
				result.MovedCount += movedTuples
				if movedTuples > 0 {
					movedAway = true
					lastMoveDestBlock = maxInt64(lastMoveDestBlock, maxDest)
				}
				continue
			}

			// Case B: ordinary live tuple.
			destBlock, ok := placeTuple(fragmented, srcBlock, uint16(len(data)))
			if !ok {
				break // no room left; rest of this page stays put
			}

			destPage, err := hf.ReadPage(destBlock)
			if err != nil {
				return nil, fmt.Errorf("%w: read destination page %d: %v", ErrPageCorrupt, destBlock, err)
			}

			placeholder, err := storage.PatchHeader(data, func(hh *storage.TupleHeader) {
				hh.Infomask = (h.Infomask &^ storage.InfoMovedOff) | storage.InfoMovedIn
				hh.Cmin = moveXID
			})
			if err != nil {
				return nil, fmt.Errorf("%w: stamp moved-in copy: %v", ErrPageCorrupt, err)
			}
			placedSlot, err := destPage.InsertTuple(placeholder)
			if err != nil {
				return nil, fmt.Errorf("place moved tuple on page %d: %w", destBlock, err)
			}
			destTID := storage.TupleID{PageID: destBlock, SlotNum: placedSlot}

			final, err := storage.PatchHeader(placeholder, func(hh *storage.TupleHeader) { hh.Ctid = destTID })
			if err != nil {
				return nil, fmt.Errorf("%w: finalize moved-in copy: %v", ErrPageCorrupt, err)
			}
			if err := destPage.UpdateTuple(placedSlot, final); err != nil {
				return nil, fmt.Errorf("finalize moved tuple on page %d: %w", destBlock, err)
			}
			if err := hf.WritePage(destPage); err != nil {
				return nil, fmt.Errorf("write destination page %d: %w", destBlock, err)
			}
			affected.mark(destBlock).MovedInCount++

			for _, idx := range indexes {
				key := idx.FormKey(tup.Data)
				_ = idx.Insert(key, destTID)
			}

			srcBytes, err := storage.PatchHeader(data, func(hh *storage.TupleHeader) {
				hh.Infomask = (h.Infomask &^ storage.InfoMovedIn) | storage.InfoMovedOff
				hh.Cmin = moveXID
			})
			if err != nil {
				return nil, fmt.Errorf("%w: stamp moved-off source: %v", ErrPageCorrupt, err)
			}
			if err := page.UpdateTuple(slotNum, srcBytes); err != nil {
				return nil, fmt.Errorf("stamp source slot %d on page %d: %w", slotNum, srcBlock, err)
			}

			movedAway = true
			result.MovedCount++
			lastMoveDestBlock = maxInt64(lastMoveDestBlock, int64(destBlock))
		}

		if movedAway {
			affected.mark(srcBlock)
			if err := hf.WritePage(page); err != nil {
				return nil, fmt.Errorf("write source page %d: %w", srcBlock, err)
			}
		}

		if srcBlock == 0 {
			break
		}
	}

	if err := hf.Flush(); err != nil {
		return nil, fmt.Errorf("flush move batch: %w", err)
	}
	log.Info().Int("moved", result.MovedCount).Int("chains_skipped", result.ChainsSkipped).Msg("compaction move batch committed")

	result.SecondaryList = affected.toPageList()

	if err := postMovePass(hf, result.SecondaryList, moveXID, log); err != nil {
		return nil, err
	}

	return result, nil
}

// placeTuple finds the first fragmented page (ascending block order)
// with room for length bytes and a block number below srcBlock (move
// monotonicity), and reserves the space.
func placeTuple(fragmented *VacuumPageList, srcBlock storage.PageID, length uint16) (storage.PageID, bool) {
	needed := length + storage.SlotSize
	for _, d := range fragmented.Pages {
		if d.Block >= srcBlock {
			continue
		}
		if d.FreeBytes >= needed {
			d.FreeBytes -= needed
			return d.Block, true
		}
	}
	return 0, false
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
