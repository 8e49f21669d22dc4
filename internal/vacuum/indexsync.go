package vacuum

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sausheong/vacengine/internal/index"
	"github.com/sausheong/vacengine/internal/storage"
)

// SyncIndexes runs the index synchronizer (spec §4.4), vacuum's third
// pass. New entries for every moved tuple were already inserted
// during Compact (ordering guarantee: an index insert for a
// destination precedes the moved-off write that retires its source),
// so this pass only has stale entries left to remove: ones pointing
// at a reclaimed dead slot, or at a slot a move has since stamped
// moved-off.
//
// liveTupleCount is compared against each index's final entry count
// and only ever produces a warning (spec §7: IndexCountMismatch does
// not abort the pass, it is informational).
func SyncIndexes(hf *storage.HeapFile, indexes []index.Index, reclaim, secondary *VacuumPageList, liveTupleCount uint64, log zerolog.Logger) error {
	for _, idx := range indexes {
		removed := 0
		scan := idx.OpenScan()
		for {
			entry, ok := scan.Next()
			if !ok {
				break
			}
			stale, err := isStaleIndexEntry(hf, reclaim, secondary, entry.HeapTID)
			if err != nil {
				return err
			}
			if !stale {
				continue
			}
			if err := idx.Delete(entry.Key, entry.HeapTID); err != nil {
				return fmt.Errorf("delete stale entry from index %q: %w", idx.Name(), err)
			}
			removed++
		}
		log.Info().Str("index", idx.Name()).Int("removed", removed).Msg("index cleanup pass complete")

		if entries := idx.NumEntries(); uint64(entries) != liveTupleCount {
			log.Warn().Str("index", idx.Name()).Int("entries", entries).
				Uint64("live_tuples", liveTupleCount).Err(ErrIndexCountMismatch).
				Msg("index entry count does not match heap live tuple count")
		}
	}
	return nil
}

// isStaleIndexEntry reports whether tid names a slot an index entry
// should no longer reference: a slot the reclaim list marked unused,
// or a slot on a moved page that now holds nothing (already
// compacted away) or a moved-off tuple.
func isStaleIndexEntry(hf *storage.HeapFile, reclaim, secondary *VacuumPageList, tid storage.TupleID) (bool, error) {
	if desc, ok := reclaim.Find(tid.PageID); ok && desc.HasSlot(tid.SlotNum) {
		return true, nil
	}

	if _, ok := secondary.Find(tid.PageID); !ok {
		return false, nil
	}

	page, err := hf.ReadPage(tid.PageID)
	if err != nil {
		return false, fmt.Errorf("%w: read page %d: %v", ErrPageCorrupt, tid.PageID, err)
	}
	if tid.SlotNum >= page.Header.SlotCount || page.Slots[tid.SlotNum].Length == 0 {
		return true, nil
	}

	data, err := page.GetTuple(tid.SlotNum)
	if err != nil {
		return false, fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, tid.PageID, tid.SlotNum, err)
	}
	h, err := storage.PeekHeader(data)
	if err != nil {
		return false, fmt.Errorf("%w: page %d slot %d: %v", ErrPageCorrupt, tid.PageID, tid.SlotNum, err)
	}
	return h.HasInfomask(storage.InfoMovedOff), nil
}
