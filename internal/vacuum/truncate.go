package vacuum

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sausheong/vacengine/internal/catalog"
	"github.com/sausheong/vacengine/internal/storage"
)

// TruncateAndUpdateStats runs vacuum's final pass (spec §4.5): flush
// every dirty buffer, drop the relation's trailing empty pages, and
// overwrite its statistics row in place. The stats row is written
// last, once truncation has actually shrunk the file, so a concurrent
// reader never observes a page count the file itself does not back.
func TruncateAndUpdateStats(hf *storage.HeapFile, cat *catalog.Catalog, relName string, stats *RelationStats, reclaim *VacuumPageList, hasIndex bool, log zerolog.Logger) error {
	if err := hf.Flush(); err != nil {
		return fmt.Errorf("flush before truncation: %w", err)
	}

	pageCount := hf.GetPageCount()
	emptyEnd := uint32(reclaim.EmptyEndPages)
	if emptyEnd > pageCount {
		emptyEnd = pageCount
	}
	newPageCount := pageCount - emptyEnd

	if emptyEnd > 0 {
		if err := hf.TruncateTo(newPageCount); err != nil {
			return fmt.Errorf("truncate trailing empty pages: %w", err)
		}
		log.Info().Str("relation", relName).Uint32("pages_dropped", emptyEnd).Uint32("pages_remaining", newPageCount).Msg("trailing pages truncated")
	}

	if err := cat.UpdateStatsRowInPlace(relName, newPageCount, stats.NumTuples, hasIndex); err != nil {
		return fmt.Errorf("update statistics for %s: %w", relName, err)
	}
	log.Info().Str("relation", relName).Uint32("pages", newPageCount).Uint64("tuples", stats.NumTuples).Msg("statistics row overwritten")

	return nil
}
