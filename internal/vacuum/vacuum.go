// Package vacuum implements the vacuum/reclaim engine: the heap
// scanner, repair/compact engine, index synchronizer, and truncation
// pass that together reclaim dead tuple space without ever holding a
// database-wide lock (spec §1, §2).
package vacuum

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sausheong/vacengine/internal/catalog"
	"github.com/sausheong/vacengine/internal/lockfile"
	"github.com/sausheong/vacengine/internal/txn"
)

// Request is the vacuum(target, verbose, analyze, column-list)
// invocation surface (spec §6). Columns narrows which columns a
// future ANALYZE pass samples; the vacuum engine itself does not
// consult it, but it is threaded through so callers implementing
// ANALYZE on top of this package have it to hand.
type Request struct {
	Target             string
	Verbose            bool
	Analyze            bool
	Columns            []string
	InTransactionBlock bool
}

// RelationReport summarizes one relation's pass (spec §6's verbosity
// switch: "page counts, tuple counts, move counts, and elapsed CPU
// time").
type RelationReport struct {
	Name          string
	NumPages      uint32
	NumTuples     uint64
	Moved         int
	ChainsSkipped int
	MoveBlocked   bool
	Elapsed       time.Duration
}

// Report is the outcome of one vacuum(...) invocation.
type Report struct {
	Relations []RelationReport
	Skipped   []string // relations EnumerateTables found but whose kind is not a table
}

// Run drives the per-pass state machine (spec §4.6):
// Idle -> ListBuilt -> per relation [Scanning -> Compacting? -> IndexSync -> Truncated] -> Idle.
// Compacting is skipped when the fragmented list is empty or the scan
// found a MoveBlocked tuple; IndexSync and Truncated still run, since
// dead slots the scan found are stale for the index regardless of
// whether compaction physically reclaimed them this pass.
func Run(cat *catalog.Catalog, tm *txn.TransactionManager, lockDir string, xmaxRecentLookback uint32, req Request, log zerolog.Logger) (*Report, error) {
	if req.InTransactionBlock {
		return nil, ErrInTransactionBlock
	}

	relations, skipped, err := cat.EnumerateTables(req.Target)
	if err != nil {
		if errors.Is(err, catalog.ErrRelationNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrRelationNotFound, err)
		}
		return nil, err
	}

	report := &Report{Skipped: skipped}
	xmaxRecent := xmaxRecentCutoff(tm, xmaxRecentLookback)

	for _, rel := range relations {
		relLog := log.With().Str("relation", rel.Name).Logger()
		relReport, err := vacuumRelation(cat, tm, lockDir, xmaxRecent, rel, relLog)
		if err != nil {
			return report, fmt.Errorf("vacuum %q: %w", rel.Name, err)
		}
		report.Relations = append(report.Relations, *relReport)
		if req.Verbose {
			relLog.Info().
				Uint32("pages", relReport.NumPages).
				Uint64("tuples", relReport.NumTuples).
				Int("moved", relReport.Moved).
				Dur("elapsed", relReport.Elapsed).
				Msg("vacuum pass complete")
		}
	}

	return report, nil
}

// vacuumRelation runs one relation's Scanning -> Compacting? -> IndexSync -> Truncated
// sequence under the relation's process-wide vacuum lock. The lock
// file is always released on the way out, whatever the outcome (spec
// §5's abort handler requirement).
func vacuumRelation(cat *catalog.Catalog, tm *txn.TransactionManager, lockDir string, xmaxRecent uint32, rel *catalog.Relation, log zerolog.Logger) (*RelationReport, error) {
	started := time.Now()

	lock, err := lockfile.Acquire(lockDir, rel.Name)
	if err != nil {
		if errors.Is(err, lockfile.ErrAnotherVacuumRunning) {
			return nil, fmt.Errorf("%w: %v", ErrAnotherVacuumRunning, err)
		}
		return nil, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to release vacuum lock file")
		}
	}()

	vtxn, err := tm.BeginTransaction()
	if err != nil {
		return nil, fmt.Errorf("begin vacuum transaction: %w", err)
	}

	stats, reclaim, fragmented, err := Scan(rel.Heap, tm, xmaxRecent)
	if err != nil {
		_ = tm.AbortTransaction(vtxn.ID)
		return nil, err
	}

	report := &RelationReport{
		Name:        rel.Name,
		NumPages:    stats.NumPages,
		NumTuples:   stats.NumTuples,
		MoveBlocked: stats.MoveBlocked,
	}

	secondary := &VacuumPageList{}
	if !stats.MoveBlocked && len(fragmented.Pages) > 0 {
		result, err := Compact(rel.Heap, reclaim, fragmented, stats.Links, vtxn, rel.Indexes, xmaxRecent, log)
		if err != nil {
			_ = tm.AbortTransaction(vtxn.ID)
			return nil, err
		}
		secondary = result.SecondaryList
		report.Moved = result.MovedCount
		report.ChainsSkipped = result.ChainsSkipped
	} else if stats.MoveBlocked {
		log.Warn().Msg("an in-progress transaction was observed during scan; compaction disabled for this pass")
	}

	if err := SyncIndexes(rel.Heap, rel.Indexes, reclaim, secondary, stats.NumTuples, log); err != nil {
		_ = tm.AbortTransaction(vtxn.ID)
		return nil, err
	}

	// Spec §9's commit_keeping_locks(): the move transaction commits
	// here, at the scan/compact boundary having already passed, while
	// the relation's share-exclusive lock (modeled here by the still-
	// held lock file) is retained through truncation and stats.
	if err := tm.CommitTransaction(vtxn.ID); err != nil {
		return nil, fmt.Errorf("commit vacuum transaction: %w", err)
	}

	if err := TruncateAndUpdateStats(rel.Heap, cat, rel.Name, stats, reclaim, rel.HasIndex || len(rel.Indexes) > 0, log); err != nil {
		return nil, err
	}

	PutLinkTable(stats.Links)
	report.Elapsed = time.Since(started)
	return report, nil
}

// xmaxRecentCutoff computes the xmax-recent cutoff (spec §3): any
// tuple whose xmax is at or past this identifier is kept as recently
// dead rather than reclaimed, since a backend could still be holding a
// snapshot that needs to see it.
func xmaxRecentCutoff(tm *txn.TransactionManager, lookback uint32) uint32 {
	oldest := tm.GetOldestActiveTransaction()
	if oldest <= lookback {
		return txn.FirstNormalTxnID
	}
	return oldest - lookback
}
