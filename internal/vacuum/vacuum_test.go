package vacuum

import (
	"errors"
	"testing"

	"github.com/sausheong/vacengine/internal/catalog"
	"github.com/sausheong/vacengine/internal/index"
	"github.com/sausheong/vacengine/internal/storage"
	"github.com/sausheong/vacengine/internal/txn"
)

/*
Package: vacengine
Component: Per-pass State Machine / vacuum(...) entry point
Layer: Vacuum Engine (top level)

Test Coverage:
- End-to-end Scanning -> IndexSync -> Truncated run against a small relation
- InTransactionBlock rejection
- Unknown relation surfaces RelationNotFound

Run: go test -v -run TestRun
*/

func TestRunRejectsInsideTransactionBlock(t *testing.T) {
	cat := catalog.New(t.TempDir())
	tm := txn.NewTransactionManager()

	_, err := Run(cat, tm, t.TempDir(), 0, Request{InTransactionBlock: true}, discardLogger())
	if !errors.Is(err, ErrInTransactionBlock) {
		t.Fatalf("expected ErrInTransactionBlock, got %v", err)
	}
}

func TestRunUnknownRelation(t *testing.T) {
	cat := catalog.New(t.TempDir())
	tm := txn.NewTransactionManager()

	_, err := Run(cat, tm, t.TempDir(), 0, Request{Target: "nope"}, discardLogger())
	if !errors.Is(err, ErrRelationNotFound) {
		t.Fatalf("expected ErrRelationNotFound, got %v", err)
	}
}

func TestRunEndToEndScanIndexSyncTruncate(t *testing.T) {
	dataDir := t.TempDir()
	hf, err := storage.NewHeapFile(dataDir, "orders")
	if err != nil {
		t.Fatalf("new heap file: %v", err)
	}
	defer hf.Close()

	tm := txn.NewTransactionManager()
	insertXid, err := tm.BeginTransaction()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tm.CommitTransaction(insertXid.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	deleteXid, err := tm.BeginTransaction()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tm.CommitTransaction(deleteXid.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}

	liveTID := insertLiveTuple(t, hf, insertXid.ID, 1)
	deadTID := insertLiveTuple(t, hf, insertXid.ID, 2)
	deadenTuple(t, hf, deadTID, deleteXid.ID)

	idx := newIDIndex(t)
	if err := idx.Insert(1, liveTID); err != nil {
		t.Fatalf("index insert: %v", err)
	}
	if err := idx.Insert(2, deadTID); err != nil {
		t.Fatalf("index insert: %v", err)
	}

	cat := catalog.New(dataDir)
	cat.Register(&catalog.Relation{
		Name:     "orders",
		Heap:     hf,
		Indexes:  []index.Index{idx},
		HasIndex: true,
	})

	lockDir := t.TempDir()
	report, err := Run(cat, tm, lockDir, 0, Request{Target: "orders"}, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(report.Relations) != 1 {
		t.Fatalf("expected 1 relation report, got %d", len(report.Relations))
	}
	rr := report.Relations[0]
	if rr.NumTuples != 1 {
		t.Errorf("expected 1 live tuple counted, got %d", rr.NumTuples)
	}
	if rr.MoveBlocked {
		t.Error("did not expect MoveBlocked with no in-progress transactions")
	}

	if idx.NumEntries() != 1 {
		t.Errorf("expected the dead tuple's index entry pruned, got %d entries", idx.NumEntries())
	}

	updatedRel, err := cat.Get("orders")
	if err != nil {
		t.Fatalf("get relation: %v", err)
	}
	if updatedRel.NumTuples != 1 {
		t.Errorf("expected the stats row to read 1 tuple, got %d", updatedRel.NumTuples)
	}
}
