package vacuum

import (
	"testing"

	"github.com/sausheong/vacengine/internal/storage"
	"github.com/sausheong/vacengine/internal/txn"
)

/*
Package: vacengine
Component: Heap Scanner
Layer: Vacuum Engine (pass 1)

Test Coverage:
- Tuple classification against committed/aborted/in-progress xmin/xmax
- Hint bit propagation
- Recently-dead vs reclaimable dead cutoff
- Reclaim list / fragmented list construction
- Trailing empty page counting

Run: go test -v -run 'TestClassifyTuple|TestScan'
*/

// fakeOracle is a hand-rolled TransactionOracle test double: sets of
// committed/aborted xids, everything else counts as in progress.
type fakeOracle struct {
	committed map[uint32]bool
	aborted   map[uint32]bool
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{committed: map[uint32]bool{}, aborted: map[uint32]bool{}}
}

func (f *fakeOracle) DidCommit(xid uint32) bool  { return f.committed[xid] }
func (f *fakeOracle) DidAbort(xid uint32) bool   { return f.aborted[xid] }
func (f *fakeOracle) InProgress(xid uint32) bool { return !f.committed[xid] && !f.aborted[xid] }

func TestClassifyTupleLiveNeverDeleted(t *testing.T) {
	oracle := newFakeOracle()
	oracle.committed[5] = true

	h := storage.TupleHeader{Xmin: 5, Xmax: txn.InvalidTxnID}
	cls, blocked, changed := classifyTuple(&h, oracle, 1000)

	if cls != classLive {
		t.Fatalf("expected classLive, got %v", cls)
	}
	if blocked {
		t.Fatal("did not expect MoveBlocked")
	}
	if !changed {
		t.Fatal("expected xmin-committed hint bit to be newly set")
	}
	if !h.HasInfomask(storage.InfoXminCommitted) {
		t.Error("expected InfoXminCommitted hint bit to be set")
	}
}

func TestClassifyTupleXminInProgressBlocksMove(t *testing.T) {
	oracle := newFakeOracle() // xid 7 neither committed nor aborted: in progress

	h := storage.TupleHeader{Xmin: 7}
	cls, blocked, _ := classifyTuple(&h, oracle, 1000)

	if cls != classLive {
		t.Fatalf("expected classLive for an in-progress inserter, got %v", cls)
	}
	if !blocked {
		t.Fatal("expected MoveBlocked when xmin's inserting transaction is still in progress")
	}
}

func TestClassifyTupleXminAbortedIsDead(t *testing.T) {
	oracle := newFakeOracle()
	oracle.aborted[9] = true

	h := storage.TupleHeader{Xmin: 9}
	cls, blocked, changed := classifyTuple(&h, oracle, 1000)

	if cls != classDead {
		t.Fatalf("expected classDead for a tuple whose inserter aborted, got %v", cls)
	}
	if blocked {
		t.Error("an aborted inserter should never block compaction")
	}
	if !changed || !h.HasInfomask(storage.InfoXminInvalid) {
		t.Error("expected the xmin-invalid hint bit to be set")
	}
}

func TestClassifyTupleDeadPastXmaxRecent(t *testing.T) {
	oracle := newFakeOracle()
	oracle.committed[5] = true
	oracle.committed[50] = true

	h := storage.TupleHeader{Xmin: 5, Xmax: 50}
	cls, blocked, _ := classifyTuple(&h, oracle, 100) // xmaxRecent=100, xmax=50 < 100: reclaimable

	if cls != classDead {
		t.Fatalf("expected classDead, got %v", cls)
	}
	if blocked {
		t.Error("did not expect MoveBlocked")
	}
}

func TestClassifyTupleRecentlyDeadKeptForReaders(t *testing.T) {
	oracle := newFakeOracle()
	oracle.committed[5] = true
	oracle.committed[500] = true

	h := storage.TupleHeader{Xmin: 5, Xmax: 500}
	cls, _, _ := classifyTuple(&h, oracle, 100) // xmax=500 >= xmaxRecent=100: too recent to reclaim

	if cls != classRecentlyDead {
		t.Fatalf("expected classRecentlyDead, got %v", cls)
	}
}

func TestClassifyTupleXmaxInProgressIsLiveAndBlocks(t *testing.T) {
	oracle := newFakeOracle()
	oracle.committed[5] = true
	// xmax 20 neither committed nor aborted: a concurrent delete is in flight

	h := storage.TupleHeader{Xmin: 5, Xmax: 20}
	cls, blocked, _ := classifyTuple(&h, oracle, 1000)

	if cls != classLive {
		t.Fatalf("expected classLive while the deleting transaction is unresolved, got %v", cls)
	}
	if !blocked {
		t.Fatal("expected MoveBlocked while xmax's transaction is still in progress")
	}
}

func TestClassifyTupleMarkedForUpdateClearsXmax(t *testing.T) {
	oracle := newFakeOracle()
	oracle.committed[5] = true
	oracle.committed[20] = true

	h := storage.TupleHeader{Xmin: 5, Xmax: 20, Infomask: storage.InfoMarkedForUpdate}
	cls, _, changed := classifyTuple(&h, oracle, 1000)

	if cls != classLive {
		t.Fatalf("expected classLive for a row lock, got %v", cls)
	}
	if !changed {
		t.Fatal("expected the header to be rewritten")
	}
	if h.Xmax != txn.InvalidTxnID {
		t.Error("expected xmax to be cleared once its transaction resolved")
	}
	if h.HasInfomask(storage.InfoMarkedForUpdate) {
		t.Error("expected the row-lock bit to be cleared")
	}
}

func insertLiveTuple(t *testing.T, hf *storage.HeapFile, xmin uint32, id int) storage.TupleID {
	t.Helper()
	columns := []storage.Column{{Name: "id", Type: "INT"}}
	row := storage.Row{"id": id}
	data, err := storage.SerializeTuple(row, columns, xmin, 0, storage.TupleID{})
	if err != nil {
		t.Fatalf("serialize tuple: %v", err)
	}
	tid, err := hf.InsertTuple(data)
	if err != nil {
		t.Fatalf("insert tuple: %v", err)
	}
	// Ctid defaults to zero-value, not self; patch it so the scanner
	// does not mistake a fresh row for an update-chain member.
	patched, err := storage.PatchHeader(data, func(h *storage.TupleHeader) { h.Ctid = tid })
	if err != nil {
		t.Fatalf("patch ctid: %v", err)
	}
	if err := hf.UpdateTuple(tid, patched); err != nil {
		t.Fatalf("update ctid: %v", err)
	}
	return tid
}

func deadenTuple(t *testing.T, hf *storage.HeapFile, tid storage.TupleID, xmax uint32) {
	t.Helper()
	data, err := hf.GetTuple(tid)
	if err != nil {
		t.Fatalf("get tuple: %v", err)
	}
	patched, err := storage.PatchHeader(data, func(h *storage.TupleHeader) { h.Xmax = xmax })
	if err != nil {
		t.Fatalf("patch xmax: %v", err)
	}
	if err := hf.UpdateTuple(tid, patched); err != nil {
		t.Fatalf("update tuple: %v", err)
	}
}

func TestScanBuildsReclaimAndFragmentedLists(t *testing.T) {
	tmpDir := t.TempDir()
	hf, err := storage.NewHeapFile(tmpDir, "scan_test")
	if err != nil {
		t.Fatalf("new heap file: %v", err)
	}
	defer hf.Close()

	oracle := newFakeOracle()
	oracle.committed[2] = true
	oracle.committed[3] = true

	live := insertLiveTuple(t, hf, 2, 1)
	dead := insertLiveTuple(t, hf, 3, 2)
	deadenTuple(t, hf, dead, 3) // xmax committed, deep in the past: reclaimable
	oracle.committed[3] = true

	stats, reclaim, fragmented, err := Scan(hf, oracle, 1000)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if stats.NumTuples != 1 {
		t.Errorf("expected 1 live tuple counted, got %d", stats.NumTuples)
	}

	desc, ok := reclaim.Find(live.PageID)
	if !ok {
		t.Fatal("expected the page to be on the reclaim list")
	}
	if !desc.HasSlot(dead.SlotNum) {
		t.Error("expected the dead tuple's slot to be recorded as unused")
	}
	if desc.HasSlot(live.SlotNum) {
		t.Error("did not expect the live tuple's slot on the reclaim list")
	}

	// A single page can't be both a move source and destination inside
	// the same pass (it is the last usable block), so it must not be
	// on the fragmented list despite having free space.
	if _, ok := fragmented.Find(live.PageID); ok {
		t.Error("did not expect the last usable block on the fragmented list")
	}
}

func TestScanMarksTrailingEmptyPages(t *testing.T) {
	tmpDir := t.TempDir()
	hf, err := storage.NewHeapFile(tmpDir, "trailing_test")
	if err != nil {
		t.Fatalf("new heap file: %v", err)
	}
	defer hf.Close()

	oracle := newFakeOracle()
	oracle.committed[2] = true

	insertLiveTuple(t, hf, 2, 1)
	for i := 0; i < 2; i++ {
		if _, err := hf.AllocatePage(); err != nil {
			t.Fatalf("allocate page: %v", err)
		}
	}

	_, reclaim, _, err := Scan(hf, oracle, 1000)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if reclaim.EmptyEndPages != 2 {
		t.Errorf("expected 2 trailing empty pages, got %d", reclaim.EmptyEndPages)
	}
}
