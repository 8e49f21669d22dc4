package vacuum

import (
	"testing"

	"github.com/sausheong/vacengine/internal/index"
	"github.com/sausheong/vacengine/internal/storage"
)

/*
Package: vacengine
Component: Update Chain Compaction
Layer: Vacuum Engine (pass 2, chain handling)

Test Coverage:
- assembleChain walks the link table backward and Ctid forward
- A chain-integrity violation is reported as broken, not an error
- compactChain moves every version of a chain as one batch
- Chain moves respect move monotonicity via the chain's lowest source block

Run: go test -v -run 'TestAssembleChain|TestCompactChain'
*/

func writeChainVersionOnPage(t *testing.T, hf *storage.HeapFile, pageID storage.PageID, xmin, xmax uint32, ctid storage.TupleID, infomask uint16) storage.TupleID {
	t.Helper()
	for hf.GetPageCount() <= uint32(pageID) {
		if _, err := hf.AllocatePage(); err != nil {
			t.Fatalf("allocate page: %v", err)
		}
	}
	page, err := hf.ReadPage(pageID)
	if err != nil {
		t.Fatalf("read page %d: %v", pageID, err)
	}
	header := storage.TupleHeader{Xmin: xmin, Xmax: xmax, Infomask: infomask}
	data, err := storage.SerializeTupleWithHeader(storage.Row{"id": 1}, idColumns, header)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	slotNum, err := page.InsertTuple(data)
	if err != nil {
		t.Fatalf("insert on page %d: %v", pageID, err)
	}
	tid := storage.TupleID{PageID: pageID, SlotNum: slotNum}
	resolvedCtid := ctid
	if resolvedCtid == (storage.TupleID{}) {
		resolvedCtid = tid
	}
	final, err := storage.PatchHeader(data, func(h *storage.TupleHeader) { h.Ctid = resolvedCtid })
	if err != nil {
		t.Fatalf("patch ctid: %v", err)
	}
	if err := page.UpdateTuple(slotNum, final); err != nil {
		t.Fatalf("update ctid: %v", err)
	}
	if err := hf.WritePage(page); err != nil {
		t.Fatalf("write page %d: %v", pageID, err)
	}
	return tid
}

func TestAssembleChainWalksBackwardAndForward(t *testing.T) {
	tmpDir := t.TempDir()
	hf, err := storage.NewHeapFile(tmpDir, "assemble_test")
	if err != nil {
		t.Fatalf("new heap file: %v", err)
	}
	defer hf.Close()

	// t0 (head, superseded): xmax=50 names t1's xmin.
	// t1 (tail, live): self-pointing ctid.
	t1 := writeChainVersionOnPage(t, hf, 1, 50, 0, storage.TupleID{}, 0)
	t0 := writeChainVersionOnPage(t, hf, 0, 2, 50, t1, storage.InfoUpdated)

	links := TupleLinkTable{{Successor: t1, Self: t0}}
	t1Data, err := hf.GetTuple(t1)
	if err != nil {
		t.Fatalf("get t1: %v", err)
	}
	t1Header, err := storage.PeekHeader(t1Data)
	if err != nil {
		t.Fatalf("peek t1 header: %v", err)
	}

	members, broken, err := assembleChain(hf, t1, t1Header, links)
	if err != nil {
		t.Fatalf("assembleChain: %v", err)
	}
	if broken {
		t.Fatal("did not expect the chain to be reported broken")
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 chain members, got %d", len(members))
	}
	if members[0].tid != t0 || members[1].tid != t1 {
		t.Errorf("expected head-to-tail order [t0, t1], got [%v, %v]", members[0].tid, members[1].tid)
	}

	// Starting from the head instead, the tail is reached by the
	// forward Ctid walk.
	t0Data, err := hf.GetTuple(t0)
	if err != nil {
		t.Fatalf("get t0: %v", err)
	}
	t0Header, err := storage.PeekHeader(t0Data)
	if err != nil {
		t.Fatalf("peek t0 header: %v", err)
	}
	members, broken, err = assembleChain(hf, t0, t0Header, links)
	if err != nil || broken || len(members) != 2 {
		t.Fatalf("expected the forward walk from t0 to find 2 members, got %d (broken=%v, err=%v)", len(members), broken, err)
	}
	if members[0].tid != t0 || members[1].tid != t1 {
		t.Errorf("expected head-to-tail order [t0, t1] from the head, got [%v, %v]", members[0].tid, members[1].tid)
	}
}

func TestAssembleChainDetectsBrokenLink(t *testing.T) {
	tmpDir := t.TempDir()
	hf, err := storage.NewHeapFile(tmpDir, "broken_test")
	if err != nil {
		t.Fatalf("new heap file: %v", err)
	}
	defer hf.Close()

	t1 := writeChainVersionOnPage(t, hf, 1, 50, 0, storage.TupleID{}, 0)
	// t0's xmax (99) does not match t1's xmin (50): corrupted link.
	t0 := writeChainVersionOnPage(t, hf, 0, 2, 99, t1, storage.InfoUpdated)

	links := TupleLinkTable{{Successor: t1, Self: t0}}
	t1Data, _ := hf.GetTuple(t1)
	t1Header, _ := storage.PeekHeader(t1Data)

	_, broken, err := assembleChain(hf, t1, t1Header, links)
	if err != nil {
		t.Fatalf("assembleChain: %v", err)
	}
	if !broken {
		t.Fatal("expected a mismatched xmax/xmin pair to be reported broken")
	}
}

func TestCompactChainMovesWholeChainTailFirst(t *testing.T) {
	tmpDir := t.TempDir()
	hf, err := storage.NewHeapFile(tmpDir, "chain_move_test")
	if err != nil {
		t.Fatalf("new heap file: %v", err)
	}
	defer hf.Close()

	// Both versions live on high-numbered pages (2, 3); the only
	// fragmented destination is page 0, well below either source.
	t1 := writeChainVersionOnPage(t, hf, 3, 50, 0, storage.TupleID{}, 0)
	t0 := writeChainVersionOnPage(t, hf, 2, 2, 50, t1, storage.InfoUpdated)

	links := TupleLinkTable{{Successor: t1, Self: t0}}
	t1Data, _ := hf.GetTuple(t1)
	t1Header, _ := storage.PeekHeader(t1Data)

	fragmented := &VacuumPageList{}
	fragmented.Append(&PageDescriptor{Block: 0, FreeBytes: 4000})

	idx := newIDIndex(t)
	affected := newAffectedSet()

	moved, maxDest, skipped, err := compactChain(hf, t1, t1Header, links, fragmented, []index.Index{idx}, 100, 1000, affected, discardLogger())
	if err != nil {
		t.Fatalf("compactChain: %v", err)
	}
	if skipped {
		t.Fatal("did not expect the chain move to be skipped")
	}
	if moved != 2 {
		t.Fatalf("expected both chain versions moved, got %d", moved)
	}
	if maxDest != 0 {
		t.Errorf("expected the only destination block (0) to be the max, got %d", maxDest)
	}

	if idx.NumEntries() != 2 {
		t.Errorf("expected one index entry per moved chain version, got %d", idx.NumEntries())
	}

	destDesc, ok := affected.byBlock[0]
	if !ok || destDesc.MovedInCount != 2 {
		t.Fatalf("expected destination block 0 to record 2 moved-in tuples")
	}

	// Tail first: the tail's copy (xmin 50) takes destination slot 0,
	// and the head's copy (xmin 2) in slot 1 points at it.
	destPage, err := hf.ReadPage(0)
	if err != nil {
		t.Fatalf("read destination page: %v", err)
	}
	tailCopy, _ := destPage.GetTuple(0)
	headCopy, _ := destPage.GetTuple(1)
	tailHeader, terr := storage.PeekHeader(tailCopy)
	headHeader, herr := storage.PeekHeader(headCopy)
	if terr != nil || herr != nil || tailHeader.Xmin != 50 || headHeader.Xmin != 2 ||
		headHeader.Ctid != (storage.TupleID{PageID: 0, SlotNum: 0}) {
		t.Errorf("expected tail copy in slot 0 and head copy in slot 1 pointing at it, got tail %+v head %+v", tailHeader, headHeader)
	}

	srcPage, err := hf.ReadPage(t1.PageID)
	if err != nil {
		t.Fatalf("read source page: %v", err)
	}
	srcData, err := srcPage.GetTuple(t1.SlotNum)
	if err != nil {
		t.Fatalf("get source tuple: %v", err)
	}
	srcHeader, err := storage.PeekHeader(srcData)
	if err != nil {
		t.Fatalf("peek source header: %v", err)
	}
	if !srcHeader.HasInfomask(storage.InfoMovedOff) {
		t.Error("expected the tail's source slot to be stamped moved-off")
	}
}

func TestCompactChainSkipsWhenNoRoom(t *testing.T) {
	tmpDir := t.TempDir()
	hf, err := storage.NewHeapFile(tmpDir, "chain_noroom_test")
	if err != nil {
		t.Fatalf("new heap file: %v", err)
	}
	defer hf.Close()

	t1 := writeChainVersionOnPage(t, hf, 3, 50, 0, storage.TupleID{}, 0)
	t0 := writeChainVersionOnPage(t, hf, 2, 2, 50, t1, storage.InfoUpdated)

	links := TupleLinkTable{{Successor: t1, Self: t0}}
	t1Data, _ := hf.GetTuple(t1)
	t1Header, _ := storage.PeekHeader(t1Data)

	fragmented := &VacuumPageList{} // empty: no destination anywhere
	affected := newAffectedSet()

	moved, _, skipped, err := compactChain(hf, t1, t1Header, links, fragmented, nil, 100, 1000, affected, discardLogger())
	if err != nil {
		t.Fatalf("compactChain: %v", err)
	}
	if !skipped || moved != 0 {
		t.Fatalf("expected the chain move to be skipped when no destination has room")
	}
}
