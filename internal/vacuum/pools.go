package vacuum

import (
	"sync"

	"github.com/sausheong/vacengine/internal/storage"
)

// Scratch-object pools for the per-pass arena (spec §4.1: "the list is
// allocated in a process-wide arena that outlives individual
// transactions"). Page descriptors and link-table entries are
// allocated by the thousands on a large relation and discarded at the
// end of every pass; pooling them keeps GC pressure off the hot scan
// and compaction loops the way the teacher pools Row and byte buffers
// in its query path.

var descriptorPool = sync.Pool{
	New: func() interface{} {
		return &PageDescriptor{UnusedSlots: make([]uint16, 0, 16)}
	},
}

// GetDescriptor returns a zeroed PageDescriptor for block from the pool.
func GetDescriptor(block storage.PageID) *PageDescriptor {
	d := descriptorPool.Get().(*PageDescriptor)
	d.Block = block
	d.FreeBytes = 0
	d.MovedInCount = 0
	d.UnusedSlots = d.UnusedSlots[:0]
	return d
}

// PutDescriptor returns d to the pool once its page list no longer
// needs it (after a pass completes or a descriptor is superseded).
func PutDescriptor(d *PageDescriptor) {
	descriptorPool.Put(d)
}

var linkSlicePool = sync.Pool{
	New: func() interface{} {
		return make(TupleLinkTable, 0, 256)
	},
}

// GetLinkTable returns a zero-length tuple-link table slice from the
// pool, ready to be appended to during a scan.
func GetLinkTable() TupleLinkTable {
	return linkSlicePool.Get().(TupleLinkTable)[:0]
}

// PutLinkTable returns a tuple-link table to the pool once a pass has
// finished consuming it.
func PutLinkTable(t TupleLinkTable) {
	linkSlicePool.Put(t[:0])
}
