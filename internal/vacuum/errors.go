package vacuum

import "errors"

// Error kinds the engine names (spec §7), as sentinel values for
// errors.Is, unlike the teacher's plain fmt.Errorf strings. Run returns
// the fatal kinds (InTransactionBlock, AnotherVacuumRunning,
// RelationNotFound, PageCorrupt) wrapped. The recovered conditions are
// never returned: a MoveBlocked scan and skipped broken chains show up
// in RelationReport and as log warnings, and ErrIndexCountMismatch is
// only attached to a warning log entry.
var (
	ErrInTransactionBlock  = errors.New("vacuum cannot run inside an open transaction block")
	ErrAnotherVacuumRunning = errors.New("another vacuum is already running on this relation")
	ErrRelationNotFound    = errors.New("relation not found")
	ErrPageCorrupt         = errors.New("page violates a basic storage invariant")
	ErrMoveBlocked         = errors.New("a tuple with an in-progress inserting or deleting transaction blocks compaction")
	ErrChainBroken         = errors.New("update chain parent does not match child xmin")
	ErrIndexCountMismatch  = errors.New("index live entry count does not match heap live tuple count")
)
