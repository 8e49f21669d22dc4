package lockfile

import "errors"

// ErrAnotherVacuumRunning is returned by Acquire when a relation's
// vacuum lock is already held by another live process.
var ErrAnotherVacuumRunning = errors.New("another vacuum is already running")
