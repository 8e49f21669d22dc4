// Package lockfile provides the process-wide exclusive lock the vacuum
// engine takes out on a relation before touching it (spec §5, §7): only
// one vacuum may run against a given relation at a time, and a stale
// lock left behind by a crashed process must not wedge every future
// vacuum of that relation.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const lockFileSuffix = ".vacuum.lock"

// Lock represents an exclusive lock on a single relation's vacuum.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes out the vacuum lock for relName under lockDir. If
// another live process already holds it, Acquire returns
// ErrAnotherVacuumRunning-wrapped error carrying that process's PID and
// start time so the caller can report it (spec §7's
// AnotherVacuumRunning).
func Acquire(lockDir, relName string) (*Lock, error) {
	if err := os.MkdirAll(lockDir, 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	lockPath := filepath.Join(lockDir, relName+lockFileSuffix)

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()

		pid, hostname, startTime, parseErr := ParseLockFile(lockPath)
		if parseErr == nil && pid != 0 {
			return nil, fmt.Errorf("%w: relation %q locked by pid %d on %s since %s",
				ErrAnotherVacuumRunning, relName, pid, hostname, startTime)
		}
		return nil, fmt.Errorf("%w: relation %q", ErrAnotherVacuumRunning, relName)
	}

	pid := os.Getpid()
	startTime := time.Now().Format(time.RFC3339)
	hostname, _ := os.Hostname()
	lockInfo := fmt.Sprintf("PID: %d\nHostname: %s\nStarted: %s\n", pid, hostname, startTime)

	if err := file.Truncate(0); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	if _, err := file.WriteAt([]byte(lockInfo), 0); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	if err := file.Sync(); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return &Lock{path: lockPath, file: file}, nil
}

// Release drops the lock and removes the lock file. Called both on a
// clean finish and when the state machine enters Aborting (spec §4.6),
// so an aborted vacuum never leaves a relation permanently locked.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}

	l.file = nil
	return nil
}

// IsProcessAlive checks whether a process with the given PID is still
// running, used to decide whether a lock file left on disk is stale.
func IsProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// ParseLockFile reads and parses a lock file's PID/hostname/start time.
func ParseLockFile(lockPath string) (pid int, hostname, startTime string, err error) {
	content, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, "", "", err
	}

	for _, line := range strings.Split(string(content), "\n") {
		parts := strings.SplitN(line, ": ", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		switch key {
		case "PID":
			pid, _ = strconv.Atoi(value)
		case "Hostname":
			hostname = value
		case "Started":
			startTime = value
		}
	}

	return pid, hostname, startTime, nil
}
