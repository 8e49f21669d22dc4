package lockfile

import (
	"errors"
	"os"
	"testing"
)

/*
Package: vacengine
Component: Vacuum Lock File
Layer: Concurrency Control

Test Coverage:
- Acquire/Release round trip
- A second Acquire on the same relation fails with AnotherVacuumRunning
- Release frees the relation for a subsequent Acquire
- ParseLockFile recovers the pid/hostname/start time written by Acquire

Run: go test -v
*/

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "orders")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(lock.path); err != nil {
		t.Fatalf("expected lock file to exist on disk: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.path); !os.IsNotExist(err) {
		t.Error("expected the lock file to be removed after Release")
	}
}

func TestSecondAcquireFailsWhileHeld(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "orders")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	_, err = Acquire(dir, "orders")
	if !errors.Is(err, ErrAnotherVacuumRunning) {
		t.Fatalf("expected ErrAnotherVacuumRunning, got %v", err)
	}
}

func TestAcquireAfterReleaseSucceeds(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "orders")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	lock2, err := Acquire(dir, "orders")
	if err != nil {
		t.Fatalf("expected re-acquire to succeed after release, got %v", err)
	}
	lock2.Release()
}

func TestDifferentRelationsDoNotContend(t *testing.T) {
	dir := t.TempDir()

	lock1, err := Acquire(dir, "orders")
	if err != nil {
		t.Fatalf("Acquire orders: %v", err)
	}
	defer lock1.Release()

	lock2, err := Acquire(dir, "customers")
	if err != nil {
		t.Fatalf("expected a different relation's lock to be independent, got %v", err)
	}
	defer lock2.Release()
}

func TestParseLockFileRecoversMetadata(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, "orders")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	pid, hostname, startTime, err := ParseLockFile(lock.path)
	if err != nil {
		t.Fatalf("ParseLockFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), pid)
	}
	if hostname == "" {
		t.Error("expected a non-empty hostname")
	}
	if startTime == "" {
		t.Error("expected a non-empty start time")
	}
}

func TestIsProcessAliveForCurrentProcess(t *testing.T) {
	if !IsProcessAlive(os.Getpid()) {
		t.Error("expected the current process to be reported alive")
	}
}
