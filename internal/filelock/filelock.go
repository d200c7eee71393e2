// Package filelock guards QC sessions and report files across processes on one station.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gofrs/flock"
)

// ErrUnitBusy is returned when another process holds the session lock for a unit.
var ErrUnitBusy = errors.New("unit under test is already being tested by another process")

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SessionLock is an exclusive per-unit lock so that only one QC session runs against a unit.
type SessionLock struct {
	flock *flock.Flock
	path  string
}

// LockPath returns the lock file used for key (a device address or name filter) under dir.
func LockPath(dir, key string) string {
	name := unsafeChars.ReplaceAllString(strings.ToLower(key), "_")
	if name == "" {
		name = "any"
	}
	return filepath.Join(dir, "blimqc-"+name+".lock")
}

// NewSessionLock creates a lock for key under dir. Nothing is acquired yet.
func NewSessionLock(dir, key string) *SessionLock {
	path := LockPath(dir, key)
	return &SessionLock{flock: flock.New(path), path: path}
}

// Path returns the lock file path.
func (l *SessionLock) Path() string { return l.path }

// Acquire takes the lock without blocking; ErrUnitBusy means another process owns it.
func (l *SessionLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", l.path, err)
	}
	if !ok {
		return fmt.Errorf("%w (%s)", ErrUnitBusy, l.path)
	}
	return nil
}

// Release drops the lock. Releasing an unheld lock is a no-op.
func (l *SessionLock) Release() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}

// AtomicWrite writes data through a temp file in the same directory and renames it
// over path, so readers never observe a partial report.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	tmp = nil
	return nil
}
