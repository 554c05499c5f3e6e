// Package pidfile reads and writes the daemon's PID file and guards it with
// an advisory file lock so concurrent CLI invocations (start/stop/status)
// never race each other.
package pidfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Info is the JSON body persisted to worker.pid.
type Info struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	StartedAt string `json:"startedAt"`
	Version   string `json:"version,omitempty"`
}

// Handle owns the advisory lock on the PID file for the lifetime of one
// daemon process.
type Handle struct {
	path string
	lock *flock.Flock
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "worker.pid")
}

// Acquire locks the PID file exclusively and writes info. Fails if another
// process already holds the lock.
func Acquire(dataDir string, info Info) (*Handle, error) {
	path := pidPath(dataDir)
	lock := flock.New(path + ".lock")

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock pid file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another worker instance already holds the pid file lock")
	}

	body, err := json.Marshal(info)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("marshal pid file: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return &Handle{path: path, lock: lock}, nil
}

// Release unlocks and removes the PID file. Best-effort: errors are
// returned but the lock is always released first.
func (h *Handle) Release() error {
	unlockErr := h.lock.Unlock()
	removeErr := os.Remove(h.path)
	if unlockErr != nil {
		return unlockErr
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return removeErr
	}
	return nil
}

// Read loads the PID file without locking it — used by `status`/`stop` to
// discover a running daemon's pid/port.
func Read(dataDir string) (*Info, error) {
	body, err := os.ReadFile(pidPath(dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pid file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse pid file: %w", err)
	}
	return &info, nil
}

// IsRecent reports whether the PID file was started within the given
// window — used to gate version-mismatch restart stampedes so many
// concurrent clients don't all trigger a restart at once.
func (info *Info) IsRecent(window time.Duration) bool {
	if info == nil {
		return false
	}
	t, err := time.Parse(time.RFC3339, info.StartedAt)
	if err != nil {
		return false
	}
	return time.Since(t) < window
}
