// Package subprocess tracks child processes spawned by the CLI-based
// provider, keyed by sessionDbId, and reclaims orphans and zombies.
package subprocess

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Tracked is one spawned child process, keyed by the session it serves.
type Tracked struct {
	SessionDbID int64
	PID         int
	cmd         *exec.Cmd
	startedAt   time.Time
}

// Registry tracks every subprocess the CLI provider has spawned so the
// orphan reaper and the shutdown coordinator can find and kill them.
type Registry struct {
	mu       sync.Mutex
	byPid    map[int]*Tracked
	bySessID map[int64]*Tracked
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byPid:    make(map[int]*Tracked),
		bySessID: make(map[int64]*Tracked),
	}
}

// Track registers a spawned process against its owning session.
func (r *Registry) Track(sessionDbID int64, cmd *exec.Cmd) *Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &Tracked{SessionDbID: sessionDbID, PID: cmd.Process.Pid, cmd: cmd, startedAt: time.Now()}
	r.byPid[t.PID] = t
	r.bySessID[sessionDbID] = t
	return t
}

// Untrack removes a process from the registry once it has been confirmed
// exited.
func (r *Registry) Untrack(t *Tracked) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPid, t.PID)
	if r.bySessID[t.SessionDbID] == t {
		delete(r.bySessID, t.SessionDbID)
	}
}

// ForSession returns the tracked process for a session, if any.
func (r *Registry) ForSession(sessionDbID int64) (*Tracked, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.bySessID[sessionDbID]
	return t, ok
}

// All returns a snapshot of every currently tracked process.
func (r *Registry) All() []*Tracked {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tracked, 0, len(r.byPid))
	for _, t := range r.byPid {
		out = append(out, t)
	}
	return out
}

// EnsureProcessExit waits up to bound for the tracked process to exit; if it
// is still running after that, it is killed and awaited for up to bound
// again. Cancelling ctx kills the process at once. Safe to call after the
// process has already exited on its own.
func EnsureProcessExit(ctx context.Context, t *Tracked, bound time.Duration) error {
	if t == nil || t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(bound):
		_ = t.cmd.Process.Kill()
		select {
		case <-done:
		case <-time.After(bound):
		}
		return nil
	case <-ctx.Done():
		_ = t.cmd.Process.Kill()
		return ctx.Err()
	}
}

// IsAlive probes process liveness through gopsutil, which abstracts over
// the platform-specific mechanism instead of hand-rolling
// syscall.Kill(pid, 0).
func IsAlive(pid int) bool {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil {
		return false
	}
	return running
}
