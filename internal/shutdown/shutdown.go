// Package shutdown coordinates the exact teardown ordering the worker
// needs: stop reapers, close the HTTP listener, drain active sessions,
// close storage, force-kill stragglers, remove the PID file. There is no
// separate collaborator-close step. A re-entry guard means the sequence
// runs at most once no matter how many signals or admin-shutdown requests
// arrive.
package shutdown

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/localmem/memoryd/internal/pidfile"
	"github.com/localmem/memoryd/internal/session"
	"github.com/localmem/memoryd/internal/storage"
	"github.com/localmem/memoryd/internal/subprocess"
)

const (
	sessionDrainBound = 30 * time.Second
	finalKillBound    = 5 * time.Second

	// windowsSocketGrace avoids port-reuse failures on Windows, where
	// inherited child handles can keep a closed listener's port briefly
	// unavailable for rebinding.
	windowsSocketGrace = 500 * time.Millisecond
)

// Coordinator owns every collaborator that needs an ordered teardown.
type Coordinator struct {
	log        *slog.Logger
	listener   net.Listener
	httpServer *http.Server
	sessions   *session.Manager
	registry   *subprocess.Registry
	store      *storage.Store
	pidHandle  *pidfile.Handle

	stopReapers func()

	done atomic.Bool
}

// New builds a Coordinator. stopReapers should cancel the orphan and
// stale-session reaper goroutines (step 1 of the ordering).
func New(log *slog.Logger, listener net.Listener, httpServer *http.Server, sessions *session.Manager, registry *subprocess.Registry, store *storage.Store, pidHandle *pidfile.Handle, stopReapers func()) *Coordinator {
	return &Coordinator{
		log:         log,
		listener:    listener,
		httpServer:  httpServer,
		sessions:    sessions,
		registry:    registry,
		store:       store,
		pidHandle:   pidHandle,
		stopReapers: stopReapers,
	}
}

// Shutdown runs the teardown sequence above exactly once. Safe to call
// concurrently and repeatedly; only the first caller does the work.
func (c *Coordinator) Shutdown(ctx context.Context) {
	if !c.done.CompareAndSwap(false, true) {
		return
	}

	c.log.Info("shutdown: stopping reapers")
	if c.stopReapers != nil {
		c.stopReapers()
	}

	c.log.Info("shutdown: enumerating tracked subprocesses")
	tracked := c.registry.All()

	c.log.Info("shutdown: closing http server")
	if runtime.GOOS == "windows" {
		time.Sleep(windowsSocketGrace)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := c.httpServer.Shutdown(shutdownCtx); err != nil {
		c.log.Warn("http server shutdown did not complete cleanly", "error", err)
	}
	cancel()
	if runtime.GOOS == "windows" {
		time.Sleep(windowsSocketGrace)
	}

	c.log.Info("shutdown: draining session manager")
	c.drainSessions()

	c.log.Info("shutdown: closing storage engine")
	if err := c.store.Close(); err != nil {
		c.log.Warn("storage close", "error", err)
	}

	c.log.Info("shutdown: force-killing remaining tracked subprocesses", "count", len(tracked))
	for _, t := range tracked {
		killCtx, killCancel := context.WithTimeout(context.Background(), finalKillBound)
		_ = subprocess.EnsureProcessExit(killCtx, t, finalKillBound)
		killCancel()
	}

	c.log.Info("shutdown: removing pid file")
	if c.pidHandle != nil {
		if err := c.pidHandle.Release(); err != nil {
			c.log.Warn("release pid file", "error", err)
		}
	}

	c.log.Info("shutdown complete")
}

func (c *Coordinator) drainSessions() {
	for _, sessionDbID := range c.activeSessionIDs() {
		done := make(chan struct{})
		go func(id int64) {
			c.sessions.DeleteSession(id)
			close(done)
		}(sessionDbID)

		select {
		case <-done:
		case <-time.After(sessionDrainBound):
			c.log.Warn("session did not drain within bound", "sessionDbId", sessionDbID)
		}
	}
}

func (c *Coordinator) activeSessionIDs() []int64 {
	return c.sessions.ActiveIDs()
}
