package subprocess

import (
	"context"
	"log/slog"
	"time"
)

const (
	orphanReaperInterval = 5 * time.Minute
	staleReaperInterval  = 2 * time.Minute
	orphanKillBound      = 5 * time.Second
)

// OrphanReaper periodically kills tracked subprocesses whose owning session
// is no longer in the session manager's active-session set. This is a
// no-op unless the stale-session reaper is keeping that set honest, since a
// session lingering in memory makes every subprocess it owns look
// non-orphaned.
type OrphanReaper struct {
	registry      *Registry
	activeSession func(sessionDbID int64) bool
	logger        *slog.Logger
}

// NewOrphanReaper builds a reaper that consults activeSession to decide
// whether a tracked process still belongs to a live session.
func NewOrphanReaper(registry *Registry, activeSession func(sessionDbID int64) bool, logger *slog.Logger) *OrphanReaper {
	return &OrphanReaper{registry: registry, activeSession: activeSession, logger: logger}
}

// Run ticks until ctx is cancelled.
func (r *OrphanReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(orphanReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *OrphanReaper) sweep(ctx context.Context) {
	for _, t := range r.registry.All() {
		if r.activeSession(t.SessionDbID) {
			continue
		}
		if !IsAlive(t.PID) {
			r.registry.Untrack(t)
			continue
		}
		r.logger.Warn("reaping orphaned subprocess", "sessionDbId", t.SessionDbID, "pid", t.PID)
		_ = EnsureProcessExit(ctx, t, orphanKillBound)
		r.registry.Untrack(t)
	}
}

// StaleSessionReaper periodically invokes a caller-supplied reap function
// (the session manager's ReapStaleSessions).
type StaleSessionReaper struct {
	reap func()
}

// NewStaleSessionReaper builds a reaper around the session manager's reap
// callback.
func NewStaleSessionReaper(reap func()) *StaleSessionReaper {
	return &StaleSessionReaper{reap: reap}
}

// Run ticks until ctx is cancelled.
func (r *StaleSessionReaper) Run(ctx context.Context) {
	ticker := time.NewTicker(staleReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}
