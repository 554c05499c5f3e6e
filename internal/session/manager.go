// Package session owns the in-memory map of active sessions: per-session
// cancellation, pending-message notification, and the bookkeeping a
// generator needs across its lifetime (conversation history, provider
// switches, restart counting). Nothing here talks to a provider directly —
// that is the generator's job.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/localmem/memoryd/internal/provider"
	"github.com/localmem/memoryd/internal/queue"
	"github.com/localmem/memoryd/internal/storage"
)

const (
	idleTimeout       = 3 * time.Minute
	staleReapInterval = 2 * time.Minute
	staleReapAge      = 15 * time.Minute
)

// GeneratorHandle tracks one running generator goroutine for a session.
type GeneratorHandle struct {
	wg sync.WaitGroup
}

// Go runs fn in a tracked goroutine; DeleteSession awaits its completion via
// this handle's WaitGroup.
func (h *GeneratorHandle) Go(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// ActiveSession is the in-memory state for one session with live or
// recently-live generator activity. Nothing here is durable; a restart
// always starts with an empty map and rehydrates lazily from storage.
type ActiveSession struct {
	mu sync.Mutex

	SessionDbID      int64
	ContentSessionID string
	Project          string
	UserPrompt       *string

	MemorySessionID *string

	ctx    context.Context
	cancel context.CancelFunc

	generator   *GeneratorHandle
	notifier    chan struct{}
	idleTimedOut bool

	ConversationHistory []provider.Turn
	CurrentProvider     provider.Kind
	consecutiveRestarts int
	ForceInit           bool

	LastPromptNumber         int
	StartTime                time.Time
	CumulativeInputTokens    int
	CumulativeOutputTokens   int
	EarliestPendingTimestamp *time.Time
	LastGeneratorActivity    time.Time

	processingMessageIDs map[int64]struct{}
}

// Notify wakes anyone blocked in Next waiting for new pending work.
func (a *ActiveSession) Notify() {
	select {
	case a.notifier <- struct{}{}:
	default:
	}
}

// Context returns the session's cancellable context.
func (a *ActiveSession) Context() context.Context { return a.ctx }

// Cancel aborts the session's context, causing any blocked Next call and the
// running generator (if any) to unwind.
func (a *ActiveSession) Cancel() { a.cancel() }

// IdleTimedOut reports whether the last Next call exited due to the idle
// timer rather than new work or cancellation.
func (a *ActiveSession) IdleTimedOut() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.idleTimedOut
}

// GeneratorStatus returns whether a generator is attached, its last
// activity timestamp, and the provider kind it is using, all under a single
// lock so EnsureGeneratorRunning sees a consistent view.
func (a *ActiveSession) GeneratorStatus() (hasGenerator bool, lastActivity time.Time, currentProvider provider.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generator != nil, a.LastGeneratorActivity, a.CurrentProvider
}

// SetCurrentProvider records which provider kind the live generator is
// using, so a later EnsureGeneratorRunning call can detect a setting change.
func (a *ActiveSession) SetCurrentProvider(k provider.Kind) {
	a.mu.Lock()
	a.CurrentProvider = k
	a.mu.Unlock()
}

// TouchActivity stamps LastGeneratorActivity with now, resetting the
// stale-generator detection window.
func (a *ActiveSession) TouchActivity() {
	a.mu.Lock()
	a.LastGeneratorActivity = time.Now()
	a.mu.Unlock()
}

// Snapshot returns a copy of the conversation history and the current
// memory session id, suitable for handing to a provider Call without
// holding the lock across the call.
func (a *ActiveSession) Snapshot() ([]provider.Turn, *string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	history := make([]provider.Turn, len(a.ConversationHistory))
	copy(history, a.ConversationHistory)
	return history, a.MemorySessionID
}

// AppendHistory adds a turn to the shared conversation history, preserved
// across provider switches.
func (a *ActiveSession) AppendHistory(t provider.Turn) {
	a.mu.Lock()
	a.ConversationHistory = append(a.ConversationHistory, t)
	a.mu.Unlock()
}

// SetMemorySessionID updates the generator's resumable identity in memory
// (storage persistence is the caller's responsibility).
func (a *ActiveSession) SetMemorySessionID(id *string) {
	a.mu.Lock()
	a.MemorySessionID = id
	a.mu.Unlock()
}

// MemorySessionIDOrEmpty returns the current memory session id, or "" if
// none has been captured yet.
func (a *ActiveSession) MemorySessionIDOrEmpty() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.MemorySessionID == nil {
		return ""
	}
	return *a.MemorySessionID
}

// SetForceInit records the ForceInit flag on the session. No spawn path reads
// the flag; whether a provider call resumes depends only on MemorySessionID.
func (a *ActiveSession) SetForceInit(v bool) {
	a.mu.Lock()
	a.ForceInit = v
	a.mu.Unlock()
}

// ConsecutiveRestarts returns the current restart counter.
func (a *ActiveSession) ConsecutiveRestarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.consecutiveRestarts
}

// IncrementConsecutiveRestarts bumps and returns the restart counter.
func (a *ActiveSession) IncrementConsecutiveRestarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveRestarts++
	return a.consecutiveRestarts
}

// ResetConsecutiveRestarts clears the restart counter, called after a
// generator confirms at least one message successfully.
func (a *ActiveSession) ResetConsecutiveRestarts() {
	a.mu.Lock()
	a.consecutiveRestarts = 0
	a.mu.Unlock()
}

// Manager owns every ActiveSession and the storage/queue handles needed
// to rehydrate one lazily.
type Manager struct {
	store *storage.Store
	q     *queue.Queue
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*ActiveSession

	// OnDeleted is invoked (outside the lock) whenever a session leaves the
	// active map, so the HTTP layer can fan out a session_completed SSE event.
	OnDeleted func(sessionDbID int64)
}

// New builds an empty Manager.
func New(store *storage.Store, q *queue.Queue, log *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		q:        q,
		log:      log,
		sessions: make(map[int64]*ActiveSession),
	}
}

// InitializeSession is idempotent. If the session is already active, its
// project is refreshed from storage, its user prompt is replaced when
// userPrompt is non-nil, and the same handle is returned. Otherwise a fresh ActiveSession is constructed with
// memorySessionId always nil, even if storage holds a stale value from a
// prior daemon run — resuming against it fails upstream with "no
// conversation found", so it is discarded rather than trusted.
func (m *Manager) InitializeSession(sessionDbID int64, userPrompt *string, promptNumber int) (*ActiveSession, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[sessionDbID]; ok {
		m.mu.Unlock()
		if row, err := m.store.GetSessionByID(sessionDbID); err == nil && row.Project != existing.Project {
			existing.mu.Lock()
			existing.Project = row.Project
			existing.mu.Unlock()
		}
		if userPrompt != nil {
			existing.mu.Lock()
			existing.UserPrompt = userPrompt
			existing.mu.Unlock()
		}
		return existing, nil
	}
	m.mu.Unlock()

	row, err := m.store.GetSessionByID(sessionDbID)
	if err != nil {
		return nil, err
	}

	if row.MemorySessionID != nil {
		m.log.Warn("discarding stale memory session id on rehydrate", "sessionDbId", sessionDbID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	active := &ActiveSession{
		SessionDbID:          sessionDbID,
		ContentSessionID:     row.ContentSessionID,
		Project:              row.Project,
		UserPrompt:           userPrompt,
		ctx:                  ctx,
		cancel:               cancel,
		notifier:             make(chan struct{}, 1),
		LastPromptNumber:     promptNumber,
		StartTime:            time.Now(),
		LastGeneratorActivity: time.Now(),
		processingMessageIDs: make(map[int64]struct{}),
	}

	m.mu.Lock()
	m.sessions[sessionDbID] = active
	m.mu.Unlock()

	return active, nil
}

// Get returns the in-memory session if resident, without rehydrating it.
func (m *Manager) Get(sessionDbID int64) (*ActiveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.sessions[sessionDbID]
	return a, ok
}

// QueueObservation auto-initializes the session if not already resident,
// persists the pending message first, then wakes the generator. Persist
// failure propagates untouched — there is no in-memory fallback queue.
func (m *Manager) QueueObservation(sessionDbID int64, toolName, toolInput, toolResponse, cwd *string, promptNumber int) (int64, error) {
	active, err := m.InitializeSession(sessionDbID, nil, promptNumber)
	if err != nil {
		return 0, err
	}

	id, err := m.q.Enqueue(sessionDbID, active.ContentSessionID, queue.MessageObservation, toolName, toolInput, toolResponse, cwd, nil, promptNumber)
	if err != nil {
		return 0, err
	}
	active.Notify()
	return id, nil
}

// QueueSummarize mirrors QueueObservation for summarize messages.
func (m *Manager) QueueSummarize(sessionDbID int64, lastAssistantMessage *string, promptNumber int) (int64, error) {
	active, err := m.InitializeSession(sessionDbID, nil, promptNumber)
	if err != nil {
		return 0, err
	}

	id, err := m.q.Enqueue(sessionDbID, active.ContentSessionID, queue.MessageSummarize, nil, nil, nil, nil, lastAssistantMessage, promptNumber)
	if err != nil {
		return 0, err
	}
	active.Notify()
	return id, nil
}

// ClaimedMessage is what Next yields the generator for one unit of work.
type ClaimedMessage struct {
	Message           *queue.PendingMessage
	PersistentID      int64
	OriginalTimestamp time.Time
}

// Next is the message iterator the generator drains. It blocks until a
// pending message is claimable, the session is cancelled, or the idle timer
// (3 minutes) fires, in which case it marks the session idle-timed-out and
// cancels its own context so the generator can exit cleanly. Returns
// (nil, nil) on cancellation/idle-timeout, and also when the session is not
// resident in the active map.
func (m *Manager) Next(ctx context.Context, sessionDbID int64) (*ClaimedMessage, error) {
	active, ok := m.Get(sessionDbID)
	if !ok {
		return nil, nil
	}

	for {
		msg, err := m.q.ClaimNext(sessionDbID)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return &ClaimedMessage{
				Message:           msg,
				PersistentID:      msg.ID,
				OriginalTimestamp: time.Unix(msg.CreatedAtEpoch, 0),
			}, nil
		}

		idleTimer := time.NewTimer(idleTimeout)
		select {
		case <-active.notifier:
			idleTimer.Stop()
			continue
		case <-active.ctx.Done():
			idleTimer.Stop()
			return nil, nil
		case <-ctx.Done():
			idleTimer.Stop()
			return nil, nil
		case <-idleTimer.C:
			active.mu.Lock()
			active.idleTimedOut = true
			active.mu.Unlock()
			active.cancel()
			return nil, nil
		}
	}
}

// DeleteSession cancels the session context, awaits generator completion
// with a 30s bound (logging and continuing on timeout rather than blocking
// shutdown forever), removes it from the map, and invokes OnDeleted.
func (m *Manager) DeleteSession(sessionDbID int64) {
	m.mu.Lock()
	active, ok := m.sessions[sessionDbID]
	if ok {
		delete(m.sessions, sessionDbID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	active.Cancel()

	active.mu.Lock()
	gen := active.generator
	active.mu.Unlock()

	if gen != nil {
		waitDone := make(chan struct{})
		go func() {
			gen.wg.Wait()
			close(waitDone)
		}()
		select {
		case <-waitDone:
		case <-time.After(30 * time.Second):
			m.log.Warn("generator did not exit within bound on session delete", "sessionDbId", sessionDbID)
		}
	}

	if m.OnDeleted != nil {
		m.OnDeleted(sessionDbID)
	}
}

// RemoveSessionImmediate bypasses generator-await and is safe to call from
// within the generator's own goroutine, where awaiting itself would
// deadlock.
func (m *Manager) RemoveSessionImmediate(sessionDbID int64) {
	m.mu.Lock()
	_, ok := m.sessions[sessionDbID]
	delete(m.sessions, sessionDbID)
	m.mu.Unlock()

	if ok && m.OnDeleted != nil {
		m.OnDeleted(sessionDbID)
	}
}

// SetGenerator attaches a handle to the session so DeleteSession can await
// it; ClearGenerator detaches it again once the generator returns.
func (m *Manager) SetGenerator(sessionDbID int64, handle *GeneratorHandle) {
	active, ok := m.Get(sessionDbID)
	if !ok {
		return
	}
	active.mu.Lock()
	active.generator = handle
	active.mu.Unlock()
}

// ClearGenerator detaches the generator handle once it exits.
func (m *Manager) ClearGenerator(sessionDbID int64) {
	active, ok := m.Get(sessionDbID)
	if !ok {
		return
	}
	active.mu.Lock()
	active.generator = nil
	active.mu.Unlock()
}

// HasGenerator reports whether a generator handle is currently attached.
func (a *ActiveSession) HasGenerator() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generator != nil
}

// ReapStaleSessions deletes in-memory sessions with no generator, no
// pending work, and age beyond staleReapAge. Intended to be ticked every
// staleReapInterval by the caller; exported as a single sweep so the caller
// owns the ticker (mirrors the subprocess package's reaper shape).
func (m *Manager) ReapStaleSessions() {
	m.mu.Lock()
	candidates := make([]*ActiveSession, 0, len(m.sessions))
	for _, a := range m.sessions {
		candidates = append(candidates, a)
	}
	m.mu.Unlock()

	for _, a := range candidates {
		if a.HasGenerator() {
			continue
		}
		if time.Since(a.StartTime) < staleReapAge {
			continue
		}
		count, err := m.q.PendingCount(a.SessionDbID)
		if err != nil {
			m.log.Error("pending count during stale reap", "sessionDbId", a.SessionDbID, "error", err)
			continue
		}
		if count > 0 {
			continue
		}
		m.RemoveSessionImmediate(a.SessionDbID)
	}
}

// IsActive reports whether a session is currently resident in the active
// map — the callback the subprocess orphan reaper consults.
func (m *Manager) IsActive(sessionDbID int64) bool {
	_, ok := m.Get(sessionDbID)
	return ok
}

// ActiveIDs returns a snapshot of every currently resident session id, used
// by the shutdown coordinator to drain each one in turn.
func (m *Manager) ActiveIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// StaleReapInterval exposes the tick cadence ReapStaleSessions expects to be
// driven at.
func StaleReapInterval() time.Duration { return staleReapInterval }
