// Package generator drives the provider-agnostic message loop: for one
// session, consume pending messages, call the currently-selected provider,
// persist whatever it produces, and confirm each message. Exactly one
// generator runs per session at a time; EnsureGeneratorRunning is the single
// entry point that enforces that invariant.
package generator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/localmem/memoryd/internal/config"
	"github.com/localmem/memoryd/internal/hub"
	"github.com/localmem/memoryd/internal/provider"
	"github.com/localmem/memoryd/internal/queue"
	"github.com/localmem/memoryd/internal/session"
	"github.com/localmem/memoryd/internal/storage"
	"github.com/localmem/memoryd/internal/subprocess"
)

const (
	staleGeneratorActivity = 30 * time.Second
	maxConsecutiveRestarts = 3
	subprocessExitBound    = 5 * time.Second
)

// Providers bundles the three concrete Provider implementations the
// generator chooses among by setting.
type Providers struct {
	Primary    provider.Provider
	AlternateA provider.Provider
	AlternateB provider.Provider
}

func (p Providers) byKind(k provider.Kind) provider.Provider {
	switch k {
	case provider.KindPrimary:
		return p.Primary
	case provider.KindAlternateA:
		return p.AlternateA
	case provider.KindAlternateB:
		return p.AlternateB
	default:
		return nil
	}
}

// fallbackOrder is tried, in order, after the currently-selected provider's
// subprocess/session dies upstream and is not resumable.
var fallbackOrder = []provider.Kind{provider.KindPrimary, provider.KindAlternateA, provider.KindAlternateB}

// Engine wires the session manager, storage, queue, hub, and provider set
// together and spawns/governs generators.
type Engine struct {
	sessions  *session.Manager
	store     *storage.Store
	q         *queue.Queue
	h         *hub.Hub
	providers Providers
	registry  *subprocess.Registry
	loader    *config.Loader
	log       *slog.Logger

	spawning sync.Map // sessionDbId -> *atomic.Bool, in-progress flag

	// OnInteraction, if set, is invoked after each message is confirmed
	// processed and after every provider call error other than cancellation
	// (whether or not a restart follows), surfacing the outcome through the
	// HTTP health endpoint.
	OnInteraction func(success bool, err error)
}

// New builds an Engine.
func New(sessions *session.Manager, store *storage.Store, q *queue.Queue, h *hub.Hub, providers Providers, registry *subprocess.Registry, loader *config.Loader, log *slog.Logger) *Engine {
	return &Engine{
		sessions:  sessions,
		store:     store,
		q:         q,
		h:         h,
		providers: providers,
		registry:  registry,
		loader:    loader,
		log:       log,
	}
}

// EnsureGeneratorRunning is the single gate that starts (or restarts) a
// generator for a session. Safe to call repeatedly from any goroutine.
func (e *Engine) EnsureGeneratorRunning(sessionDbID int64, source string) {
	flagVal, _ := e.spawning.LoadOrStore(sessionDbID, &atomic.Bool{})
	flag := flagVal.(*atomic.Bool)
	if !flag.CompareAndSwap(false, true) {
		return // a spawn decision is already in flight
	}
	defer flag.Store(false)

	active, ok := e.sessions.Get(sessionDbID)
	if !ok {
		return
	}

	hasGen, lastActivity, currentProvider := active.GeneratorStatus()

	settings := e.loader.Current()
	wantProvider := provider.Kind(settings.Provider)

	switch {
	case !hasGen:
		e.spawn(active, wantProvider, source)
	case time.Since(lastActivity) > staleGeneratorActivity:
		e.log.Warn("generator activity stale, restarting", "sessionDbId", sessionDbID, "idleFor", time.Since(lastActivity))
		active.Cancel()
		e.spawn(active, wantProvider, "stale-recovery")
	case currentProvider != wantProvider:
		e.log.Info("provider setting changed, letting in-flight generator finish naturally", "sessionDbId", sessionDbID, "current", currentProvider, "requested", wantProvider)
	}
}

func (e *Engine) spawn(active *session.ActiveSession, kind provider.Kind, source string) {
	p := e.providers.byKind(kind)
	if p == nil || p.Available() != nil {
		e.log.Error("selected provider unavailable, not spawning generator", "sessionDbId", active.SessionDbID, "provider", kind)
		return
	}

	handle := &session.GeneratorHandle{}
	active.SetCurrentProvider(kind)
	e.sessions.SetGenerator(active.SessionDbID, handle)

	handle.Go(func() {
		defer e.sessions.ClearGenerator(active.SessionDbID)
		e.runGenerator(active.Context(), active, p, source)
	})
}

// runGenerator is the message loop described by the component design: await
// next message, call the provider, persist outputs, confirm, loop. Exit
// paths classify the terminating error and decide whether to restart,
// fall back to another provider, or abandon the session. Subprocess
// hygiene for provider-spawned children (alternateB) is the provider's own
// responsibility — it registers and waits on its child within Call.
func (e *Engine) runGenerator(ctx context.Context, active *session.ActiveSession, p provider.Provider, source string) {
	e.log.Info("generator starting", "sessionDbId", active.SessionDbID, "provider", p.Kind(), "source", source)
	e.h.Publish(hub.EventSessionStarted, &active.SessionDbID, map[string]any{"provider": p.Kind()})

	for {
		claimed, err := e.sessions.Next(ctx, active.SessionDbID)
		if err != nil {
			e.log.Error("claim next pending message", "sessionDbId", active.SessionDbID, "error", err)
			return
		}
		if claimed == nil {
			if active.IdleTimedOut() {
				e.log.Info("generator exiting on idle timeout", "sessionDbId", active.SessionDbID)
				e.h.Publish(hub.EventSessionCompleted, &active.SessionDbID, map[string]any{"reason": "idle"})
			}
			return
		}

		active.TouchActivity()

		in := e.buildInput(active, claimed.Message)
		events, err := p.Call(ctx, in)
		if err != nil {
			e.handleCallError(ctx, active, p, source, err)
			return
		}

		var callErr error
		for evt := range events {
			switch evt.Kind {
			case provider.EventObservation:
				e.persistObservation(active, claimed.Message, evt.Observation)
			case provider.EventSummary:
				e.persistSummary(active, claimed.Message, evt.Summary)
			case provider.EventMemorySession:
				active.SetMemorySessionID(evt.MemorySessionID)
				if err := e.store.UpdateMemorySessionID(active.SessionDbID, evt.MemorySessionID); err != nil {
					e.log.Error("persist memory session id", "sessionDbId", active.SessionDbID, "error", err)
				}
			case provider.EventError:
				callErr = evt.Err
			case provider.EventDone:
			}
		}

		if callErr != nil {
			e.handleCallError(ctx, active, p, source, callErr)
			return
		}

		if err := e.q.ConfirmProcessed(claimed.PersistentID); err != nil {
			e.log.Error("confirm processed", "sessionDbId", active.SessionDbID, "messageId", claimed.PersistentID, "error", err)
			return
		}
		active.ResetConsecutiveRestarts()
		if e.OnInteraction != nil {
			e.OnInteraction(true, nil)
		}
	}
}

func (e *Engine) buildInput(active *session.ActiveSession, msg *queue.PendingMessage) provider.Input {
	history, memSessID := active.Snapshot()
	return provider.Input{
		SessionDbID:          active.SessionDbID,
		ConversationHistory:  history,
		MemorySessionID:      memSessID,
		Project:              active.Project,
		MessageType:          string(msg.MessageType),
		ToolName:             msg.ToolName,
		ToolInput:            msg.ToolInput,
		ToolResponse:         msg.ToolResponse,
		Cwd:                  msg.Cwd,
		LastAssistantMessage: msg.LastAssistantMessage,
		PromptNumber:         msg.PromptNumber,
	}
}

func (e *Engine) persistObservation(active *session.ActiveSession, msg *queue.PendingMessage, o *provider.Observation) {
	if o == nil {
		return
	}
	facts, _ := json.Marshal(o.Facts)
	concepts, _ := json.Marshal(o.Concepts)
	filesRead, _ := json.Marshal(o.FilesRead)
	filesModified, _ := json.Marshal(o.FilesModified)

	memSessID := active.MemorySessionIDOrEmpty()
	subtitle := o.Subtitle
	row := &storage.Observation{
		MemorySessionID: memSessID,
		Project:         active.Project,
		Type:            o.Type,
		Title:           o.Title,
		Subtitle:        &subtitle,
		Narrative:       o.Narrative,
		Facts:           string(facts),
		Concepts:        string(concepts),
		FilesRead:       string(filesRead),
		FilesModified:   string(filesModified),
		PromptNumber:    msg.PromptNumber,
		DiscoveryTokens: o.DiscoveryTokens,
		ContentHash:     storage.ContentHash(active.Project, o.Title, o.Subtitle, o.Narrative, strings.Join(o.Concepts, ",")),
		CreatedAtEpoch:  time.Now().Unix(),
	}

	settings := e.loader.Current()
	_, duplicate, err := e.store.AppendObservation(row, settings.DedupWindow)
	if err != nil {
		e.log.Error("append observation", "sessionDbId", active.SessionDbID, "error", err)
		return
	}
	if !duplicate {
		active.AppendHistory(provider.Turn{Role: provider.RoleAssistant, Text: o.Narrative})
		e.h.Publish(hub.EventNewObservation, &active.SessionDbID, map[string]any{"title": o.Title})
	}
}

func (e *Engine) persistSummary(active *session.ActiveSession, msg *queue.PendingMessage, s *provider.Summary) {
	if s == nil {
		return
	}
	filesRead, _ := json.Marshal(s.FilesRead)
	filesEdited, _ := json.Marshal(s.FilesEdited)

	row := &storage.SessionSummary{
		MemorySessionID: active.MemorySessionIDOrEmpty(),
		Project:         active.Project,
		Request:         s.Request,
		Investigated:    strPtr(s.Investigated),
		Learned:         strPtr(s.Learned),
		Completed:       strPtr(s.Completed),
		NextSteps:       strPtr(s.NextSteps),
		FilesRead:       string(filesRead),
		FilesEdited:     string(filesEdited),
		Notes:           strPtr(s.Notes),
		PromptNumber:    msg.PromptNumber,
		DiscoveryTokens: s.DiscoveryTokens,
		CreatedAtEpoch:  time.Now().Unix(),
	}
	if _, err := e.store.AppendSummary(row); err != nil {
		e.log.Error("append summary", "sessionDbId", active.SessionDbID, "error", err)
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// handleCallError classifies an error from a provider Call and decides the
// generator's fate: unrecoverable (stop, mark failed, never restart),
// terminated-upstream (run the fallback chain), stale-resume (clear memory
// session id, restart), or other (mark-failed + bounded backoff restart).
func (e *Engine) handleCallError(ctx context.Context, active *session.ActiveSession, p provider.Provider, source string, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		e.log.Info("generator call cancelled, treating as normal exit", "sessionDbId", active.SessionDbID)
		return
	}
	if e.OnInteraction != nil {
		e.OnInteraction(false, err)
	}
	switch classify(err) {
	case classUnrecoverable:
		e.log.Error("unrecoverable provider error, not restarting", "sessionDbId", active.SessionDbID, "error", err)
		_ = e.q.MarkFailed(active.SessionDbID)
		_ = e.store.MarkSessionFailed(active.SessionDbID)

	case classTerminatedUpstream:
		e.log.Warn("provider session terminated upstream, trying fallback chain", "sessionDbId", active.SessionDbID, "error", err)
		if e.runFallbackChain(ctx, active, p.Kind()) {
			return
		}
		_ = e.q.MarkAbandoned(active.SessionDbID)
		e.sessions.RemoveSessionImmediate(active.SessionDbID)

	case classStaleResume:
		e.log.Warn("stale resume detected, clearing memory session id", "sessionDbId", active.SessionDbID, "error", err)
		active.SetMemorySessionID(nil)
		_ = e.store.UpdateMemorySessionID(active.SessionDbID, nil)
		active.SetForceInit(true)
		e.restartWithBackoff(active, p.Kind(), "stale-resume-recovery")

	default:
		_ = e.q.MarkFailed(active.SessionDbID)
		count, countErr := e.q.PendingCount(active.SessionDbID)
		if countErr == nil && count > 0 && active.ConsecutiveRestarts() < maxConsecutiveRestarts {
			e.restartWithBackoff(active, p.Kind(), "error-retry")
		} else {
			e.log.Error("generator aborting session after error", "sessionDbId", active.SessionDbID, "error", err)
		}
	}
}

// runFallbackChain tries the other providers in fallbackOrder, granting a
// synthetic memorySessionId (since the old one is no longer resumable) if
// none is already set. Returns true if a fallback generator was spawned.
func (e *Engine) runFallbackChain(ctx context.Context, active *session.ActiveSession, failed provider.Kind) bool {
	for _, kind := range fallbackOrder {
		if kind == failed {
			continue
		}
		p := e.providers.byKind(kind)
		if p == nil || p.Available() != nil {
			continue
		}
		if active.MemorySessionIDOrEmpty() == "" {
			synthetic := uuid.NewString()
			active.SetMemorySessionID(&synthetic)
		}
		e.spawn(active, kind, "fallback")
		return true
	}
	return false
}

func (e *Engine) restartWithBackoff(active *session.ActiveSession, kind provider.Kind, source string) {
	n := active.IncrementConsecutiveRestarts()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 8 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0

	var delay time.Duration
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		delay = b.MaxInterval
	}

	go func() {
		select {
		case <-time.After(delay):
		case <-active.Context().Done():
			return
		}
		e.spawn(active, kind, source)
	}()
}

type errorClass int

const (
	classOther errorClass = iota
	classUnrecoverable
	classTerminatedUpstream
	classStaleResume
)

var unrecoverableSignatures = []string{
	"missing runtime for provider",
	"missing key for provider",
	"permission denied",
	"executable file not found",
	"invalid api key",
	"unauthorized",
}

var terminatedUpstreamSignatures = []string{
	"process exited",
	"signal: killed",
	"exit status",
	"connection reset",
	"upstream session",
}

var staleResumeSignatures = []string{
	"no conversation found",
	"aborted by user",
}

func classify(err error) errorClass {
	if err == nil {
		return classOther
	}
	msg := strings.ToLower(err.Error())

	for _, sig := range staleResumeSignatures {
		if strings.Contains(msg, sig) {
			return classStaleResume
		}
	}
	for _, sig := range unrecoverableSignatures {
		if strings.Contains(msg, sig) {
			return classUnrecoverable
		}
	}
	for _, sig := range terminatedUpstreamSignatures {
		if strings.Contains(msg, sig) {
			return classTerminatedUpstream
		}
	}
	var missingKey *provider.ErrMissingKey
	var missingRuntime *provider.ErrMissingRuntime
	if errors.As(err, &missingKey) || errors.As(err, &missingRuntime) {
		return classUnrecoverable
	}
	return classOther
}
