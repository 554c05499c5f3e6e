// Package httpapi exposes the loopback HTTP surface: session lifecycle
// endpoints backed by the session manager and queue, an SSE fan-out stream
// backed by the hub, and the health/readiness/version/admin endpoints a
// supervising client polls.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/localmem/memoryd/internal/config"
	"github.com/localmem/memoryd/internal/generator"
	"github.com/localmem/memoryd/internal/hub"
	"github.com/localmem/memoryd/internal/privacy"
	"github.com/localmem/memoryd/internal/queue"
	"github.com/localmem/memoryd/internal/session"
	"github.com/localmem/memoryd/internal/storage"
)

const initGateTimeout = 30 * time.Second

// LastInteraction records the outcome of the most recent generator
// call, surfaced through /api/health for operator visibility.
type LastInteraction struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	At      int64  `json:"at"`
}

// Server holds everything a handler needs and the initialization gate every
// /api/* route (except a short allow-list) blocks on.
type Server struct {
	cfg     *config.Loader
	store   *storage.Store
	q       *queue.Queue
	sess    *session.Manager
	gen     *generator.Engine
	h       *hub.Hub
	log     *slog.Logger
	version string
	startAt time.Time
	pid     int

	initMu   sync.RWMutex
	initDone chan struct{}

	lastInteractionMu sync.Mutex
	lastInteraction   *LastInteraction

	// OnShutdownRequested is invoked by POST /api/admin/shutdown; wired by
	// main to the shutdown coordinator.
	OnShutdownRequested func()
}

// New builds a Server. Call MarkInitialized once startup completes so the
// initialization gate opens.
func New(cfg *config.Loader, store *storage.Store, q *queue.Queue, sess *session.Manager, gen *generator.Engine, h *hub.Hub, log *slog.Logger, version string) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		q:        q,
		sess:     sess,
		gen:      gen,
		h:        h,
		log:      log,
		version:  version,
		startAt:  time.Now(),
		pid:      os.Getpid(),
		initDone: make(chan struct{}),
	}
}

// MarkInitialized closes the initialization gate, unblocking every pending
// and future /api/* request (other than the allow-listed routes, which
// never waited).
func (s *Server) MarkInitialized() {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	select {
	case <-s.initDone:
	default:
		close(s.initDone)
	}
}

func (s *Server) initialized() bool {
	select {
	case <-s.initDone:
		return true
	default:
		return false
	}
}

// RecordInteraction is wired to the generator engine's OnInteraction
// callback so /api/health can surface the most recent outcome.
func (s *Server) RecordInteraction(success bool, err error) {
	li := &LastInteraction{Success: success, At: time.Now().Unix()}
	if err != nil {
		li.Error = err.Error()
	}
	s.lastInteractionMu.Lock()
	s.lastInteraction = li
	s.lastInteractionMu.Unlock()
}

// Router builds the chi router with the initialization gate and request
// logging installed, matching the ambient middleware-composition idiom.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/readiness", s.handleReadiness)
	r.Get("/api/version", s.handleVersion)
	r.Get("/api/context/inject", s.handleContextInject) // fail-open, never gated

	r.Group(func(gated chi.Router) {
		gated.Use(s.initializationGate)

		gated.Post("/api/sessions/init", s.handleSessionInit)
		gated.Post("/api/sessions/observations", s.handleSessionObservations)
		gated.Post("/api/sessions/summarize", s.handleSessionSummarize)
		gated.Post("/api/sessions/complete", s.handleSessionComplete)
		gated.Get("/api/search", s.handleSearchPlaceholder)
		gated.Get("/api/timeline", s.handleSearchPlaceholder)
		gated.Get("/api/observations/batch", s.handleObservationsBatch)
		gated.Get("/api/search/by-file", s.handleSearchPlaceholder)
		gated.Get("/stream", s.handleStream)
		gated.Post("/api/admin/shutdown", s.handleAdminShutdown)
	})

	return r
}

// initializationGate blocks a request until startup completes or a
// 30-second cap elapses (returning 503), matching every route except the
// allow-list mounted outside this group.
func (s *Server) initializationGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.initialized() {
			next.ServeHTTP(w, r)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), initGateTimeout)
		defer cancel()

		select {
		case <-s.initDone:
			next.ServeHTTP(w, r)
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service initializing"})
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func stripPrivacy(s string) (string, bool) {
	return privacy.Strip(s)
}
