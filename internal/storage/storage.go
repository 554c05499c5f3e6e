// Package storage provides durable, transactional access to sessions,
// observations, summaries, user prompts, and pending messages.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Store wraps a sql.DB connection to the SQLite database.
type Store struct {
	conn *sql.DB
}

// Session represents a content-assistant session tracked by the worker.
type Session struct {
	ID               int64
	ContentSessionID string
	MemorySessionID  *string
	Project          string
	FirstUserPrompt  *string
	StartedAt        string
	CompletedAt      *string
	Status           string // active, completed, failed
	PromptCounter    int
	CustomTitle      *string
}

// Observation is a single structured memory produced by the generator.
type Observation struct {
	ID               int64
	MemorySessionID  string
	Project          string
	Type             string
	Title            string
	Subtitle         *string
	Narrative        string
	Facts            string // serialized list (JSON)
	Concepts         string // serialized list (JSON)
	FilesRead        string // serialized list (JSON)
	FilesModified    string // serialized list (JSON)
	PromptNumber     int
	DiscoveryTokens  int
	ContentHash      string
	CreatedAtEpoch   int64
}

// SessionSummary is an LLM-generated summary appended at a turn boundary.
type SessionSummary struct {
	ID              int64
	MemorySessionID string
	Project         string
	Request         string
	Investigated    *string
	Learned         *string
	Completed       *string
	NextSteps       *string
	FilesRead       string
	FilesEdited     string
	Notes           *string
	PromptNumber    int
	DiscoveryTokens int
	CreatedAtEpoch  int64
}

// UserPrompt records the privacy-stripped text of a prompt at session init.
type UserPrompt struct {
	ID               int64
	ContentSessionID string
	PromptNumber     int
	PromptText       string
	CreatedAtEpoch   int64
}

// Open creates a new Store connection and runs all pending migrations.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	path := dataDir + "/memoryd.db"

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	// goose.NewProvider, not the package-level globals, so concurrent Store
	// instances in tests don't race a shared global dialect/provider state.
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	store := &Store{conn: conn}
	setupFTS5(store)
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying *sql.DB for use by collaborating packages.
func (s *Store) Conn() *sql.DB {
	return s.conn
}

const sessionColumns = `id, content_session_id, memory_session_id, project, first_user_prompt, started_at, completed_at, status, prompt_counter, custom_title`

func scanSession(scanner interface{ Scan(...any) error }, sess *Session) error {
	return scanner.Scan(&sess.ID, &sess.ContentSessionID, &sess.MemorySessionID, &sess.Project, &sess.FirstUserPrompt, &sess.StartedAt, &sess.CompletedAt, &sess.Status, &sess.PromptCounter, &sess.CustomTitle)
}

// CreateOrGetSession returns the existing session for contentSessionID, or
// creates one idempotently. The second return value reports whether the
// session was newly created.
func (s *Store) CreateOrGetSession(contentSessionID, project string, firstUserPrompt *string) (*Session, bool, error) {
	existing, err := s.GetSessionByContentID(contentSessionID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.conn.Exec(
		`INSERT INTO sessions (content_session_id, project, first_user_prompt, started_at, status, prompt_counter)
		 VALUES (?, ?, ?, ?, 'active', 0)`,
		contentSessionID, project, firstUserPrompt, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("session last insert id: %w", err)
	}

	created, err := s.GetSessionByID(id)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

// GetSessionByID retrieves a single session by its storage id.
func (s *Store) GetSessionByID(id int64) (*Session, error) {
	sess := &Session{}
	row := s.conn.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	if err := scanSession(row, sess); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}
	return sess, nil
}

// GetSessionByContentID retrieves a session by its external content-session id.
func (s *Store) GetSessionByContentID(contentSessionID string) (*Session, error) {
	sess := &Session{}
	row := s.conn.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE content_session_id = ?`, contentSessionID)
	if err := scanSession(row, sess); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get session by content id %q: %w", contentSessionID, err)
	}
	return sess, nil
}

// UpdateMemorySessionID stores the generator's resumable conversational
// identity, or clears it (pass nil) after a stale-resume error.
func (s *Store) UpdateMemorySessionID(sessionDbID int64, memorySessionID *string) error {
	_, err := s.conn.Exec(`UPDATE sessions SET memory_session_id = ? WHERE id = ?`, memorySessionID, sessionDbID)
	if err != nil {
		return fmt.Errorf("update memory session id %d: %w", sessionDbID, err)
	}
	return nil
}

// IncrementPromptCounter bumps and returns the session's prompt_counter.
func (s *Store) IncrementPromptCounter(sessionDbID int64) (int, error) {
	_, err := s.conn.Exec(`UPDATE sessions SET prompt_counter = prompt_counter + 1 WHERE id = ?`, sessionDbID)
	if err != nil {
		return 0, fmt.Errorf("increment prompt counter %d: %w", sessionDbID, err)
	}
	var counter int
	if err := s.conn.QueryRow(`SELECT prompt_counter FROM sessions WHERE id = ?`, sessionDbID).Scan(&counter); err != nil {
		return 0, fmt.Errorf("read prompt counter %d: %w", sessionDbID, err)
	}
	return counter, nil
}

// MarkSessionCompleted transitions a session to status=completed.
func (s *Store) MarkSessionCompleted(sessionDbID int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.conn.Exec(`UPDATE sessions SET status = 'completed', completed_at = ? WHERE id = ?`, now, sessionDbID)
	if err != nil {
		return fmt.Errorf("mark session completed %d: %w", sessionDbID, err)
	}
	return nil
}

// MarkSessionFailed transitions a session to status=failed (stale-reap path).
func (s *Store) MarkSessionFailed(sessionDbID int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.conn.Exec(`UPDATE sessions SET status = 'failed', completed_at = ? WHERE id = ?`, now, sessionDbID)
	if err != nil {
		return fmt.Errorf("mark session failed %d: %w", sessionDbID, err)
	}
	return nil
}

// ListStaleActiveSessions returns sessions still active but started before cutoff.
func (s *Store) ListStaleActiveSessions(cutoff time.Time) ([]Session, error) {
	rows, err := s.conn.Query(`SELECT `+sessionColumns+` FROM sessions WHERE status = 'active' AND started_at < ?`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("list stale active sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Session
	for rows.Next() {
		var sess Session
		if err := scanSession(rows, &sess); err != nil {
			return nil, fmt.Errorf("scan stale session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- Observation methods ---

// ContentHash computes the dedup hash for an observation over its semantic fields.
func ContentHash(project, title, subtitle, narrative, concepts string) string {
	h := sha256.New()
	h.Write([]byte(project))
	h.Write([]byte{0})
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(subtitle))
	h.Write([]byte{0})
	h.Write([]byte(narrative))
	h.Write([]byte{0})
	h.Write([]byte(concepts))
	return hex.EncodeToString(h.Sum(nil))
}

// AppendObservation inserts an observation unless a duplicate (same
// contentHash) was written within the given dedup window.
func (s *Store) AppendObservation(o *Observation, dedupWindow time.Duration) (int64, bool, error) {
	cutoff := o.CreatedAtEpoch - int64(dedupWindow.Seconds())
	var dupCount int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM observations WHERE content_hash = ? AND created_at_epoch >= ?`,
		o.ContentHash, cutoff,
	).Scan(&dupCount)
	if err != nil {
		return 0, false, fmt.Errorf("check observation dedup: %w", err)
	}
	if dupCount > 0 {
		return 0, true, nil
	}

	res, err := s.conn.Exec(
		`INSERT INTO observations (memory_session_id, project, type, title, subtitle, narrative, facts, concepts, files_read, files_modified, prompt_number, discovery_tokens, content_hash, created_at_epoch)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.MemorySessionID, o.Project, o.Type, o.Title, o.Subtitle, o.Narrative, o.Facts, o.Concepts, o.FilesRead, o.FilesModified, o.PromptNumber, o.DiscoveryTokens, o.ContentHash, o.CreatedAtEpoch,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert observation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("observation last insert id: %w", err)
	}
	return id, false, nil
}

const observationColumns = `id, memory_session_id, project, type, title, subtitle, narrative, facts, concepts, files_read, files_modified, prompt_number, discovery_tokens, content_hash, created_at_epoch`

func scanObservation(scanner interface{ Scan(...any) error }, o *Observation) error {
	return scanner.Scan(&o.ID, &o.MemorySessionID, &o.Project, &o.Type, &o.Title, &o.Subtitle, &o.Narrative, &o.Facts, &o.Concepts, &o.FilesRead, &o.FilesModified, &o.PromptNumber, &o.DiscoveryTokens, &o.ContentHash, &o.CreatedAtEpoch)
}

// ListObservationsByIDs fetches observations by primary key, in request order.
func (s *Store) ListObservationsByIDs(ids []int64) ([]Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := `SELECT ` + observationColumns + ` FROM observations WHERE id IN (` + strings.Join(placeholders, ",") + `)`
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations by ids: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	byID := make(map[int64]Observation, len(ids))
	for rows.Next() {
		var o Observation
		if err := scanObservation(rows, &o); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		byID[o.ID] = o
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Observation, 0, len(ids))
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListObservationsByTimeWindow returns observations for a project within
// [sinceEpoch, untilEpoch], ordered oldest-first.
func (s *Store) ListObservationsByTimeWindow(project string, sinceEpoch, untilEpoch int64, limit int) ([]Observation, error) {
	rows, err := s.conn.Query(
		`SELECT `+observationColumns+` FROM observations WHERE project = ? AND created_at_epoch BETWEEN ? AND ? ORDER BY created_at_epoch ASC LIMIT ?`,
		project, sinceEpoch, untilEpoch, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list observations by time window: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []Observation
	for rows.Next() {
		var o Observation
		if err := scanObservation(rows, &o); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Summary methods ---

// AppendSummary inserts a session summary.
func (s *Store) AppendSummary(sum *SessionSummary) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO session_summaries (memory_session_id, project, request, investigated, learned, completed, next_steps, files_read, files_edited, notes, prompt_number, discovery_tokens, created_at_epoch)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.MemorySessionID, sum.Project, sum.Request, sum.Investigated, sum.Learned, sum.Completed, sum.NextSteps, sum.FilesRead, sum.FilesEdited, sum.Notes, sum.PromptNumber, sum.DiscoveryTokens, sum.CreatedAtEpoch,
	)
	if err != nil {
		return 0, fmt.Errorf("insert session summary: %w", err)
	}
	return res.LastInsertId()
}

// --- User prompt methods ---

// SaveUserPrompt records the privacy-stripped text of a prompt at session init.
func (s *Store) SaveUserPrompt(p *UserPrompt) (int64, error) {
	res, err := s.conn.Exec(
		`INSERT INTO user_prompts (content_session_id, prompt_number, prompt_text, created_at_epoch)
		 VALUES (?, ?, ?, ?)`,
		p.ContentSessionID, p.PromptNumber, p.PromptText, p.CreatedAtEpoch,
	)
	if err != nil {
		return 0, fmt.Errorf("insert user prompt: %w", err)
	}
	return res.LastInsertId()
}

// GetLatestUserPrompt returns the most recent prompt for a content session, or nil.
func (s *Store) GetLatestUserPrompt(contentSessionID string) (*UserPrompt, error) {
	p := &UserPrompt{}
	row := s.conn.QueryRow(
		`SELECT id, content_session_id, prompt_number, prompt_text, created_at_epoch
		 FROM user_prompts WHERE content_session_id = ? ORDER BY prompt_number DESC LIMIT 1`,
		contentSessionID,
	)
	if err := row.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAtEpoch); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get latest user prompt %q: %w", contentSessionID, err)
	}
	return p, nil
}

// FTS5Available reports whether the optional full-text search virtual table
// probe succeeded. A failure here degrades search to vector-only and never
// blocks startup.
func (s *Store) FTS5Available() bool {
	var name string
	err := s.conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='observations_fts'`).Scan(&name)
	return err == nil
}
