// Package queue implements the durable, per-session claim-confirm FIFO queue
// that pending-messages flow through between HTTP handlers and the
// generator.
package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/localmem/memoryd/internal/storage"
)

// StaleThreshold is how long a message may sit in status=processing before
// the next ClaimNext call self-heals it back to pending.
const StaleThreshold = 60 * time.Second

// MessageType distinguishes the two kinds of pending work a generator drains.
type MessageType string

const (
	MessageObservation MessageType = "observation"
	MessageSummarize   MessageType = "summarize"
)

// Status is the lifecycle state of a PendingMessage.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
	StatusAbandoned  Status = "abandoned"
)

// PendingMessage is one unit of work queued for a session's generator.
type PendingMessage struct {
	ID                       int64
	SessionDbID              int64
	ContentSessionID         string
	MessageType              MessageType
	ToolName                 *string
	ToolInput                *string
	ToolResponse             *string
	Cwd                      *string
	LastAssistantMessage     *string
	PromptNumber             int
	Status                   Status
	RetryCount               int
	CreatedAtEpoch           int64
	StartedProcessingAtEpoch *int64
	CompletedAtEpoch         *int64
	FailedAtEpoch            *int64
}

// Queue is backed by the shared storage handle's pending_messages table.
type Queue struct {
	db *sql.DB
}

// New wraps the storage engine's connection for pending-message operations.
func New(store *storage.Store) *Queue {
	return &Queue{db: store.Conn()}
}

const pendingColumns = `id, session_db_id, content_session_id, message_type, tool_name, tool_input, tool_response, cwd, last_assistant_message, prompt_number, status, retry_count, created_at_epoch, started_processing_at_epoch, completed_at_epoch, failed_at_epoch`

func scanPending(scanner interface{ Scan(...any) error }, m *PendingMessage) error {
	var msgType, status string
	err := scanner.Scan(&m.ID, &m.SessionDbID, &m.ContentSessionID, &msgType, &m.ToolName, &m.ToolInput, &m.ToolResponse, &m.Cwd, &m.LastAssistantMessage, &m.PromptNumber, &status, &m.RetryCount, &m.CreatedAtEpoch, &m.StartedProcessingAtEpoch, &m.CompletedAtEpoch, &m.FailedAtEpoch)
	m.MessageType = MessageType(msgType)
	m.Status = Status(status)
	return err
}

// Enqueue inserts a new pending message and returns its id. Must be called
// (and return successfully) before the originating HTTP handler responds.
func (q *Queue) Enqueue(sessionDbID int64, contentSessionID string, msgType MessageType, toolName, toolInput, toolResponse, cwd, lastAssistantMessage *string, promptNumber int) (int64, error) {
	now := time.Now().Unix()
	res, err := q.db.Exec(
		`INSERT INTO pending_messages (session_db_id, content_session_id, message_type, tool_name, tool_input, tool_response, cwd, last_assistant_message, prompt_number, status, retry_count, created_at_epoch)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?)`,
		sessionDbID, contentSessionID, string(msgType), toolName, toolInput, toolResponse, cwd, lastAssistantMessage, promptNumber, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue pending message: %w", err)
	}
	return res.LastInsertId()
}

// ClaimNext self-heals any stale in-processing message for this session back
// to pending, then atomically claims the oldest pending message. Returns nil
// if there is no work.
func (q *Queue) ClaimNext(sessionDbID int64) (*PendingMessage, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim-next tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	staleCutoff := time.Now().Add(-StaleThreshold).Unix()
	if _, err := tx.Exec(
		`UPDATE pending_messages
		 SET status = 'pending', retry_count = retry_count + 1, started_processing_at_epoch = NULL
		 WHERE session_db_id = ? AND status = 'processing' AND started_processing_at_epoch < ?`,
		sessionDbID, staleCutoff,
	); err != nil {
		return nil, fmt.Errorf("self-heal stale processing: %w", err)
	}

	row := tx.QueryRow(
		`SELECT id FROM pending_messages WHERE session_db_id = ? AND status = 'pending' ORDER BY id ASC LIMIT 1`,
		sessionDbID,
	)
	var id int64
	if err := row.Scan(&id); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("select next pending: %w", err)
	}

	now := time.Now().Unix()
	if _, err := tx.Exec(
		`UPDATE pending_messages SET status = 'processing', started_processing_at_epoch = ? WHERE id = ?`,
		now, id,
	); err != nil {
		return nil, fmt.Errorf("claim pending message %d: %w", id, err)
	}

	msg := &PendingMessage{}
	if err := scanPending(tx.QueryRow(`SELECT `+pendingColumns+` FROM pending_messages WHERE id = ?`, id), msg); err != nil {
		return nil, fmt.Errorf("read claimed message %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim-next tx: %w", err)
	}
	return msg, nil
}

// ConfirmProcessed marks a message processed. Called only after the
// generator's write of the resulting observation/summary has committed.
func (q *Queue) ConfirmProcessed(messageID int64) error {
	now := time.Now().Unix()
	_, err := q.db.Exec(
		`UPDATE pending_messages SET status = 'processed', completed_at_epoch = ? WHERE id = ?`,
		now, messageID,
	)
	if err != nil {
		return fmt.Errorf("confirm processed %d: %w", messageID, err)
	}
	return nil
}

// MarkFailed bulk-transitions all processing messages for a session to
// failed. Called when the generator's attempt errors out.
func (q *Queue) MarkFailed(sessionDbID int64) error {
	now := time.Now().Unix()
	_, err := q.db.Exec(
		`UPDATE pending_messages SET status = 'failed', failed_at_epoch = ? WHERE session_db_id = ? AND status = 'processing'`,
		now, sessionDbID,
	)
	if err != nil {
		return fmt.Errorf("mark failed for session %d: %w", sessionDbID, err)
	}
	return nil
}

// MarkAbandoned bulk-transitions all pending+processing messages for a
// session to abandoned. Called when the fallback provider chain exhausts.
func (q *Queue) MarkAbandoned(sessionDbID int64) error {
	_, err := q.db.Exec(
		`UPDATE pending_messages SET status = 'abandoned' WHERE session_db_id = ? AND status IN ('pending', 'processing')`,
		sessionDbID,
	)
	if err != nil {
		return fmt.Errorf("mark abandoned for session %d: %w", sessionDbID, err)
	}
	return nil
}

// ResetStale resets every processing message older than thresholdMs back to
// pending. Called with threshold=0 on worker startup so no rows remain stuck
// across a crash.
func (q *Queue) ResetStale(thresholdMs int64) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(thresholdMs) * time.Millisecond).Unix()
	res, err := q.db.Exec(
		`UPDATE pending_messages
		 SET status = 'pending', retry_count = retry_count + 1, started_processing_at_epoch = NULL
		 WHERE status = 'processing' AND (started_processing_at_epoch IS NULL OR started_processing_at_epoch <= ?)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stale processing messages: %w", err)
	}
	return res.RowsAffected()
}

// PendingCount returns the number of pending+processing messages for a session.
func (q *Queue) PendingCount(sessionDbID int64) (int, error) {
	var count int
	err := q.db.QueryRow(
		`SELECT COUNT(*) FROM pending_messages WHERE session_db_id = ? AND status IN ('pending', 'processing')`,
		sessionDbID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("pending count for session %d: %w", sessionDbID, err)
	}
	return count, nil
}

// AnySessionHasWork reports whether any session has pending or processing work.
func (q *Queue) AnySessionHasWork() (bool, error) {
	var count int
	err := q.db.QueryRow(`SELECT COUNT(*) FROM pending_messages WHERE status IN ('pending', 'processing') LIMIT 1`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("any session has work: %w", err)
	}
	return count > 0, nil
}

// SessionsWithPending returns the distinct session ids that have at least one
// pending (not yet claimed) message.
func (q *Queue) SessionsWithPending() ([]int64, error) {
	rows, err := q.db.Query(`SELECT DISTINCT session_db_id FROM pending_messages WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("sessions with pending: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
