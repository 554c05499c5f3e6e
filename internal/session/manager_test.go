package session

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmem/memoryd/internal/queue"
	"github.com/localmem/memoryd/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store, int64) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sess, _, err := store.CreateOrGetSession("content-1", "demo-project", nil)
	require.NoError(t, err)

	q := queue.New(store)
	m := New(store, q, slog.Default())
	return m, store, sess.ID
}

func TestInitializeSessionIsIdempotent(t *testing.T) {
	m, _, sessionDbID := newTestManager(t)

	a1, err := m.InitializeSession(sessionDbID, nil, 1)
	require.NoError(t, err)

	a2, err := m.InitializeSession(sessionDbID, nil, 2)
	require.NoError(t, err)
	require.Same(t, a1, a2)
}

func TestInitializeSessionDiscardsStaleMemorySessionID(t *testing.T) {
	m, store, sessionDbID := newTestManager(t)
	stale := "stale-memory-session"
	require.NoError(t, store.UpdateMemorySessionID(sessionDbID, &stale))

	active, err := m.InitializeSession(sessionDbID, nil, 1)
	require.NoError(t, err)
	require.Nil(t, active.MemorySessionID)
}

func TestQueueObservationWakesNext(t *testing.T) {
	m, _, sessionDbID := newTestManager(t)
	_, err := m.InitializeSession(sessionDbID, nil, 1)
	require.NoError(t, err)

	toolName := "Read"
	_, err = m.QueueObservation(sessionDbID, &toolName, nil, nil, nil, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	claimed, err := m.Next(ctx, sessionDbID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, queue.MessageObservation, claimed.Message.MessageType)
}

func TestNextReturnsNilOnCancellation(t *testing.T) {
	m, _, sessionDbID := newTestManager(t)
	active, err := m.InitializeSession(sessionDbID, nil, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		claimed, err := m.Next(context.Background(), sessionDbID)
		require.NoError(t, err)
		require.Nil(t, claimed)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	active.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func TestRemoveSessionImmediateInvokesOnDeleted(t *testing.T) {
	m, _, sessionDbID := newTestManager(t)
	_, err := m.InitializeSession(sessionDbID, nil, 1)
	require.NoError(t, err)

	var deletedID int64
	m.OnDeleted = func(id int64) { deletedID = id }

	m.RemoveSessionImmediate(sessionDbID)
	require.Equal(t, sessionDbID, deletedID)

	_, ok := m.Get(sessionDbID)
	require.False(t, ok)
}

func TestReapStaleSessionsSkipsSessionsWithPendingWork(t *testing.T) {
	m, _, sessionDbID := newTestManager(t)
	active, err := m.InitializeSession(sessionDbID, nil, 1)
	require.NoError(t, err)
	active.StartTime = time.Now().Add(-staleReapAge - time.Minute)

	toolName := "Read"
	_, err = m.QueueObservation(sessionDbID, &toolName, nil, nil, nil, 1)
	require.NoError(t, err)

	m.ReapStaleSessions()
	_, ok := m.Get(sessionDbID)
	require.True(t, ok)
}

func TestReapStaleSessionsRemovesIdleOldSession(t *testing.T) {
	m, _, sessionDbID := newTestManager(t)
	active, err := m.InitializeSession(sessionDbID, nil, 1)
	require.NoError(t, err)
	active.StartTime = time.Now().Add(-staleReapAge - time.Minute)

	m.ReapStaleSessions()
	_, ok := m.Get(sessionDbID)
	require.False(t, ok)
}
