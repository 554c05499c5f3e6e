package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsCreateExpectedTables(t *testing.T) {
	s := openTestStore(t)

	tables := []string{
		"sessions",
		"observations",
		"session_summaries",
		"user_prompts",
		"pending_messages",
		"goose_db_version",
	}
	for _, table := range tables {
		var name string
		err := s.Conn().QueryRow(
			`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&name)
		require.NoErrorf(t, err, "table %q should exist after migrations", table)
	}

	var maxVersion int64
	err := s.Conn().QueryRow(
		`SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE version_id > 0`,
	).Scan(&maxVersion)
	require.NoError(t, err)
	require.Equal(t, int64(5), maxVersion)
}

func TestMigrationsAreIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	s1, err := Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dataDir)
	require.NoError(t, err)
	defer s2.Close() //nolint:errcheck

	var maxVersion int64
	err = s2.Conn().QueryRow(`SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE version_id > 0`).Scan(&maxVersion)
	require.NoError(t, err)
	require.Equal(t, int64(5), maxVersion)
}

func TestCreateOrGetSessionIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	prompt := "hello there"
	created, isNew, err := s.CreateOrGetSession("content-abc", "myproject", &prompt)
	require.NoError(t, err)
	require.True(t, isNew)
	require.Equal(t, "active", created.Status)
	require.Equal(t, 0, created.PromptCounter)

	again, isNew2, err := s.CreateOrGetSession("content-abc", "myproject", &prompt)
	require.NoError(t, err)
	require.False(t, isNew2)
	require.Equal(t, created.ID, again.ID)
}

func TestUpdateMemorySessionIDClearsOnNil(t *testing.T) {
	s := openTestStore(t)

	sess, _, err := s.CreateOrGetSession("content-1", "proj", nil)
	require.NoError(t, err)

	mem := "memsess-1"
	require.NoError(t, s.UpdateMemorySessionID(sess.ID, &mem))

	reloaded, err := s.GetSessionByID(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.MemorySessionID)
	require.Equal(t, mem, *reloaded.MemorySessionID)

	require.NoError(t, s.UpdateMemorySessionID(sess.ID, nil))
	reloaded2, err := s.GetSessionByID(sess.ID)
	require.NoError(t, err)
	require.Nil(t, reloaded2.MemorySessionID)
}

func TestAppendObservationDeduplicatesWithinWindow(t *testing.T) {
	s := openTestStore(t)

	sess, _, err := s.CreateOrGetSession("content-2", "proj", nil)
	require.NoError(t, err)
	mem := "memsess-2"
	require.NoError(t, s.UpdateMemorySessionID(sess.ID, &mem))

	now := time.Now().Unix()
	hash := ContentHash("proj", "title", "sub", "narrative text", "[]")
	obs := &Observation{
		MemorySessionID: mem,
		Project:         "proj",
		Type:            "discovery",
		Title:           "title",
		Narrative:       "narrative text",
		Facts:           "[]",
		Concepts:        "[]",
		FilesRead:       "[]",
		FilesModified:   "[]",
		ContentHash:     hash,
		CreatedAtEpoch:  now,
	}

	id1, dup1, err := s.AppendObservation(obs, 15*time.Minute)
	require.NoError(t, err)
	require.False(t, dup1)
	require.NotZero(t, id1)

	obs2 := *obs
	obs2.CreatedAtEpoch = now + 60
	id2, dup2, err := s.AppendObservation(&obs2, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, dup2)
	require.Zero(t, id2)

	obs3 := *obs
	obs3.CreatedAtEpoch = now + int64((20 * time.Minute).Seconds())
	id3, dup3, err := s.AppendObservation(&obs3, 15*time.Minute)
	require.NoError(t, err)
	require.False(t, dup3)
	require.NotZero(t, id3)
}

func TestListObservationsByIDsPreservesRequestOrder(t *testing.T) {
	s := openTestStore(t)
	sess, _, err := s.CreateOrGetSession("content-3", "proj", nil)
	require.NoError(t, err)
	mem := "memsess-3"
	require.NoError(t, s.UpdateMemorySessionID(sess.ID, &mem))

	var ids []int64
	for i := 0; i < 3; i++ {
		obs := &Observation{
			MemorySessionID: mem,
			Project:         "proj",
			Type:            "change",
			Title:           "t",
			Narrative:       "n",
			Facts:           "[]",
			Concepts:        "[]",
			FilesRead:       "[]",
			FilesModified:   "[]",
			ContentHash:     ContentHash("proj", "t", "", "n", "[]") + string(rune('a'+i)),
			CreatedAtEpoch:  time.Now().Unix(),
		}
		id, dup, err := s.AppendObservation(obs, time.Second)
		require.NoError(t, err)
		require.False(t, dup)
		ids = append(ids, id)
	}

	reversed := []int64{ids[2], ids[0], ids[1]}
	out, err := s.ListObservationsByIDs(reversed)
	require.NoError(t, err)
	require.Len(t, out, 3)
	require.Equal(t, reversed[0], out[0].ID)
	require.Equal(t, reversed[1], out[1].ID)
	require.Equal(t, reversed[2], out[2].ID)
}

func TestSaveAndGetLatestUserPrompt(t *testing.T) {
	s := openTestStore(t)
	sess, _, err := s.CreateOrGetSession("content-4", "proj", nil)
	require.NoError(t, err)

	_, err = s.SaveUserPrompt(&UserPrompt{
		ContentSessionID: sess.ContentSessionID,
		PromptNumber:     1,
		PromptText:       "first",
		CreatedAtEpoch:   time.Now().Unix(),
	})
	require.NoError(t, err)
	_, err = s.SaveUserPrompt(&UserPrompt{
		ContentSessionID: sess.ContentSessionID,
		PromptNumber:     2,
		PromptText:       "second",
		CreatedAtEpoch:   time.Now().Unix(),
	})
	require.NoError(t, err)

	latest, err := s.GetLatestUserPrompt(sess.ContentSessionID)
	require.NoError(t, err)
	require.Equal(t, "second", latest.PromptText)
}

func TestListStaleActiveSessions(t *testing.T) {
	s := openTestStore(t)
	sess, _, err := s.CreateOrGetSession("content-5", "proj", nil)
	require.NoError(t, err)

	_, err = s.Conn().Exec(`UPDATE sessions SET started_at = ? WHERE id = ?`,
		time.Now().Add(-7*time.Hour).UTC().Format(time.RFC3339), sess.ID)
	require.NoError(t, err)

	stale, err := s.ListStaleActiveSessions(time.Now().Add(-6 * time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, sess.ID, stale[0].ID)

	require.NoError(t, s.MarkSessionFailed(sess.ID))
	reloaded, err := s.GetSessionByID(sess.ID)
	require.NoError(t, err)
	require.Equal(t, "failed", reloaded.Status)
}
