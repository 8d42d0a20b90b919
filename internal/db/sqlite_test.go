package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/models"
)

// testStore opens a temporary SQLite database with schema applied.
func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestWithImmediateTxLock(t *testing.T) {
	assert.Equal(t, "chat.db?_txlock=immediate", withImmediateTxLock("chat.db"))
	assert.Equal(t, "file:chat.db?cache=shared&_txlock=immediate",
		withImmediateTxLock("file:chat.db?cache=shared"))
	assert.Equal(t, "chat.db?_txlock=deferred", withImmediateTxLock("chat.db?_txlock=deferred"))
}

func TestCreateSessionUniqueIDs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sess, err := store.CreateSession(ctx, "alice")
		require.NoError(t, err)
		require.NotEmpty(t, sess.ID)
		assert.False(t, seen[sess.ID], "session ID %s repeated", sess.ID)
		seen[sess.ID] = true
		assert.Equal(t, models.SessionActive, sess.Status)
	}
}

func TestAppendAndHistoryOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "alice")
	require.NoError(t, err)

	turns := []struct{ role, content string }{
		{models.RoleUser, "Hello"},
		{models.RoleAssistant, "Hi there"},
		{models.RoleUser, "How are you?"},
		{models.RoleAssistant, "Fine, thanks"},
	}
	for _, turn := range turns {
		_, err := store.AppendMessage(ctx, sess.ID, turn.role, turn.content, "")
		require.NoError(t, err)
	}

	history, err := store.GetHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, len(turns))

	for i, msg := range history {
		assert.Equal(t, turns[i].role, msg.Role)
		assert.Equal(t, turns[i].content, msg.Content)
		assert.Equal(t, int64(i+1), msg.Seq, "seq numbers must be dense")
	}
}

func TestGetHistoryEmptySession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "alice")
	require.NoError(t, err)

	history, err := store.GetHistory(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUnknownSession(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.AppendMessage(ctx, "missing", models.RoleUser, "hi", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.GetHistory(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestErrorAnnotationRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "alice")
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, sess.ID, models.RoleAssistant, "", "upstream timeout")
	require.NoError(t, err)

	history, err := store.GetHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "upstream timeout", history[0].Error)
	assert.Empty(t, history[0].Content)
}

func TestConcurrentAppendsStayOrdered(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "alice")
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, sess.ID, models.RoleUser, "concurrent turn", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := store.GetHistory(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, writers)

	for i, msg := range history {
		assert.Equal(t, int64(i+1), msg.Seq)
	}
}

func TestConcurrentAppendsAcrossSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const sessions = 8
	const turnsPerSession = 10

	ids := make([]string, sessions)
	for i := range ids {
		sess, err := store.CreateSession(ctx, "alice")
		require.NoError(t, err)
		ids[i] = sess.ID
	}

	// Sessions hash to different lock stripes, so these writers contend on
	// the database file itself rather than on the per-session mutex. They
	// must queue on the write lock, not fail busy.
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			for i := 0; i < turnsPerSession; i++ {
				_, err := store.AppendMessage(ctx, sessionID, models.RoleUser, "cross-session turn", "")
				assert.NoError(t, err)
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		history, err := store.GetHistory(ctx, id)
		require.NoError(t, err)
		require.Len(t, history, turnsPerSession)
		for i, msg := range history {
			assert.Equal(t, int64(i+1), msg.Seq)
		}
	}
}

func TestListSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, "bob")
	require.NoError(t, err)

	sessions, err := store.ListSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	for _, sess := range sessions {
		assert.Equal(t, "alice", sess.UserID)
	}
}

func TestArchiveIdleSessions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	stale, err := store.CreateSession(ctx, "alice")
	require.NoError(t, err)
	fresh, err := store.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, fresh.ID, models.RoleUser, "still chatting", "")
	require.NoError(t, err)

	// Backdate the stale session past the horizon.
	_, err = store.db.Exec(
		"UPDATE sessions SET created_at = '2000-01-01 00:00:00' WHERE id = ?", stale.ID)
	require.NoError(t, err)

	archived, err := store.ArchiveIdleSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), archived)

	got, err := store.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionArchived, got.Status)

	got, err = store.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)

	// Archived history stays readable.
	history, err := store.GetHistory(ctx, stale.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestProviderConfigCRUD(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	cfg := models.ProviderConfig{
		Name:    "groq-main",
		Kind:    "groq",
		APIKey:  "secret",
		Model:   "llama-3.1-70b-versatile",
		Enabled: true,
	}
	require.NoError(t, store.UpsertProvider(ctx, cfg))

	got, err := store.GetProvider(ctx, "groq-main")
	require.NoError(t, err)
	assert.Equal(t, cfg.Kind, got.Kind)
	assert.Equal(t, cfg.APIKey, got.APIKey)
	assert.True(t, got.Enabled)

	// Upsert updates in place.
	cfg.Model = "mixtral-8x7b-32768"
	cfg.Enabled = false
	require.NoError(t, store.UpsertProvider(ctx, cfg))

	got, err = store.GetProvider(ctx, "groq-main")
	require.NoError(t, err)
	assert.Equal(t, "mixtral-8x7b-32768", got.Model)
	assert.False(t, got.Enabled)

	enabled, err := store.EnabledProviders(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	all, err := store.ListProviders(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteProvider(ctx, "groq-main"))
	assert.ErrorIs(t, store.DeleteProvider(ctx, "groq-main"), ErrProviderNotFound)

	_, err = store.GetProvider(ctx, "groq-main")
	assert.ErrorIs(t, err, ErrProviderNotFound)
}
