package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querystream/internal/model"
)

func testStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpdateThenGet", func(t *testing.T) {
		query := []string{"CHAT_USER: q", "CHAT_ASSISTANT: a"}
		require.NoError(t, store.UpdateQuery(ctx, "s-1", query))

		sess, err := store.Get(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, "s-1", sess.ID)
		assert.Equal(t, query, sess.Query)
	})

	t.Run("UpdateReplaces", func(t *testing.T) {
		require.NoError(t, store.UpdateQuery(ctx, "s-2", []string{"CHAT_USER: one"}))
		require.NoError(t, store.UpdateQuery(ctx, "s-2", []string{"CHAT_USER: two"}))

		sess, err := store.Get(ctx, "s-2")
		require.NoError(t, err)
		assert.Equal(t, []string{"CHAT_USER: two"}, sess.Query)
	})
}

func testCreatorContract(t *testing.T, store interface {
	Store
	Creator
}) {
	ctx := context.Background()

	t.Run("CreateSessionKeepsOwner", func(t *testing.T) {
		require.NoError(t, store.CreateSession(ctx, "owned", "user-7"))
		require.NoError(t, store.UpdateQuery(ctx, "owned", []string{"CHAT_USER: hi"}))
		require.NoError(t, store.CreateSession(ctx, "owned", "user-8"))

		sess, err := store.Get(ctx, "owned")
		require.NoError(t, err)
		assert.Equal(t, "user-7", sess.UserID)
		assert.Equal(t, []string{"CHAT_USER: hi"}, sess.Query)
	})

	t.Run("CreateSessionClaimsUnowned", func(t *testing.T) {
		require.NoError(t, store.UpdateQuery(ctx, "legacy", []string{"old text"}))
		require.NoError(t, store.CreateSession(ctx, "legacy", "user-9"))

		sess, err := store.Get(ctx, "legacy")
		require.NoError(t, err)
		assert.Equal(t, "user-9", sess.UserID)
		assert.Equal(t, []string{"old text"}, sess.Query)
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStoreContract(t, store)
	testCreatorContract(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	testStoreContract(t, store)
	testCreatorContract(t, store)
}

func TestMemoryStore_WatchEchoesWrites(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *model.Session, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		_ = store.Watch(ctx, func(s *model.Session) { got <- s })
	}()
	<-started

	require.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		return len(store.watchers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, store.UpdateQuery(ctx, "s", []string{"CHAT_USER: x"}))

	select {
	case s := <-got:
		assert.Equal(t, []string{"CHAT_USER: x"}, s.Query)
	case <-time.After(time.Second):
		t.Fatal("no watch notification")
	}
}

func TestMemoryStore_FailWrites(t *testing.T) {
	store := NewMemoryStore()
	boom := errors.New("boom")
	store.FailWrites(boom)

	err := store.UpdateQuery(context.Background(), "s", nil)
	assert.ErrorIs(t, err, boom)

	store.FailWrites(nil)
	assert.NoError(t, store.UpdateQuery(context.Background(), "s", nil))
}
