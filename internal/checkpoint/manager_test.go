package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listfold/chatmend/internal/conversation"
	"github.com/listfold/chatmend/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChat(t *testing.T, s *store.Store, messages int) *conversation.Chat {
	t.Helper()
	ctx := context.Background()
	chat, err := s.CreateChat(ctx, "user-1", "chat")
	require.NoError(t, err)
	for i := 1; i <= messages; i++ {
		require.NoError(t, s.InsertMessage(ctx, conversation.Message{
			ID: chat.ID + "-m" + string(rune('0'+i)), ChatID: chat.ID,
			Role: conversation.RoleUser, Content: "hello", Position: i,
		}))
	}
	return chat
}

func TestCreate(t *testing.T) {
	s := newTestStore(t)
	chat := seedChat(t, s, 3)
	m := New(s, 0)

	cp, err := m.Create(context.Background(), chat.ID, "before-cleanup")
	require.NoError(t, err)
	require.Equal(t, "before-cleanup", cp.Label)
	require.Equal(t, chat.ID, cp.Snapshot.ChatID)
	require.Len(t, cp.Snapshot.Entries, 3)
	for i, e := range cp.Snapshot.Entries {
		require.Equal(t, i+1, e.Position)
		require.NotEmpty(t, e.Digest)
	}

	listed, err := m.List(context.Background(), chat.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, cp.Snapshot.Entries, listed[0].Snapshot.Entries)
}

func TestCreate_ChatNotFound(t *testing.T) {
	s := newTestStore(t)
	m := New(s, 0)
	_, err := m.Create(context.Background(), "missing", "x")
	require.ErrorIs(t, err, store.ErrChatNotFound)
}

func TestPurge_ExpiredByTTL(t *testing.T) {
	s := newTestStore(t)
	chat := seedChat(t, s, 1)
	ctx := context.Background()

	base := time.Now()
	clock := base
	m := New(s, 7*24*time.Hour, WithClock(func() time.Time { return clock }))

	_, err := m.Create(ctx, chat.ID, "old")
	require.NoError(t, err)

	clock = base.Add(6 * 24 * time.Hour)
	_, err = m.Create(ctx, chat.ID, "recent")
	require.NoError(t, err)

	// Two days later the first checkpoint is 8 days old, past the TTL;
	// the second is 2 days old and stays.
	clock = base.Add(8 * 24 * time.Hour)
	n, err := m.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	left, err := m.List(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "recent", left[0].Label)
}

func TestPurge_OrphansGoImmediately(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	kept := seedChat(t, s, 1)
	doomed := seedChat(t, s, 1)
	m := New(s, 7*24*time.Hour)

	_, err := m.Create(ctx, kept.ID, "keep")
	require.NoError(t, err)
	_, err = m.Create(ctx, doomed.ID, "orphan-to-be")
	require.NoError(t, err)

	// Deleting the chat orphans its hour-old checkpoint; retention
	// removes it on the next pass with no regard for the TTL.
	require.NoError(t, s.SetStatus(ctx, doomed.ID, conversation.StatusDeleted))

	n, err := m.Purge(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	left, err := m.List(ctx, doomed.ID)
	require.NoError(t, err)
	require.Empty(t, left)

	left, err = m.List(ctx, kept.ID)
	require.NoError(t, err)
	require.Len(t, left, 1)
}

func TestPurge_Noop(t *testing.T) {
	s := newTestStore(t)
	m := New(s, time.Hour)
	n, err := m.Purge(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}
