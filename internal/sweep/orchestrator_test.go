package sweep

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/listfold/chatmend/internal/checkpoint"
	"github.com/listfold/chatmend/internal/conversation"
	"github.com/listfold/chatmend/internal/healer"
	"github.com/listfold/chatmend/internal/integrity"
	"github.com/listfold/chatmend/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedChat(t *testing.T, s *store.Store, owner string, msgs ...conversation.Message) *conversation.Chat {
	t.Helper()
	ctx := context.Background()
	chat, err := s.CreateChat(ctx, owner, "chat")
	require.NoError(t, err)
	for _, m := range msgs {
		m.ChatID = chat.ID
		require.NoError(t, s.InsertMessage(ctx, m))
	}
	return chat
}

func userMsg(pos int, content string) conversation.Message {
	return conversation.Message{ID: uuid.NewString(), Role: conversation.RoleUser, Content: content, Position: pos}
}

func assistantMsg(pos int, callIDs ...string) conversation.Message {
	m := conversation.Message{ID: uuid.NewString(), Role: conversation.RoleAssistant, Position: pos}
	for _, callID := range callIDs {
		m.ToolCalls = append(m.ToolCalls, conversation.ToolCall{
			ID: uuid.NewString(), MessageID: m.ID, CallID: callID, Name: "lookup", Arguments: "{}",
		})
	}
	return m
}

func toolMsg(pos int, toolCallID string) conversation.Message {
	return conversation.Message{ID: uuid.NewString(), Role: conversation.RoleTool, Content: "result", Position: pos, ToolCallID: toolCallID}
}

func newOrchestrator(s *store.Store, cfg Config, opts ...Option) *Orchestrator {
	h := healer.New(s, healer.Config{})
	ck := checkpoint.New(s, 0)
	return New(s, h, ck, cfg, opts...)
}

// One chat beyond recovery must not take the sweep down with it: the
// healthy and healable chats still get their outcomes and the sweep
// reports a single error.
func TestRunSweep_FaultIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Beyond recovery: no valid prefix exists.
	doomed := seedChat(t, s, "u1",
		toolMsg(1, conversation.NewToolCallID()),
		toolMsg(2, conversation.NewToolCallID()),
	)
	// Healable: one malformed tool response.
	healable := seedChat(t, s, "u2",
		userMsg(1, "hi"),
		assistantMsg(2, "call_a1"),
		toolMsg(3, "call_a1"),
		toolMsg(4, "garbage"),
	)
	// Clean but never swept: last_stable_at is null, so it is a candidate.
	clean := seedChat(t, s, "u3", userMsg(1, "hi"))

	o := newOrchestrator(s, Config{Workers: 2, BatchSize: 2})
	sum, err := o.RunSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sum.Checked)
	require.Equal(t, 1, sum.Healthy)
	require.Equal(t, 1, sum.Healed)
	require.Equal(t, 1, sum.Errors)

	got, err := s.GetChat(ctx, doomed.ID)
	require.NoError(t, err)
	require.Equal(t, conversation.StateError, got.State)

	rec, err := s.LoadChat(ctx, healable.ID)
	require.NoError(t, err)
	require.True(t, integrity.Validate(rec).Empty())
	require.Equal(t, conversation.StateStable, rec.Chat.State)

	got, err = s.GetChat(ctx, clean.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastStableAt)
}

func TestRunSweep_SkipsFreshStableChats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := seedChat(t, s, "u1", userMsg(1, "hi"))
	now := time.Now().UTC()
	require.NoError(t, s.SetConversationState(ctx, fresh.ID, conversation.StateStable, &now))

	o := newOrchestrator(s, Config{})
	sum, err := o.RunSweep(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Checked)
}

func TestRunSweep_RecoveryOutcomeCounted(t *testing.T) {
	s := newTestStore(t)
	msgs := []conversation.Message{userMsg(1, "the good part")}
	for i := 2; i <= 8; i++ {
		msgs = append(msgs, toolMsg(i, conversation.NewToolCallID()))
	}
	original := seedChat(t, s, "u1", msgs...)

	o := newOrchestrator(s, Config{})
	sum, err := o.RunSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, sum.Recovered)

	rcs, err := s.ListRecoveryContextsFor(context.Background(), original.ID)
	require.NoError(t, err)
	require.Len(t, rcs, 1)
}

// Severity triage: a chat scoring below the threshold and old enough to
// touch is archived outright, and a replacement is spawned when the
// owner would otherwise have no active chat left.
func TestRunSweep_TriageArchivesAndSpawnsReplacement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three unanswered tool calls: 3 x 30 off the score leaves 10,
	// under the default threshold of 20.
	wreck := seedChat(t, s, "owner-1",
		assistantMsg(1, "call_a"),
		assistantMsg(2, "call_b"),
		assistantMsg(3, "call_c"),
	)

	future := func() time.Time { return time.Now().Add(7 * time.Hour) }
	h := healer.New(s, healer.Config{}, healer.WithClock(future))
	o := New(s, h, checkpoint.New(s, 0), Config{SpawnReplacement: true}, WithClock(future))

	sum, err := o.RunSweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.Archived)
	require.Zero(t, sum.Healed)

	got, err := s.GetChat(ctx, wreck.ID)
	require.NoError(t, err)
	require.Equal(t, conversation.StatusArchived, got.Status)

	// The owner lost their only active chat; a fresh one replaces it.
	active, err := s.CountActiveChatsForOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, 1, active)
}

func TestRunSweep_TriageRespectsMinAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same wreck, but freshly touched: triage refuses to archive it, so
	// it falls through to the healer instead.
	wreck := seedChat(t, s, "owner-1",
		assistantMsg(1, "call_a"),
		assistantMsg(2, "call_b"),
		assistantMsg(3, "call_c"),
	)

	o := newOrchestrator(s, Config{SpawnReplacement: true})
	sum, err := o.RunSweep(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Archived)

	got, err := s.GetChat(ctx, wreck.ID)
	require.NoError(t, err)
	require.Equal(t, conversation.StatusActive, got.Status)

	// No owner chat was archived, so no replacement appears either.
	active, err := s.CountActiveChatsForOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, 1, active)
}

func TestRunSweep_RetentionPurgesRecoveryContexts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	original := seedChat(t, s, "u1")
	branch := seedChat(t, s, "u1")
	now := time.Now().UTC()
	require.NoError(t, s.SetConversationState(ctx, original.ID, conversation.StateStable, &now))
	require.NoError(t, s.SetConversationState(ctx, branch.ID, conversation.StateStable, &now))

	require.NoError(t, s.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertRecoveryContext(ctx, integrity.RecoveryContext{
			ID: uuid.NewString(), OriginalChatID: original.ID, RecoveryChatID: branch.ID,
			CreatedAt: time.Now().Add(-25 * time.Hour),
		})
	}))

	o := newOrchestrator(s, Config{RecoveryContextTTL: 24 * time.Hour})
	_, err := o.RunSweep(ctx)
	require.NoError(t, err)

	left, err := s.ListRecoveryContextsFor(ctx, original.ID)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestRunSweep_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	seedChat(t, s, "u1", userMsg(1, "hi"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newOrchestrator(s, Config{})
	sum, err := o.RunSweep(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Checked)
	require.Zero(t, sum.Healed)
}

type fakeProbe struct {
	name   string
	err    error
	called bool
}

func (p *fakeProbe) Name() string { return p.name }

func (p *fakeProbe) Check(context.Context) error {
	p.called = true
	return p.err
}

func TestRunSweep_ProbeFailureNeverRaises(t *testing.T) {
	s := newTestStore(t)
	ok := &fakeProbe{name: "completion"}
	bad := &fakeProbe{name: "tools", err: errors.New("connection refused")}

	o := newOrchestrator(s, Config{}, WithProbes(ok, bad))
	_, err := o.RunSweep(context.Background())
	require.NoError(t, err)
	require.True(t, ok.called)
	require.True(t, bad.called)
}
