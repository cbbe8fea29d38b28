package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidToolCallID(t *testing.T) {
	cases := []struct {
		id    string
		valid bool
	}{
		{"call_abc123", true},
		{"call_ABC-123_xyz", true},
		{NewToolCallID(), true},
		{"", false},
		{"bogus", false},
		{"call_", false},
		{"call_with space", false},
		{"Call_abc", false},
		{"tool_abc", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.valid, ValidToolCallID(tc.id), "id %q", tc.id)
	}
}

func TestNewToolCallID_Unique(t *testing.T) {
	a := NewToolCallID()
	b := NewToolCallID()
	require.NotEqual(t, a, b)
	require.True(t, ValidToolCallID(a))
}

func TestContentDigest_DistinguishesRoleAndContent(t *testing.T) {
	base := Message{Role: RoleUser, Content: "hello"}
	sameContent := Message{Role: RoleAssistant, Content: "hello"}
	sameRole := Message{Role: RoleUser, Content: "hello!"}

	require.Equal(t, ContentDigest(base), ContentDigest(base))
	require.NotEqual(t, ContentDigest(base), ContentDigest(sameContent))
	require.NotEqual(t, ContentDigest(base), ContentDigest(sameRole))
}

func TestSnapshotOf(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := &ChatRecord{
		Chat: Chat{ID: "chat-1"},
		Messages: []Message{
			{ID: "m1", Role: RoleUser, Content: "hi", Position: 1},
			{ID: "m2", Role: RoleAssistant, Content: "hello", Position: 2},
		},
	}
	snap := SnapshotOf(rec, now)
	require.Equal(t, "chat-1", snap.ChatID)
	require.Equal(t, now, snap.TakenAt)
	require.Len(t, snap.Entries, 2)
	require.Equal(t, "m1", snap.Entries[0].MessageID)
	require.Equal(t, 1, snap.Entries[0].Position)
	require.Equal(t, ContentDigest(rec.Messages[1]), snap.Entries[1].Digest)
}

func TestStamp(t *testing.T) {
	rec := &ChatRecord{Messages: []Message{
		{ID: "m1", Position: 3},
		{ID: "m2", Position: 7},
		{ID: "m3", Position: 5},
	}}
	stamp := rec.Stamp()
	require.Equal(t, 3, stamp.MessageCount)
	require.Equal(t, 7, stamp.MaxPosition)

	empty := &ChatRecord{}
	require.Equal(t, Stamp{}, empty.Stamp())
}
