// Package conversation defines the persisted chat aggregate: a Chat, its
// ordered Messages and their ToolCalls, plus the checkpoint snapshot and
// recovery-context records that the healing pipeline produces.
package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// Status is the lifecycle status of a chat, orthogonal to its
// conversation state. Archival is terminal bookkeeping; it never feeds
// back into healing.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// State tracks structural health of a chat's message log.
type State string

const (
	StateStable       State = "stable"
	StateNeedsCleanup State = "needs_cleanup"
	StateError        State = "error"
)

// Message roles reuse the wire-level role names of the completion
// protocol that produced the records.
const (
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleTool      = openai.ChatMessageRoleTool
)

// Chat is a conversation aggregate root owned by a user.
type Chat struct {
	ID           string
	OwnerID      string
	Title        string
	Status       Status
	State        State
	LastStableAt *time.Time
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one turn in a chat. Position is strictly increasing and
// unique within the chat; it is the authoritative ordering attribute.
// ToolCallID is set only for role=tool; ToolCalls only for role=assistant.
type Message struct {
	ID         string
	ChatID     string
	Role       string
	Content    string
	ToolCallID string
	Position   int
	CreatedAt  time.Time
	ToolCalls  []ToolCall
}

// ToolCall is a function-invocation request attached to an assistant
// message. CallID shares the call_<token> namespace with the
// Message.ToolCallID of the tool response that answers it.
type ToolCall struct {
	ID        string
	MessageID string
	CallID    string
	Name      string
	Arguments string
	CreatedAt time.Time
}

// ChatRecord is the immutable aggregate handed to the validator:
// the chat row plus its messages ordered by position, with tool calls
// attached to their assistant message.
type ChatRecord struct {
	Chat     Chat
	Messages []Message
}

// Stamp summarizes the aggregate for optimistic concurrency checks: any
// append or delete changes it.
type Stamp struct {
	MessageCount int
	MaxPosition  int
}

// Stamp computes the mutation stamp at the time the record was loaded.
func (r *ChatRecord) Stamp() Stamp {
	s := Stamp{MessageCount: len(r.Messages)}
	for _, m := range r.Messages {
		if m.Position > s.MaxPosition {
			s.MaxPosition = m.Position
		}
	}
	return s
}

var toolCallIDPattern = regexp.MustCompile(`^call_[A-Za-z0-9_-]+$`)

// ValidToolCallID reports whether id matches the call_<token> namespace
// used by the completion protocol.
func ValidToolCallID(id string) bool {
	return toolCallIDPattern.MatchString(id)
}

// NewToolCallID mints a fresh identifier in the call_<token> namespace.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ContentDigest returns the hex sha256 digest of a message's role and
// content, used by checkpoint snapshots instead of full duplication.
func ContentDigest(m Message) string {
	h := sha256.New()
	h.Write([]byte(m.Role))
	h.Write([]byte{0})
	h.Write([]byte(m.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot is the lightweight checkpoint payload: ordered message ids
// and content digests. It is serialized to JSON only at the storage
// boundary.
type Snapshot struct {
	ChatID  string          `json:"chat_id"`
	TakenAt time.Time       `json:"taken_at"`
	Entries []SnapshotEntry `json:"entries"`
}

// SnapshotEntry records one message's identity within a snapshot.
type SnapshotEntry struct {
	MessageID string `json:"message_id"`
	Position  int    `json:"position"`
	Digest    string `json:"digest"`
}

// SnapshotOf captures the current message sequence of a record.
func SnapshotOf(r *ChatRecord, now time.Time) Snapshot {
	snap := Snapshot{ChatID: r.Chat.ID, TakenAt: now, Entries: make([]SnapshotEntry, 0, len(r.Messages))}
	for _, m := range r.Messages {
		snap.Entries = append(snap.Entries, SnapshotEntry{
			MessageID: m.ID,
			Position:  m.Position,
			Digest:    ContentDigest(m),
		})
	}
	return snap
}

// Checkpoint is a labeled, point-in-time snapshot of a chat used for
// manual audit and rollback. The healer never consults checkpoints.
type Checkpoint struct {
	ID        string
	ChatID    string
	Label     string
	Snapshot  Snapshot
	CreatedAt time.Time
}
