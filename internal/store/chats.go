package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/listfold/chatmend/internal/conversation"
)

var (
	// ErrChatNotFound is returned when a chat id resolves to nothing.
	ErrChatNotFound = errors.New("chat not found")
	// ErrConcurrentMutation is returned when a chat changed between the
	// validation snapshot and the repair commit.
	ErrConcurrentMutation = errors.New("chat mutated since validation snapshot")
)

// CreateChat inserts a new chat owned by ownerID, initially stable.
func (s *Store) CreateChat(ctx context.Context, ownerID, title string) (*conversation.Chat, error) {
	return createChat(ctx, s.db, s.now(), ownerID, title)
}

// CreateChat inserts a new chat within the transaction.
func (t *Tx) CreateChat(ctx context.Context, ownerID, title string) (*conversation.Chat, error) {
	return createChat(ctx, t.tx, t.now(), ownerID, title)
}

func createChat(ctx context.Context, q querier, now time.Time, ownerID, title string) (*conversation.Chat, error) {
	chat := &conversation.Chat{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		Status:    conversation.StatusActive,
		State:     conversation.StateStable,
		Metadata:  map[string]any{},
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO chats (id, owner_id, title, status, conversation_state, last_stable_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, '{}', ?, ?)`,
		chat.ID, chat.OwnerID, chat.Title, chat.Status, chat.State, chat.CreatedAt, chat.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat: %w", err)
	}
	return chat, nil
}

// GetChat returns the chat row alone, without its messages.
func (s *Store) GetChat(ctx context.Context, chatID string) (*conversation.Chat, error) {
	return getChat(ctx, s.db, chatID)
}

// LoadChat returns the chat aggregate: the chat row plus all messages
// ordered by position with their tool calls attached. The returned
// record is a detached copy; mutating it never touches the database.
func (s *Store) LoadChat(ctx context.Context, chatID string) (*conversation.ChatRecord, error) {
	return loadChat(ctx, s.db, chatID)
}

// LoadChat loads the aggregate within the transaction.
func (t *Tx) LoadChat(ctx context.Context, chatID string) (*conversation.ChatRecord, error) {
	return loadChat(ctx, t.tx, chatID)
}

func loadChat(ctx context.Context, q querier, chatID string) (*conversation.ChatRecord, error) {
	chat, err := getChat(ctx, q, chatID)
	if err != nil {
		return nil, err
	}

	rec := &conversation.ChatRecord{Chat: *chat}

	rows, err := q.QueryContext(ctx, `
		SELECT id, chat_id, role, content, COALESCE(tool_call_id, ''), position, created_at
		FROM messages WHERE chat_id = ? ORDER BY position ASC, created_at ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]int)
	for rows.Next() {
		var m conversation.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &m.Content, &m.ToolCallID, &m.Position, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		byID[m.ID] = len(rec.Messages)
		rec.Messages = append(rec.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tcRows, err := q.QueryContext(ctx, `
		SELECT tc.id, tc.message_id, tc.call_id, tc.name, tc.arguments, tc.created_at
		FROM tool_calls tc
		JOIN messages m ON m.id = tc.message_id
		WHERE m.chat_id = ?
		ORDER BY tc.created_at ASC, tc.id ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer tcRows.Close()

	for tcRows.Next() {
		var tc conversation.ToolCall
		if err := tcRows.Scan(&tc.ID, &tc.MessageID, &tc.CallID, &tc.Name, &tc.Arguments, &tc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		if idx, ok := byID[tc.MessageID]; ok {
			rec.Messages[idx].ToolCalls = append(rec.Messages[idx].ToolCalls, tc)
		}
	}
	return rec, tcRows.Err()
}

func getChat(ctx context.Context, q querier, chatID string) (*conversation.Chat, error) {
	var (
		chat         conversation.Chat
		lastStableAt sql.NullTime
		metadata     string
	)
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_id, title, status, conversation_state, last_stable_at, metadata, created_at, updated_at
		FROM chats WHERE id = ?`, chatID)
	err := row.Scan(&chat.ID, &chat.OwnerID, &chat.Title, &chat.Status, &chat.State,
		&lastStableAt, &metadata, &chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	if lastStableAt.Valid {
		ts := lastStableAt.Time
		chat.LastStableAt = &ts
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &chat.Metadata); err != nil {
			chat.Metadata = map[string]any{}
		}
	}
	return &chat, nil
}

// SetConversationState persists a conversation_state transition. When
// lastStableAt is non-nil it refreshes chats.last_stable_at too.
func (s *Store) SetConversationState(ctx context.Context, chatID string, state conversation.State, lastStableAt *time.Time) error {
	return setConversationState(ctx, s.db, s.now(), chatID, state, lastStableAt)
}

// SetConversationState persists the transition within the transaction.
func (t *Tx) SetConversationState(ctx context.Context, chatID string, state conversation.State, lastStableAt *time.Time) error {
	return setConversationState(ctx, t.tx, t.now(), chatID, state, lastStableAt)
}

func setConversationState(ctx context.Context, q querier, now time.Time, chatID string, state conversation.State, lastStableAt *time.Time) error {
	var res sql.Result
	var err error
	if lastStableAt != nil {
		res, err = q.ExecContext(ctx,
			`UPDATE chats SET conversation_state = ?, last_stable_at = ?, updated_at = ? WHERE id = ?`,
			state, lastStableAt.UTC(), now.UTC(), chatID)
	} else {
		res, err = q.ExecContext(ctx,
			`UPDATE chats SET conversation_state = ?, updated_at = ? WHERE id = ?`,
			state, now.UTC(), chatID)
	}
	if err != nil {
		return fmt.Errorf("set conversation state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return nil
}

// SetStatus updates the chat lifecycle status (archival policy path).
func (s *Store) SetStatus(ctx context.Context, chatID string, status conversation.Status) error {
	return setStatus(ctx, s.db, s.now(), chatID, status)
}

// SetStatus updates the status within the transaction.
func (t *Tx) SetStatus(ctx context.Context, chatID string, status conversation.Status) error {
	return setStatus(ctx, t.tx, t.now(), chatID, status)
}

func setStatus(ctx context.Context, q querier, now time.Time, chatID string, status conversation.Status) error {
	res, err := q.ExecContext(ctx,
		`UPDATE chats SET status = ?, updated_at = ? WHERE id = ?`, status, now.UTC(), chatID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrChatNotFound, chatID)
	}
	return nil
}

// VerifyUnchanged compares the chat's current message count and maximum
// position against the stamp taken at validation time. A mismatch means
// a live append (or another repair) happened in between and this repair
// attempt must abort without writing.
func (t *Tx) VerifyUnchanged(ctx context.Context, chatID string, stamp conversation.Stamp) error {
	var count, maxPos int
	row := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(MAX(position), 0) FROM messages WHERE chat_id = ?`, chatID)
	if err := row.Scan(&count, &maxPos); err != nil {
		return fmt.Errorf("stamp query: %w", err)
	}
	if count != stamp.MessageCount || maxPos != stamp.MaxPosition {
		return fmt.Errorf("%w: %s", ErrConcurrentMutation, chatID)
	}
	return nil
}

// CountActiveChatsForOwner reports how many active chats a user has,
// used when deciding whether an aggressive archive should spawn a
// replacement chat.
func (s *Store) CountActiveChatsForOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chats WHERE owner_id = ? AND status = ?`, ownerID, conversation.StatusActive)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active chats: %w", err)
	}
	return n, nil
}

// ListCandidateIDs returns one keyset page of chats needing attention:
// active chats whose conversation_state is needs_cleanup or error, or
// whose last_stable_at is null or older than staleBefore. Pagination is
// by id so a sweep never loads the whole population at once.
func (s *Store) ListCandidateIDs(ctx context.Context, after string, limit int, staleBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM chats
		WHERE status = ?
		  AND (conversation_state IN (?, ?) OR last_stable_at IS NULL OR last_stable_at < ?)
		  AND id > ?
		ORDER BY id ASC
		LIMIT ?`,
		conversation.StatusActive,
		conversation.StateNeedsCleanup, conversation.StateError,
		staleBefore.UTC(), after, limit)
	if err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListChatIDs returns one keyset page over every chat regardless of
// state, used by maintenance tooling for bulk operations.
func (s *Store) ListChatIDs(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM chats WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query chat ids: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
