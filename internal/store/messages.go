package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/listfold/chatmend/internal/conversation"
)

// AppendCompletionMessage is the ingest boundary: it persists one
// message exactly as the external completion / tool-execution service
// produced it, at the next position in the chat. Assistant tool calls
// fan out into tool_calls rows; a tool message keeps its ToolCallID.
// No validation happens here: the engine's job is to inspect what was
// persisted, not to reject it at the door.
func (s *Store) AppendCompletionMessage(ctx context.Context, chatID string, msg openai.ChatCompletionMessage) (*conversation.Message, error) {
	var out *conversation.Message
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := getChat(ctx, tx.tx, chatID); err != nil {
			return err
		}
		var maxPos int
		row := tx.tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(position), 0) FROM messages WHERE chat_id = ?`, chatID)
		if err := row.Scan(&maxPos); err != nil {
			return fmt.Errorf("next position: %w", err)
		}

		now := tx.now().UTC()
		m := conversation.Message{
			ID:         uuid.NewString(),
			ChatID:     chatID,
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Position:   maxPos + 1,
			CreatedAt:  now,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, conversation.ToolCall{
				ID:        uuid.NewString(),
				MessageID: m.ID,
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
				CreatedAt: now,
			})
		}
		if err := tx.InsertMessage(ctx, m); err != nil {
			return err
		}
		if _, err := tx.tx.ExecContext(ctx,
			`UPDATE chats SET updated_at = ? WHERE id = ?`, now, chatID); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
		out = &m
		return nil
	})
	return out, err
}

// InsertMessage inserts a message row (and its tool calls) exactly as
// given, honoring the caller's ids and position. Used by the recovery
// branch copy and by test fixtures that need to author corrupted logs.
func (s *Store) InsertMessage(ctx context.Context, m conversation.Message) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertMessage(ctx, m)
	})
}

// InsertMessage inserts the message within the transaction.
func (t *Tx) InsertMessage(ctx context.Context, m conversation.Message) error {
	created := m.CreatedAt
	if created.IsZero() {
		created = t.now().UTC()
	}
	var toolCallID any
	if m.ToolCallID != "" {
		toolCallID = m.ToolCallID
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, tool_call_id, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ChatID, m.Role, m.Content, toolCallID, m.Position, created)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for _, tc := range m.ToolCalls {
		tcCreated := tc.CreatedAt
		if tcCreated.IsZero() {
			tcCreated = created
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO tool_calls (id, message_id, call_id, name, arguments, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			tc.ID, m.ID, tc.CallID, tc.Name, tc.Arguments, tcCreated); err != nil {
			return fmt.Errorf("insert tool call: %w", err)
		}
	}
	return nil
}

// DeleteMessages removes the given messages and their tool calls. Only
// the healer and the recovery path delete messages.
func (t *Tx) DeleteMessages(ctx context.Context, chatID string, messageIDs []string) (int, error) {
	deleted := 0
	for _, id := range messageIDs {
		if _, err := t.tx.ExecContext(ctx,
			`DELETE FROM tool_calls WHERE message_id = ?`, id); err != nil {
			return deleted, fmt.Errorf("delete tool calls for %s: %w", id, err)
		}
		res, err := t.tx.ExecContext(ctx,
			`DELETE FROM messages WHERE id = ? AND chat_id = ?`, id, chatID)
		if err != nil {
			return deleted, fmt.Errorf("delete message %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted++
		}
	}
	return deleted, nil
}

// ResequenceMessages renumbers the chat's surviving messages to
// consecutive positions starting at 1, preserving their existing
// relative order. Deletions leave gaps; this closes them without ever
// reordering anything.
func (t *Tx) ResequenceMessages(ctx context.Context, chatID string) error {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id FROM messages WHERE chat_id = ? ORDER BY position ASC, created_at ASC`, chatID)
	if err != nil {
		return fmt.Errorf("query for resequence: %w", err)
	}
	ids, err := scanIDs(rows)
	rows.Close()
	if err != nil {
		return err
	}

	// Two phases so transient collisions with surviving positions are
	// impossible even if a UNIQUE index is added later.
	if _, err := t.tx.ExecContext(ctx,
		`UPDATE messages SET position = -position WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("resequence phase 1: %w", err)
	}
	for i, id := range ids {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE messages SET position = ? WHERE id = ?`, i+1, id); err != nil {
			return fmt.Errorf("resequence phase 2: %w", err)
		}
	}
	return nil
}

// CopyMessages inserts copies of msgs into destChatID with fresh ids
// and consecutive positions starting at 1. Order, roles, content and
// tool-call payloads are preserved verbatim.
func (t *Tx) CopyMessages(ctx context.Context, destChatID string, msgs []conversation.Message) error {
	now := t.now().UTC()
	for i, src := range msgs {
		dst := conversation.Message{
			ID:         uuid.NewString(),
			ChatID:     destChatID,
			Role:       src.Role,
			Content:    src.Content,
			ToolCallID: src.ToolCallID,
			Position:   i + 1,
			CreatedAt:  src.CreatedAt,
		}
		if dst.CreatedAt.IsZero() {
			dst.CreatedAt = now
		}
		for _, tc := range src.ToolCalls {
			dst.ToolCalls = append(dst.ToolCalls, conversation.ToolCall{
				ID:        uuid.NewString(),
				MessageID: dst.ID,
				CallID:    tc.CallID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
				CreatedAt: tc.CreatedAt,
			})
		}
		if err := t.InsertMessage(ctx, dst); err != nil {
			return err
		}
	}
	return nil
}
