package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/listfold/chatmend/internal/conversation"
)

// SaveCheckpoint persists a checkpoint. The snapshot is serialized to
// JSON here, at the storage boundary, and nowhere else.
func (s *Store) SaveCheckpoint(ctx context.Context, cp conversation.Checkpoint) error {
	payload, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, chat_id, label, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cp.ID, cp.ChatID, cp.Label, string(payload), cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns a chat's checkpoints, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, chatID string) ([]conversation.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, label, snapshot, created_at
		FROM checkpoints WHERE chat_id = ? ORDER BY created_at DESC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []conversation.Checkpoint
	for rows.Next() {
		var (
			cp      conversation.Checkpoint
			payload string
		)
		if err := rows.Scan(&cp.ID, &cp.ChatID, &cp.Label, &payload, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &cp.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot %s: %w", cp.ID, err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// PurgeExpiredCheckpoints deletes checkpoints created before the cutoff.
func (s *Store) PurgeExpiredCheckpoints(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeOrphanedCheckpoints deletes checkpoints whose owning chat no
// longer exists or was deleted, regardless of age.
func (s *Store) PurgeOrphanedCheckpoints(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE chat_id NOT IN (
			SELECT id FROM chats WHERE status != ?
		)`, conversation.StatusDeleted)
	if err != nil {
		return 0, fmt.Errorf("purge orphaned checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
