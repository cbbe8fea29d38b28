package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/listfold/chatmend/internal/integrity"
)

// InsertRecoveryContext persists the original→recovery linkage with its
// diagnostic report, within the recovery transaction.
func (t *Tx) InsertRecoveryContext(ctx context.Context, rc integrity.RecoveryContext) error {
	payload, err := json.Marshal(rc.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO recovery_contexts (id, original_chat_id, recovery_chat_id, report, truncate_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rc.ID, rc.OriginalChatID, rc.RecoveryChatID, string(payload), rc.TruncateAfter, rc.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert recovery context: %w", err)
	}
	return nil
}

// ListRecoveryContextsFor returns recovery contexts referencing the
// chat on either side of the linkage, newest first.
func (s *Store) ListRecoveryContextsFor(ctx context.Context, chatID string) ([]integrity.RecoveryContext, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_chat_id, recovery_chat_id, report, truncate_after, created_at
		FROM recovery_contexts
		WHERE original_chat_id = ? OR recovery_chat_id = ?
		ORDER BY created_at DESC`, chatID, chatID)
	if err != nil {
		return nil, fmt.Errorf("query recovery contexts: %w", err)
	}
	defer rows.Close()

	var rcs []integrity.RecoveryContext
	for rows.Next() {
		var (
			rc      integrity.RecoveryContext
			payload string
		)
		if err := rows.Scan(&rc.ID, &rc.OriginalChatID, &rc.RecoveryChatID, &payload, &rc.TruncateAfter, &rc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recovery context: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &rc.Report); err != nil {
			return nil, fmt.Errorf("unmarshal report %s: %w", rc.ID, err)
		}
		rcs = append(rcs, rc)
	}
	return rcs, rows.Err()
}

// PurgeExpiredRecoveryContexts deletes recovery contexts older than the
// cutoff.
func (s *Store) PurgeExpiredRecoveryContexts(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM recovery_contexts WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired recovery contexts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeOrphanedRecoveryContexts deletes recovery contexts whose
// original chat row no longer exists.
func (s *Store) PurgeOrphanedRecoveryContexts(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM recovery_contexts
		WHERE original_chat_id NOT IN (SELECT id FROM chats)`)
	if err != nil {
		return 0, fmt.Errorf("purge orphaned recovery contexts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
