// Package checkpoint manages labeled point-in-time snapshots of chat
// message sequences, for manual audit and rollback only. The healer
// never consults checkpoints.
package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/listfold/chatmend/internal/conversation"
	"github.com/listfold/chatmend/internal/logger"
	"github.com/listfold/chatmend/internal/store"
)

// Manager creates and retires checkpoints against the store.
type Manager struct {
	store *store.Store
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source for retention tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New builds a Manager. ttl is the retention window; checkpoints older
// than it are purged by Purge.
func New(st *store.Store, ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	m := &Manager{store: st, ttl: ttl, log: logger.Component("checkpoint"), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create snapshots the chat's current ordered message ids and content
// digests under the given label.
func (m *Manager) Create(ctx context.Context, chatID, label string) (*conversation.Checkpoint, error) {
	rec, err := m.store.LoadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	cp := conversation.Checkpoint{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Label:     label,
		Snapshot:  conversation.SnapshotOf(rec, now),
		CreatedAt: now,
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	m.log.Info("checkpoint created", "chat_id", chatID, "label", label, "messages", len(cp.Snapshot.Entries))
	return &cp, nil
}

// List returns a chat's checkpoints, newest first.
func (m *Manager) List(ctx context.Context, chatID string) ([]conversation.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, chatID)
}

// Purge applies retention: checkpoints older than the TTL go, and
// checkpoints whose owning chat no longer exists go immediately
// regardless of age. Returns the total number purged.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	expired, err := m.store.PurgeExpiredCheckpoints(ctx, m.now().Add(-m.ttl))
	if err != nil {
		return 0, err
	}
	orphaned, err := m.store.PurgeOrphanedCheckpoints(ctx)
	if err != nil {
		return expired, err
	}
	if expired+orphaned > 0 {
		m.log.Info("checkpoints purged", "expired", expired, "orphaned", orphaned)
	}
	return expired + orphaned, nil
}
