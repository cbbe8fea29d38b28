// Package healer applies deterministic, minimal repairs to chats whose
// message logs break the tool-calling invariants, delegating to a
// recovery branch when in-place repair would be unsafe.
package healer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/listfold/chatmend/internal/conversation"
	"github.com/listfold/chatmend/internal/integrity"
	"github.com/listfold/chatmend/internal/logger"
	"github.com/listfold/chatmend/internal/store"
)

// Outcome is the typed result of a heal attempt. All expected outcomes
// are values, never errors.
type Outcome string

const (
	OutcomeHealthy               Outcome = "healthy"
	OutcomeHealed                Outcome = "healed"
	OutcomeRecoveryBranchCreated Outcome = "recoveryBranchCreated"
)

// Action records one repair applied to a chat.
type Action struct {
	Op         string         `json:"op"` // delete_message, delete_assistant_turn, resequence
	Kind       integrity.Kind `json:"kind,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// Result is what ValidateAndHeal returns for every expected outcome.
type Result struct {
	Outcome        Outcome                   `json:"outcome"`
	Actions        []Action                  `json:"actions,omitempty"`
	Report         integrity.ViolationReport `json:"report"`
	RecoveryChatID string                    `json:"recovery_chat_id,omitempty"`
}

// Config holds the healer's policy parameters.
type Config struct {
	Weights integrity.Weights
	// UnsafeDeleteFraction: repairs that would delete more than this
	// fraction of the chat's messages delegate to recovery instead.
	UnsafeDeleteFraction float64
	// ArchiveOnRecovery archives the original chat after a recovery
	// branch is created, leaving it as a terminal audit record.
	ArchiveOnRecovery bool
	// AggressiveMinAge is how long a chat must have been untouched
	// before SafeForAggressiveCleanup can approve archiving it.
	AggressiveMinAge time.Duration
}

// Healer validates and repairs chats against the conversation store.
type Healer struct {
	store *store.Store
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
}

// Option configures a Healer.
type Option func(*Healer)

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Healer) { h.now = now }
}

// New builds a Healer over the given store.
func New(st *store.Store, cfg Config, opts ...Option) *Healer {
	if cfg.Weights == nil {
		cfg.Weights = integrity.DefaultWeights()
	}
	if cfg.UnsafeDeleteFraction <= 0 {
		cfg.UnsafeDeleteFraction = 0.5
	}
	if cfg.AggressiveMinAge <= 0 {
		cfg.AggressiveMinAge = 6 * time.Hour
	}
	h := &Healer{store: st, cfg: cfg, log: logger.Component("healer"), now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// errRepairDiverged aborts the repair transaction when the confirming
// re-validation still reports violations.
var errRepairDiverged = errors.New("repairs did not converge")

// ValidateAndHeal validates the chat and applies the unique
// deterministic repair for each violation inside one transaction.
// Expected outcomes are returned as a Result; the error return carries
// only per-chat processing faults (I/O, concurrent mutation) and the
// irrecoverable *StateCorruptionError.
func (h *Healer) ValidateAndHeal(ctx context.Context, chatID string) (*Result, error) {
	rec, err := h.store.LoadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	report := integrity.Validate(rec)

	if report.Empty() {
		if err := h.confirmStable(ctx, rec); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeHealthy, Report: report}, nil
	}

	// A chat already in error is past in-place repair: healing failed
	// on it before. Recovery (or manual repair) is the only way out.
	if rec.Chat.State == conversation.StateError {
		if existing, err := h.openRecoveryBranch(ctx, chatID); err != nil {
			return nil, err
		} else if existing != "" {
			return &Result{Outcome: OutcomeRecoveryBranchCreated, Report: report, RecoveryChatID: existing}, nil
		}
		return h.recover(ctx, rec, report)
	}

	plan := planRepairs(report)

	if h.unsafe(len(plan.deleteIDs), len(rec.Messages)) {
		h.log.Warn("repair exceeds unsafe-deletion threshold, delegating to recovery",
			"chat_id", chatID, "deletions", len(plan.deleteIDs), "messages", len(rec.Messages))
		if err := h.markError(ctx, rec.Chat.State, chatID); err != nil {
			return nil, err
		}
		return h.recover(ctx, rec, report)
	}

	stamp := rec.Stamp()
	txErr := h.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.VerifyUnchanged(ctx, chatID, stamp); err != nil {
			return err
		}
		if len(plan.deleteIDs) > 0 {
			if _, err := tx.DeleteMessages(ctx, chatID, plan.deleteIDs); err != nil {
				return err
			}
		}
		if err := tx.ResequenceMessages(ctx, chatID); err != nil {
			return err
		}
		healed, err := tx.LoadChat(ctx, chatID)
		if err != nil {
			return err
		}
		if second := integrity.Validate(healed); !second.Empty() {
			return errRepairDiverged
		}
		state, err := h.transition(rec.Chat.State,
			conversation.TriggerViolationFound, conversation.TriggerHealed)
		if err != nil {
			return err
		}
		now := h.now().UTC()
		return tx.SetConversationState(ctx, chatID, state, &now)
	})

	switch {
	case txErr == nil:
		h.log.Info("chat healed", "chat_id", chatID, "actions", len(plan.actions))
		return &Result{Outcome: OutcomeHealed, Actions: plan.actions, Report: report}, nil
	case errors.Is(txErr, errRepairDiverged):
		h.log.Warn("second validation pass still reports violations, delegating to recovery", "chat_id", chatID)
		if err := h.markError(ctx, rec.Chat.State, chatID); err != nil {
			return nil, err
		}
		return h.recover(ctx, rec, report)
	case errors.Is(txErr, store.ErrConcurrentMutation):
		h.log.Info("chat mutated during heal, deferring to next sweep", "chat_id", chatID)
		return nil, txErr
	default:
		return nil, txErr
	}
}

// confirmStable refreshes last_stable_at on a chat that validated
// clean, walking whatever state it was in back to stable.
func (h *Healer) confirmStable(ctx context.Context, rec *conversation.ChatRecord) error {
	var state conversation.State
	var err error
	if rec.Chat.State == conversation.StateError {
		// A clean error-state chat means someone repaired it by hand.
		state, err = h.transition(rec.Chat.State, conversation.TriggerManualRepair)
	} else {
		state, err = h.transition(rec.Chat.State, conversation.TriggerHealed)
	}
	if err != nil {
		return err
	}
	now := h.now().UTC()
	return h.store.SetConversationState(ctx, rec.Chat.ID, state, &now)
}

// markError records the needs_cleanup -> error transition before a
// recovery attempt. The original's messages stay untouched.
func (h *Healer) markError(ctx context.Context, from conversation.State, chatID string) error {
	state, err := h.transition(from, conversation.TriggerViolationFound, conversation.TriggerHealFailed)
	if err != nil {
		return err
	}
	return h.store.SetConversationState(ctx, chatID, state, nil)
}

// transition runs the triggers through the conversation state machine
// so only legal state changes ever reach the store.
func (h *Healer) transition(from conversation.State, triggers ...conversation.StateTrigger) (conversation.State, error) {
	m := conversation.NewStateMachine(from)
	state := from
	for _, trig := range triggers {
		var err error
		state, err = m.Fire(trig)
		if err != nil {
			return "", err
		}
	}
	return state, nil
}

func (h *Healer) unsafe(deletions, total int) bool {
	if total == 0 || deletions == 0 {
		return false
	}
	return float64(deletions) > h.cfg.UnsafeDeleteFraction*float64(total)
}

// openRecoveryBranch returns the id of an existing recovery chat forked
// from chatID, if one is already recorded.
func (h *Healer) openRecoveryBranch(ctx context.Context, chatID string) (string, error) {
	rcs, err := h.store.ListRecoveryContextsFor(ctx, chatID)
	if err != nil {
		return "", err
	}
	for _, rc := range rcs {
		if rc.OriginalChatID == chatID {
			return rc.RecoveryChatID, nil
		}
	}
	return "", nil
}

// repairPlan lists the message deletions implied by a report. Ordering
// repairs need no deletion: resequencing alone restores invariant 4.
type repairPlan struct {
	deleteIDs []string
	actions   []Action
}

// planRepairs maps each violation to its unique deterministic repair:
// delete the offending tool message, or delete the whole assistant turn
// when a tool call was never answered (an unanswered call can never be
// safely replayed to the completion protocol).
func planRepairs(report integrity.ViolationReport) repairPlan {
	var plan repairPlan
	seen := make(map[string]struct{})
	del := func(op, messageID, toolCallID string, kind integrity.Kind) {
		plan.actions = append(plan.actions, Action{Op: op, Kind: kind, MessageID: messageID, ToolCallID: toolCallID})
		if _, dup := seen[messageID]; !dup {
			seen[messageID] = struct{}{}
			plan.deleteIDs = append(plan.deleteIDs, messageID)
		}
	}

	resequenceOnly := false
	for _, v := range report.Violations {
		switch v.Kind {
		case integrity.KindOrphanedToolMessage,
			integrity.KindMalformedToolCallID,
			integrity.KindDanglingToolResponse,
			integrity.KindDuplicateToolResponse:
			del("delete_message", v.MessageID, v.ToolCallID, v.Kind)
		case integrity.KindMissingToolResponse:
			del("delete_assistant_turn", v.MessageID, v.ToolCallID, v.Kind)
		case integrity.KindOutOfOrderMessage:
			resequenceOnly = true
		}
	}
	if resequenceOnly || len(plan.deleteIDs) > 0 {
		plan.actions = append(plan.actions, Action{Op: "resequence"})
	}
	return plan
}

// HealthMetrics loads the chat and summarizes its structural health.
func (h *Healer) HealthMetrics(ctx context.Context, chatID string) (*integrity.Metrics, error) {
	rec, err := h.store.LoadChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	m := integrity.MetricsFor(rec, h.cfg.Weights, h.now())
	return &m, nil
}

// SafeForAggressiveCleanup reports whether a chat may be archived
// outright by the sweep: nothing in the recovery linkage references it
// and it has been untouched for at least AggressiveMinAge.
func (h *Healer) SafeForAggressiveCleanup(ctx context.Context, chatID string) (bool, error) {
	rcs, err := h.store.ListRecoveryContextsFor(ctx, chatID)
	if err != nil {
		return false, err
	}
	if len(rcs) > 0 {
		return false, nil
	}
	chat, err := h.store.GetChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	return h.now().Sub(chat.UpdatedAt) >= h.cfg.AggressiveMinAge, nil
}
