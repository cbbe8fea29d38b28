package healer

import (
	"context"

	"github.com/google/uuid"

	"github.com/listfold/chatmend/internal/conversation"
	"github.com/listfold/chatmend/internal/integrity"
	"github.com/listfold/chatmend/internal/store"
)

// CreateRecoveryBranch forks a new chat for the same owner seeded with
// the longest valid prefix of the corrupted chat's messages, and links
// the two through a RecoveryContext carrying the report. The original
// chat's messages are never touched; recovery is strictly additive.
func (h *Healer) CreateRecoveryBranch(ctx context.Context, rec *conversation.ChatRecord, report integrity.ViolationReport) (*conversation.Chat, error) {
	k := longestValidPrefix(rec)
	if k == 0 {
		return nil, &StateCorruptionError{ChatID: rec.Chat.ID, Report: report}
	}

	var recoveryChat *conversation.Chat
	err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		recoveryChat, err = tx.CreateChat(ctx, rec.Chat.OwnerID, rec.Chat.Title+" (recovered)")
		if err != nil {
			return err
		}
		if err := tx.CopyMessages(ctx, recoveryChat.ID, rec.Messages[:k]); err != nil {
			return err
		}
		now := h.now().UTC()
		if err := tx.SetConversationState(ctx, recoveryChat.ID, conversation.StateStable, &now); err != nil {
			return err
		}
		if err := tx.InsertRecoveryContext(ctx, integrity.RecoveryContext{
			ID:             uuid.NewString(),
			OriginalChatID: rec.Chat.ID,
			RecoveryChatID: recoveryChat.ID,
			Report:         report,
			TruncateAfter:  k,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if h.cfg.ArchiveOnRecovery {
			if err := tx.SetStatus(ctx, rec.Chat.ID, conversation.StatusArchived); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	recoveryChat.State = conversation.StateStable
	h.log.Info("recovery branch created",
		"original_chat_id", rec.Chat.ID, "recovery_chat_id", recoveryChat.ID, "prefix_len", k)
	return recoveryChat, nil
}

// recover marks the original as error (already done by the caller),
// creates the branch and shapes the outcome.
func (h *Healer) recover(ctx context.Context, rec *conversation.ChatRecord, report integrity.ViolationReport) (*Result, error) {
	recoveryChat, err := h.CreateRecoveryBranch(ctx, rec, report)
	if err != nil {
		return nil, err
	}
	return &Result{
		Outcome:        OutcomeRecoveryBranchCreated,
		Report:         report,
		RecoveryChatID: recoveryChat.ID,
	}, nil
}

// longestValidPrefix returns the largest k such that the first k
// messages independently satisfy every invariant. Chats are small
// enough that re-validating shrinking prefixes is simpler than
// tracking partial validator state.
func longestValidPrefix(rec *conversation.ChatRecord) int {
	for k := len(rec.Messages); k > 0; k-- {
		prefix := conversation.ChatRecord{Chat: rec.Chat, Messages: rec.Messages[:k]}
		if integrity.Validate(&prefix).Empty() {
			return k
		}
	}
	return 0
}
