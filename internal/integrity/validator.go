// Package integrity implements the pure structural validator for chat
// aggregates. Validate never mutates anything and is safe to call
// concurrently; violations are data, not errors.
package integrity

import (
	"time"

	"github.com/listfold/chatmend/internal/conversation"
)

// Kind identifies one class of structural violation.
type Kind string

const (
	// KindOrphanedToolMessage: a tool response whose tool call exists
	// but is not open at that point in the log (the response precedes
	// its call, or arrives after its group was closed by a later
	// assistant turn).
	KindOrphanedToolMessage Kind = "orphaned_tool_message"
	// KindMalformedToolCallID: a tool message whose tool_call_id is
	// blank or not in the call_<token> namespace.
	KindMalformedToolCallID Kind = "malformed_tool_call_id"
	// KindDanglingToolResponse: a well-formed tool_call_id that matches
	// no tool call anywhere in the chat.
	KindDanglingToolResponse Kind = "dangling_tool_response"
	// KindMissingToolResponse: an assistant tool call that never
	// receives a response before its group closes or the log ends.
	KindMissingToolResponse Kind = "missing_tool_response"
	// KindDuplicateToolResponse: a second tool message answering an
	// already-answered tool call.
	KindDuplicateToolResponse Kind = "duplicate_tool_response"
	// KindOutOfOrderMessage: the ordering attribute is not strictly
	// monotonic and gapless at this message.
	KindOutOfOrderMessage Kind = "out_of_order_message"
)

// Violation is one detected structural break, tied to the offending
// message and, where relevant, the tool call involved.
type Violation struct {
	Kind       Kind   `json:"kind"`
	MessageID  string `json:"message_id"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// ViolationReport is the outcome of validating one chat aggregate.
type ViolationReport struct {
	ChatID     string      `json:"chat_id"`
	Violations []Violation `json:"violations"`
}

// Empty reports whether the chat satisfied every invariant.
func (r ViolationReport) Empty() bool {
	return len(r.Violations) == 0
}

// Counts tallies violations by kind.
func (r ViolationReport) Counts() map[Kind]int {
	counts := make(map[Kind]int)
	for _, v := range r.Violations {
		counts[v.Kind]++
	}
	return counts
}

// RecoveryContext links a corrupted chat to the recovery branch forked
// from it, carrying the diagnostic report for audit.
type RecoveryContext struct {
	ID             string          `json:"id"`
	OriginalChatID string          `json:"original_chat_id"`
	RecoveryChatID string          `json:"recovery_chat_id"`
	Report         ViolationReport `json:"report"`
	TruncateAfter  int             `json:"truncate_after"`
	CreatedAt      time.Time       `json:"created_at"`
}

// pendingCall tracks an assistant tool call awaiting its response.
type pendingCall struct {
	messageID string
}

// Validate scans the chat's ordered messages once and reports every
// broken invariant. An empty report means the chat is healthy.
func Validate(rec *conversation.ChatRecord) ViolationReport {
	report := ViolationReport{ChatID: rec.Chat.ID}

	// Index of every tool call in the chat, used to tell a dangling
	// response (call never existed) from an orphaned one (call exists
	// but is not open here).
	allCalls := make(map[string]struct{})
	for _, m := range rec.Messages {
		for _, tc := range m.ToolCalls {
			allCalls[tc.CallID] = struct{}{}
		}
	}

	pending := make(map[string]pendingCall) // open group: call id -> assistant message
	var pendingOrder []string               // declaration order, keeps reports deterministic
	answered := make(map[string]struct{})
	prevPos := 0

	flushPending := func() {
		for _, callID := range pendingOrder {
			pc, open := pending[callID]
			if !open {
				continue
			}
			report.Violations = append(report.Violations, Violation{
				Kind:       KindMissingToolResponse,
				MessageID:  pc.messageID,
				ToolCallID: callID,
				Detail:     "tool call never received a response",
			})
			delete(pending, callID)
		}
		pendingOrder = pendingOrder[:0]
	}

	for i, m := range rec.Messages {
		if i > 0 && m.Position != prevPos+1 {
			report.Violations = append(report.Violations, Violation{
				Kind:      KindOutOfOrderMessage,
				MessageID: m.ID,
				Detail:    "position not strictly monotonic and gapless",
			})
		}
		prevPos = m.Position

		switch m.Role {
		case conversation.RoleAssistant:
			// A new assistant turn closes the previous tool-call group.
			flushPending()
			for _, tc := range m.ToolCalls {
				pending[tc.CallID] = pendingCall{messageID: m.ID}
				pendingOrder = append(pendingOrder, tc.CallID)
			}

		case conversation.RoleTool:
			if !conversation.ValidToolCallID(m.ToolCallID) {
				report.Violations = append(report.Violations, Violation{
					Kind:       KindMalformedToolCallID,
					MessageID:  m.ID,
					ToolCallID: m.ToolCallID,
					Detail:     "tool_call_id blank or outside call_<token> namespace",
				})
				continue
			}
			if _, open := pending[m.ToolCallID]; open {
				delete(pending, m.ToolCallID)
				answered[m.ToolCallID] = struct{}{}
				continue
			}
			if _, dup := answered[m.ToolCallID]; dup {
				report.Violations = append(report.Violations, Violation{
					Kind:       KindDuplicateToolResponse,
					MessageID:  m.ID,
					ToolCallID: m.ToolCallID,
					Detail:     "tool call already answered",
				})
				continue
			}
			if _, exists := allCalls[m.ToolCallID]; exists {
				report.Violations = append(report.Violations, Violation{
					Kind:       KindOrphanedToolMessage,
					MessageID:  m.ID,
					ToolCallID: m.ToolCallID,
					Detail:     "tool call exists but is not open at this point",
				})
				continue
			}
			report.Violations = append(report.Violations, Violation{
				Kind:       KindDanglingToolResponse,
				MessageID:  m.ID,
				ToolCallID: m.ToolCallID,
				Detail:     "no matching tool call in chat",
			})
		}
	}
	// End of log closes the last group.
	flushPending()

	return report
}
