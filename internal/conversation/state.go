package conversation

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

// FSM triggers for conversation_state transitions.
type StateTrigger stateless.Trigger

var (
	TriggerViolationFound StateTrigger = "ViolationFound"
	TriggerHealed         StateTrigger = "Healed"
	TriggerHealFailed     StateTrigger = "HealFailed"
	TriggerManualRepair   StateTrigger = "ManualRepair"
)

// StateMachine guards conversation_state transitions so no component
// can write an illegal state change:
//
//	stable        -> needs_cleanup  (validation found a violation)
//	needs_cleanup -> stable         (healer fully repaired)
//	needs_cleanup -> error          (healer could not converge / unsafe)
//	error         -> stable         (manual repair; recovery branches
//	                                 start a new chat instead)
type StateMachine struct {
	fsm *stateless.StateMachine
}

// NewStateMachine builds a machine positioned at the chat's current state.
func NewStateMachine(current State) *StateMachine {
	fsm := stateless.NewStateMachine(stateless.State(current))

	fsm.Configure(stateless.State(StateStable)).
		Permit(stateless.Trigger(TriggerViolationFound), stateless.State(StateNeedsCleanup)).
		PermitReentry(stateless.Trigger(TriggerHealed))

	fsm.Configure(stateless.State(StateNeedsCleanup)).
		Permit(stateless.Trigger(TriggerHealed), stateless.State(StateStable)).
		Permit(stateless.Trigger(TriggerHealFailed), stateless.State(StateError)).
		PermitReentry(stateless.Trigger(TriggerViolationFound))

	fsm.Configure(stateless.State(StateError)).
		Permit(stateless.Trigger(TriggerManualRepair), stateless.State(StateStable)).
		PermitReentry(stateless.Trigger(TriggerViolationFound)).
		PermitReentry(stateless.Trigger(TriggerHealFailed))

	return &StateMachine{fsm: fsm}
}

// Fire applies a trigger and returns the resulting state.
func (m *StateMachine) Fire(trigger StateTrigger) (State, error) {
	if err := m.fsm.Fire(stateless.Trigger(trigger)); err != nil {
		return "", fmt.Errorf("conversation state transition %q: %w", trigger, err)
	}
	return m.Current(), nil
}

// Current returns the machine's current state.
func (m *StateMachine) Current() State {
	s, err := m.fsm.State(context.Background())
	if err != nil {
		// The in-memory machine has no external storage; State cannot fail.
		return StateError
	}
	return s.(State)
}
