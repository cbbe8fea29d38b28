package conversation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateMachine_LegalTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    State
		trigger StateTrigger
		want    State
	}{
		{"violation marks dirty", StateStable, TriggerViolationFound, StateNeedsCleanup},
		{"heal restores stable", StateNeedsCleanup, TriggerHealed, StateStable},
		{"heal failure is terminal", StateNeedsCleanup, TriggerHealFailed, StateError},
		{"manual repair recovers", StateError, TriggerManualRepair, StateStable},
		{"stable reconfirmation", StateStable, TriggerHealed, StateStable},
		{"repeat violation stays dirty", StateNeedsCleanup, TriggerViolationFound, StateNeedsCleanup},
		{"error stays error on violation", StateError, TriggerViolationFound, StateError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewStateMachine(tc.from)
			got, err := m.Fire(tc.trigger)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
			require.Equal(t, tc.want, m.Current())
		})
	}
}

func TestStateMachine_IllegalTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    State
		trigger StateTrigger
	}{
		{"stable cannot fail a heal", StateStable, TriggerHealFailed},
		{"stable cannot be manually repaired", StateStable, TriggerManualRepair},
		{"error cannot be healed in place", StateError, TriggerHealed},
		{"needs_cleanup has no manual repair", StateNeedsCleanup, TriggerManualRepair},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewStateMachine(tc.from)
			_, err := m.Fire(tc.trigger)
			require.Error(t, err)
			require.Equal(t, tc.from, m.Current())
		})
	}
}
