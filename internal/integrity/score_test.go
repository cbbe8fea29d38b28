package integrity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/listfold/chatmend/internal/conversation"
)

func TestScore_SubtractsConfiguredWeights(t *testing.T) {
	report := ViolationReport{Violations: []Violation{
		{Kind: KindMissingToolResponse},
		{Kind: KindOutOfOrderMessage},
	}}
	weights := Weights{KindMissingToolResponse: 30, KindOutOfOrderMessage: 10}
	require.Equal(t, 60, Score(report, weights))
}

func TestScore_ClampsAtZero(t *testing.T) {
	var report ViolationReport
	for range 10 {
		report.Violations = append(report.Violations, Violation{Kind: KindMissingToolResponse})
	}
	require.Equal(t, 0, Score(report, DefaultWeights()))
}

func TestScore_EmptyReportIsPerfect(t *testing.T) {
	require.Equal(t, 100, Score(ViolationReport{}, DefaultWeights()))
}

func TestWeightsFromConfig_OverridesAndFillsDefaults(t *testing.T) {
	w := WeightsFromConfig(map[string]int{"missing_tool_response": 50})
	require.Equal(t, 50, w[KindMissingToolResponse])
	require.Equal(t, DefaultWeights()[KindOutOfOrderMessage], w[KindOutOfOrderMessage])
}

func TestMetricsFor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stableAt := now.Add(-90 * time.Second)
	rec := &conversation.ChatRecord{
		Chat: conversation.Chat{ID: "chat-1", LastStableAt: &stableAt},
		Messages: []conversation.Message{
			{ID: "m1", Role: conversation.RoleTool, ToolCallID: "bogus", Position: 1},
		},
	}
	m := MetricsFor(rec, DefaultWeights(), now)
	require.Equal(t, "chat-1", m.ChatID)
	require.Equal(t, 85, m.HealthScore)
	require.Equal(t, 1, m.ViolationCounts[KindMalformedToolCallID])
	require.Equal(t, int64(90), m.LastStableAgeSeconds)
}

func TestMetricsFor_NeverStable(t *testing.T) {
	rec := &conversation.ChatRecord{Chat: conversation.Chat{ID: "chat-1"}}
	m := MetricsFor(rec, DefaultWeights(), time.Now())
	require.Equal(t, int64(-1), m.LastStableAgeSeconds)
	require.Equal(t, 100, m.HealthScore)
}
