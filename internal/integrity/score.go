package integrity

import (
	"time"

	"github.com/listfold/chatmend/internal/conversation"
)

// Weights maps each violation kind to its health-score penalty. The
// weights are policy, loaded from configuration, not fixed constants.
type Weights map[Kind]int

// DefaultWeights mirrors the configuration defaults; severe structural
// breaks cost more than cosmetic ones.
func DefaultWeights() Weights {
	return Weights{
		KindOrphanedToolMessage:   25,
		KindMalformedToolCallID:   15,
		KindDanglingToolResponse:  25,
		KindMissingToolResponse:   30,
		KindDuplicateToolResponse: 20,
		KindOutOfOrderMessage:     10,
	}
}

// WeightsFromConfig converts a string-keyed weight map (as viper
// unmarshals it) into typed Weights, filling gaps from the defaults.
func WeightsFromConfig(raw map[string]int) Weights {
	w := DefaultWeights()
	for k, v := range raw {
		w[Kind(k)] = v
	}
	return w
}

// Score computes the 0-100 health score: start at 100 and subtract the
// configured weight per violation, clamping at 0.
func Score(report ViolationReport, weights Weights) int {
	score := 100
	for _, v := range report.Violations {
		score -= weights[v.Kind]
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Metrics is the health summary exposed to the admin dashboard.
type Metrics struct {
	ChatID               string       `json:"chat_id"`
	HealthScore          int          `json:"health_score"`
	ViolationCounts      map[Kind]int `json:"violation_counts"`
	LastStableAgeSeconds int64        `json:"last_stable_age_seconds"`
}

// MetricsFor validates the record and summarizes its health. A chat
// that was never stable reports an age of -1.
func MetricsFor(rec *conversation.ChatRecord, weights Weights, now time.Time) Metrics {
	report := Validate(rec)
	m := Metrics{
		ChatID:               rec.Chat.ID,
		HealthScore:          Score(report, weights),
		ViolationCounts:      report.Counts(),
		LastStableAgeSeconds: -1,
	}
	if rec.Chat.LastStableAt != nil {
		m.LastStableAgeSeconds = int64(now.Sub(*rec.Chat.LastStableAt).Seconds())
	}
	return m
}
