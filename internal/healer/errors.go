package healer

import (
	"fmt"

	"github.com/listfold/chatmend/internal/integrity"
)

// StateCorruptionError is raised only when even recovery-branch
// creation cannot produce a non-empty valid prefix. It signals a defect
// requiring human review, not a normal outcome.
type StateCorruptionError struct {
	ChatID string
	Report integrity.ViolationReport
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("chat %s: no valid non-empty prefix exists, manual review required (%d violations)",
		e.ChatID, len(e.Report.Violations))
}
