// Package frontier holds helpers shared by the frontier backends.
package frontier

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// NormalizeIDs trims ids, drops blanks and removes duplicates while keeping first-seen order.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CheckBatchSize rejects non-positive batch sizes.
func CheckBatchSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("batch size must be > 0, got %d", n)
	}
	return nil
}

// TransitionError explains why a target could not move to the requested state.
func TransitionError(id string, from, to crawler.TargetState) error {
	return fmt.Errorf("%w: %s %s -> %s", crawler.ErrInvalidTransition, id, from, to)
}

// NotFound reports an unknown target id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", crawler.ErrTargetNotFound, id)
}

// Resolve decides the outcome of moving a target in state from to state to. done reports that
// nothing needs to change. Only Reserved targets may be marked Crawled or Failed; a target that
// was never reserved, or whose reservation was reclaimed, must be reserved again first.
func Resolve(id string, from, to crawler.TargetState) (done bool, err error) {
	if from == to {
		return true, nil
	}
	if from == crawler.StateReserved && (to == crawler.StateCrawled || to == crawler.StateFailed) {
		return false, nil
	}
	return false, TransitionError(id, from, to)
}
