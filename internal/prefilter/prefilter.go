// Package prefilter implements the cheap heuristic (C4) that disqualifies a
// thread from LLM analysis before any spend is incurred (spec.md §4.4).
package prefilter

import (
	"fmt"

	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
)

// Config holds the two thresholds spec.md §4.4 names as configuration.
type Config struct {
	MinMessages   int
	MinTotalChars int
}

// Result is the outcome of a pre-filter check: either Proceed is true, or
// SkippedReason carries a tagged reason string matching §4.4's format.
type Result struct {
	Proceed       bool
	SkippedReason string
}

// Check applies the pre-filter to a loaded thread.
func Check(cfg Config, tweets []domain.Tweet) Result {
	n := len(tweets)
	if n < cfg.MinMessages {
		return Result{SkippedReason: fmt.Sprintf("message_count_%d_lt_%d", n, cfg.MinMessages)}
	}

	total := 0
	for _, t := range tweets {
		total += len(t.Text)
	}
	if total < cfg.MinTotalChars {
		return Result{SkippedReason: fmt.Sprintf("total_chars_%d_lt_%d", total, cfg.MinTotalChars)}
	}

	return Result{Proceed: true}
}
