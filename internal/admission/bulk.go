package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/hemantsathish/conversation-insights-backend/internal/store"
)

// BulkItemResult is one conversation's outcome within a bulk response.
type BulkItemResult struct {
	ConversationID string
	Enqueued       bool
	SkippedReason  string // "validation_error" when the input element itself was malformed
}

// BulkResult is the response shape for the bulk endpoint (spec.md §6 POST
// /api/v1/conversations/bulk).
type BulkResult struct {
	Accepted     int
	Rejected     int
	Backpressure int
	Results      []BulkItemResult
}

// Bulk validates the whole batch size (1..500), persists every
// structurally-valid conversation in a single transaction, then offers each
// one individually — no single backpressure event ever fails the whole
// request (spec.md §4.3 entry point 2).
func (c *Controller) Bulk(ctx context.Context, inputs []ConversationInput) (BulkResult, error) {
	if len(inputs) == 0 || len(inputs) > MaxBulkSize {
		return BulkResult{}, fmt.Errorf("%w: bulk size must be 1..%d, got %d", ErrValidation, MaxBulkSize, len(inputs))
	}

	now := time.Now().UTC()
	valid := make([]store.IngestConversation, 0, len(inputs))
	validIndex := make([]int, 0, len(inputs))
	results := make([]BulkItemResult, len(inputs))

	for i, in := range inputs {
		if err := validate(in); err != nil {
			results[i] = BulkItemResult{SkippedReason: "validation_error"}
			continue
		}
		valid = append(valid, toIngest(in, now))
		validIndex = append(validIndex, i)
	}

	if len(valid) > 0 {
		upserts, err := c.Store.UpsertBatch(ctx, valid)
		if err != nil {
			return BulkResult{}, err
		}
		for j, u := range upserts {
			i := validIndex[j]
			if c.Queue.Offer(u.ConversationID) {
				results[i] = BulkItemResult{ConversationID: u.ConversationID, Enqueued: true}
			} else {
				c.Metrics.BackpressureTotal.Inc()
				results[i] = BulkItemResult{ConversationID: u.ConversationID, Enqueued: false}
			}
		}
	}

	out := BulkResult{Results: results}
	for _, r := range results {
		switch {
		case r.SkippedReason != "":
			out.Rejected++
		case r.Enqueued:
			out.Accepted++
		default:
			out.Accepted++
			out.Backpressure++
		}
	}
	return out, nil
}
