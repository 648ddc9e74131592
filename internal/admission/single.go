package admission

import (
	"context"
	"time"

	"github.com/hemantsathish/conversation-insights-backend/internal/store"
)

// SingleResult is the response shape for the single-conversation endpoint
// (spec.md §6 POST /api/v1/conversations).
type SingleResult struct {
	ConversationID    string
	Enqueued          bool
	RetryAfterSeconds int // only meaningful when Enqueued is false
}

// Single validates, persists, and enqueues one conversation (spec.md §4.3
// entry point 1). A validation failure returns ErrValidation; a full queue
// is reflected in the result, not an error (the conversation is still
// durably persisted).
func (c *Controller) Single(ctx context.Context, in ConversationInput) (SingleResult, error) {
	if err := validate(in); err != nil {
		return SingleResult{}, err
	}

	ingest := toIngest(in, time.Now().UTC())
	results, err := c.Store.UpsertBatch(ctx, []store.IngestConversation{ingest})
	if err != nil {
		return SingleResult{}, err
	}
	conversationID := results[0].ConversationID

	if c.Queue.Offer(conversationID) {
		return SingleResult{ConversationID: conversationID, Enqueued: true}, nil
	}

	c.Metrics.BackpressureTotal.Inc()
	return SingleResult{
		ConversationID:    conversationID,
		Enqueued:          false,
		RetryAfterSeconds: c.retryAfterSeconds(),
	}, nil
}
