// Package admission implements the admission controller (C3): validates and
// normalizes incoming conversations, persists them, and hands accepted
// identifiers to the work queue, surfacing backpressure without ever
// rejecting a request purely because the queue is full (spec.md §4.3).
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
	"github.com/hemantsathish/conversation-insights-backend/internal/metrics"
	"github.com/hemantsathish/conversation-insights-backend/internal/queue"
	"github.com/hemantsathish/conversation-insights-backend/internal/store"
)

// ErrValidation marks malformed input (spec.md §7; surfaced as HTTP 400).
var ErrValidation = errors.New("admission: validation error")

// MaxBulkSize is the upper bound on the bulk endpoint's conversation count
// (spec.md §6: "1..500").
const MaxBulkSize = 500

// StreamChunkSize is the suggested NDJSON buffering chunk size (spec.md
// §4.3).
const StreamChunkSize = 32

// Message is one tweet as submitted by a client.
type Message struct {
	TweetID     string  `json:"tweet_id"`
	AuthorID    string  `json:"author_id"`
	Text        string  `json:"text"`
	InReplyToID *string `json:"in_reply_to_id,omitempty"`
	Inbound     *bool   `json:"inbound,omitempty"`
}

// ConversationInput is the request body shape for one conversation (spec.md
// §6: `{messages:[...]}`).
type ConversationInput struct {
	Messages []Message `json:"messages"`
}

// Store is the subset of *store.Store the admission controller depends on.
type Store interface {
	UpsertBatch(ctx context.Context, batch []store.IngestConversation) ([]store.UpsertResult, error)
}

// Controller is C3.
type Controller struct {
	Store      Store
	Queue      *queue.Queue
	Metrics    *metrics.Metrics
	Logger     *logrus.Logger
	Throughput *Throughput
}

// New builds a Controller.
func New(s Store, q *queue.Queue, m *metrics.Metrics, lg *logrus.Logger) *Controller {
	return &Controller{Store: s, Queue: q, Metrics: m, Logger: lg, Throughput: NewThroughput()}
}

// validate checks structural requirements spec.md §3/§4.3 impose on a
// ConversationInput, independent of normalization.
func validate(in ConversationInput) error {
	if len(in.Messages) == 0 {
		return fmt.Errorf("%w: messages must be non-empty", ErrValidation)
	}
	for i, m := range in.Messages {
		if m.TweetID == "" {
			return fmt.Errorf("%w: messages[%d].tweet_id is required", ErrValidation, i)
		}
		if m.AuthorID == "" {
			return fmt.Errorf("%w: messages[%d].author_id is required", ErrValidation, i)
		}
		if domain.CollapseWhitespace(m.Text) == "" {
			return fmt.Errorf("%w: messages[%d].text is required", ErrValidation, i)
		}
	}
	return nil
}

// toIngest normalizes a validated ConversationInput into the tweets
// store.UpsertBatch expects (spec.md §4.3: "whitespace is collapsed in
// text; missing inbound defaults to null"). created_at is assigned at
// admission time, preserving the submitted message order.
func toIngest(in ConversationInput, now time.Time) store.IngestConversation {
	tweets := make([]domain.Tweet, len(in.Messages))
	for i, m := range in.Messages {
		tweets[i] = domain.Tweet{
			TweetID:     m.TweetID,
			AuthorID:    m.AuthorID,
			Text:        domain.CollapseWhitespace(m.Text),
			InReplyToID: m.InReplyToID,
			Inbound:     m.Inbound,
			CreatedAt:   now.Add(time.Duration(i) * time.Millisecond),
		}
	}
	return store.IngestConversation{Tweets: tweets}
}

// retryAfterSeconds estimates the client-facing Retry-After hint (spec.md
// §4.3: "depth() / observed_throughput, clamped to a positive integer
// seconds").
func (c *Controller) retryAfterSeconds() int {
	secs := int(float64(c.Queue.Depth()) / c.Throughput.PerSecond())
	if secs < 1 {
		secs = 1
	}
	return secs
}
