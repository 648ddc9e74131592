// Package analyzer implements the background analyzer loop (C9): it
// dequeues conversation identifiers, applies the pre-filter, consults the
// result cache, and otherwise calls the LLM client under the rate limiter
// and circuit breaker, persisting the outcome (spec.md §4.9).
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hemantsathish/conversation-insights-backend/internal/breaker"
	"github.com/hemantsathish/conversation-insights-backend/internal/cache"
	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
	"github.com/hemantsathish/conversation-insights-backend/internal/events"
	"github.com/hemantsathish/conversation-insights-backend/internal/llmclient"
	"github.com/hemantsathish/conversation-insights-backend/internal/metrics"
	"github.com/hemantsathish/conversation-insights-backend/internal/prefilter"
	"github.com/hemantsathish/conversation-insights-backend/internal/queue"
	"github.com/hemantsathish/conversation-insights-backend/internal/ratelimiter"
)

// Store is the subset of *store.Store the analyzer depends on, so tests can
// substitute a fake without standing up Postgres.
type Store interface {
	LoadThread(ctx context.Context, conversationID string) ([]domain.Tweet, error)
	PutInsight(ctx context.Context, insight domain.Insight) error
	CacheGet(ctx context.Context, threadHash string) (*domain.AnalysisCacheEntry, error)
	CachePut(ctx context.Context, threadHash, conversationID string) error
	GetInsight(ctx context.Context, conversationID string) (*domain.Insight, error)
}

// LLM is the subset of *llmclient.Client the analyzer depends on.
type LLM interface {
	Analyze(ctx context.Context, canonicalThread string) (llmclient.Result, error)
}

// Breaker is the subset of *breaker.Breaker the analyzer depends on.
type Breaker interface {
	Call(ctx context.Context, fn func(ctx context.Context) error) error
	State() string
}

// RateLimiter is the subset of *ratelimiter.Limiter the analyzer depends on.
type RateLimiter interface {
	Acquire(ctx context.Context) error
	ReportUsage(tokens int)
}

// ReadCache is the subset of *cache.Cache the analyzer depends on; nil is a
// valid value (the read cache is optional — the store's cache is consulted
// whenever the read cache is absent or misses).
type ReadCache interface {
	Get(ctx context.Context, threadHash string) (conversationID string, llmOutput *string, sentiment string, topics, gaps []string, err error)
	Put(ctx context.Context, threadHash, conversationID string, llmOutput *string, sentiment string, topics, gaps []string) error
}

// Analyzer is C9: it owns one (or more, if Workers > 1) goroutines draining
// the work queue.
type Analyzer struct {
	Store       Store
	Queue       *queue.Queue
	LLM         LLM
	Breaker     Breaker
	RateLimiter RateLimiter
	ReadCache   ReadCache
	Prefilter   prefilter.Config
	Publisher   *events.Publisher
	Metrics     *metrics.Metrics
	Logger      *logrus.Logger
	Workers     int

	// OnProcessed, if set, is called once per dequeued item regardless of
	// outcome. The admission controller uses this to estimate queue
	// throughput for its backpressure retry-delay hint (spec.md §4.3).
	OnProcessed func()
}

// Run drains the queue until it closes or ctx is cancelled, spawning
// Workers goroutines (default 1, per §5: "exactly one analyzer task
// (configurable)"). It blocks until every worker returns.
func (a *Analyzer) Run(ctx context.Context) {
	workers := a.Workers
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.loop(ctx)
		}()
	}
	wg.Wait()
}

func (a *Analyzer) loop(ctx context.Context) {
	for {
		id, err := a.Queue.Take(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				a.Logger.WithError(err).Warn("queue take failed")
			}
			return
		}
		a.processOne(ctx, id)
		if a.OnProcessed != nil {
			a.OnProcessed()
		}
	}
}

// processOne implements the per-item steps of §4.9.
func (a *Analyzer) processOne(ctx context.Context, conversationID string) {
	lg := a.Logger.WithField("conversation_id", conversationID)

	thread, err := a.Store.LoadThread(ctx, conversationID)
	if err != nil {
		lg.WithError(err).Error("load thread failed")
		return
	}
	if len(thread) == 0 {
		// Guards against double-enqueue races and crash-recovery rescans
		// (§4.9 step 2).
		a.skip(ctx, conversationID, "empty_thread")
		return
	}

	result := prefilter.Check(a.Prefilter, thread)
	if !result.Proceed {
		a.skip(ctx, conversationID, result.SkippedReason)
		return
	}

	threadHash := domain.ThreadHash(thread)
	if a.tryCacheHit(ctx, conversationID, threadHash, lg) {
		return
	}

	if err := a.RateLimiter.Acquire(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return // shutdown: leave pending, a future run will pick it up
		}
		lg.WithError(err).Warn("rate limiter acquire failed")
		return
	}

	canonical := domain.CanonicalThreadText(thread)
	var llmResult llmclient.Result
	callErr := a.Breaker.Call(ctx, func(ctx context.Context) error {
		r, err := a.LLM.Analyze(ctx, canonical)
		if err != nil {
			return err
		}
		llmResult = r
		return nil
	})

	a.Metrics.SetCircuitState(a.Breaker.State())

	switch {
	case errors.Is(callErr, breaker.ErrOpen):
		// §4.9 step 5/6: leave pending, no insight written; a sweeper may
		// re-enqueue later.
		lg.Debug("circuit open, deferring analysis")
		return
	case callErr != nil:
		a.Metrics.LLMRequestsTotal.WithLabelValues("error").Inc()
		a.skip(ctx, conversationID, fmt.Sprintf("llm_error:%s", classify(callErr)))
		return
	}

	a.Metrics.LLMRequestsTotal.WithLabelValues("success").Inc()
	a.RateLimiter.ReportUsage(llmResult.TokenUsage)

	insight := domain.Insight{
		ConversationID: conversationID,
		LLMOutput:      &llmResult.LLMOutput,
		Sentiment:      llmResult.Sentiment,
		Topics:         llmResult.Topics,
		Gaps:           llmResult.Gaps,
		TokenUsage:     llmResult.TokenUsage,
		CostEstimate:   llmResult.CostEstimate,
	}
	if err := a.Store.PutInsight(ctx, insight); err != nil {
		lg.WithError(err).Error("put insight failed")
		return
	}
	if err := a.Store.CachePut(ctx, threadHash, conversationID); err != nil {
		lg.WithError(err).Warn("cache put failed")
	}
	if a.ReadCache != nil {
		if err := a.ReadCache.Put(ctx, threadHash, conversationID, &llmResult.LLMOutput, string(llmResult.Sentiment), llmResult.Topics, llmResult.Gaps); err != nil {
			lg.WithError(err).Debug("read-cache put failed")
		}
	}
	a.Publisher.PublishInsight(events.InsightEvent{
		ConversationID: conversationID,
		Sentiment:      string(llmResult.Sentiment),
		Timestamp:      time.Now().UTC(),
	})
}

// tryCacheHit checks the read-through cache then the store of record for an
// existing analysis of threadHash. On hit it writes a new insight row for
// conversationID referencing the same llm_output and returns true (§4.5, §4.9
// step 4; no additional LLM call is made — P2).
func (a *Analyzer) tryCacheHit(ctx context.Context, conversationID, threadHash string, lg *logrus.Entry) bool {
	if a.ReadCache != nil {
		if cid, llmOutput, sentiment, topics, gaps, err := a.ReadCache.Get(ctx, threadHash); err == nil {
			a.writeCachedInsight(ctx, conversationID, llmOutput, domain.Sentiment(sentiment), topics, gaps, threadHash, lg)
			_ = cid // the cached entry's own conversation_id is informational only
			return true
		}
	}

	entry, err := a.Store.CacheGet(ctx, threadHash)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			lg.WithError(err).Warn("cache get failed, proceeding to LLM")
		}
		return false
	}

	prior, err := a.Store.GetInsight(ctx, entry.ConversationID)
	if err != nil {
		lg.WithError(err).Warn("load cached insight failed, proceeding to LLM")
		return false
	}
	a.writeCachedInsight(ctx, conversationID, prior.LLMOutput, prior.Sentiment, prior.Topics, prior.Gaps, threadHash, lg)
	return true
}

func (a *Analyzer) writeCachedInsight(ctx context.Context, conversationID string, llmOutput *string, sentiment domain.Sentiment, topics, gaps []string, threadHash string, lg *logrus.Entry) {
	insight := domain.Insight{
		ConversationID: conversationID,
		LLMOutput:      llmOutput,
		Sentiment:      sentiment,
		Topics:         topics,
		Gaps:           gaps,
	}
	if err := a.Store.PutInsight(ctx, insight); err != nil {
		lg.WithError(err).Error("put cached insight failed")
		return
	}
	if err := a.Store.CachePut(ctx, threadHash, conversationID); err != nil {
		lg.WithError(err).Debug("cache put for cache-hit conversation failed")
	}
	a.Publisher.PublishInsight(events.InsightEvent{
		ConversationID: conversationID,
		Sentiment:      string(sentiment),
		Timestamp:      time.Now().UTC(),
	})
}

func (a *Analyzer) skip(ctx context.Context, conversationID, reason string) {
	if err := a.Store.PutInsight(ctx, domain.Insight{ConversationID: conversationID, SkippedReason: &reason}); err != nil {
		a.Logger.WithError(err).WithField("conversation_id", conversationID).Error("put skipped insight failed")
		return
	}
	a.Publisher.PublishInsight(events.InsightEvent{
		ConversationID: conversationID,
		SkippedReason:  reason,
		Timestamp:      time.Now().UTC(),
	})
}

// classify turns an LLM client error into the short tag used in
// skipped_reason ("llm_error:<class>", §4.9 step 6).
func classify(err error) string {
	switch {
	case errors.Is(err, llmclient.ErrProtocol):
		return "protocol"
	case errors.Is(err, llmclient.ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}
