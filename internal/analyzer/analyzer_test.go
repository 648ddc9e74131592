package analyzer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hemantsathish/conversation-insights-backend/internal/breaker"
	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
	"github.com/hemantsathish/conversation-insights-backend/internal/llmclient"
	"github.com/hemantsathish/conversation-insights-backend/internal/metrics"
	"github.com/hemantsathish/conversation-insights-backend/internal/prefilter"
	"github.com/hemantsathish/conversation-insights-backend/internal/queue"
)

type fakeStore struct {
	mu       sync.Mutex
	threads  map[string][]domain.Tweet
	insights map[string]domain.Insight
	cache    map[string]string // threadHash -> conversationID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		threads:  make(map[string][]domain.Tweet),
		insights: make(map[string]domain.Insight),
		cache:    make(map[string]string),
	}
}

func (f *fakeStore) LoadThread(ctx context.Context, conversationID string) ([]domain.Tweet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threads[conversationID], nil
}

func (f *fakeStore) PutInsight(ctx context.Context, insight domain.Insight) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insights[insight.ConversationID] = insight
	return nil
}

func (f *fakeStore) CacheGet(ctx context.Context, threadHash string) (*domain.AnalysisCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cid, ok := f.cache[threadHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.AnalysisCacheEntry{ThreadHash: threadHash, ConversationID: cid}, nil
}

func (f *fakeStore) CachePut(ctx context.Context, threadHash, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cache[threadHash]; !ok {
		f.cache[threadHash] = conversationID
	}
	return nil
}

func (f *fakeStore) GetInsight(ctx context.Context, conversationID string) (*domain.Insight, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.insights[conversationID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &in, nil
}

type fakeLLM struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, canonicalThread string) (llmclient.Result, error)
}

func (f *fakeLLM) Analyze(ctx context.Context, canonicalThread string) (llmclient.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, canonicalThread)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type noopRateLimiter struct{}

func (noopRateLimiter) Acquire(ctx context.Context) error { return nil }
func (noopRateLimiter) ReportUsage(tokens int)            {}

func testLogger() *logrus.Logger {
	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	return lg
}

func twoMessageThread(conversationID string) []domain.Tweet {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []domain.Tweet{
		{TweetID: conversationID + "-1", ConversationID: conversationID, AuthorID: "u1", Text: "I was charged twice for my subscription this month", CreatedAt: base},
		{TweetID: conversationID + "-2", ConversationID: conversationID, AuthorID: "u2", Text: "Sorry about that, let me look into the duplicate charge", CreatedAt: base.Add(time.Minute)},
	}
}

func newAnalyzer(store Store, llm LLM, br Breaker) (*Analyzer, *queue.Queue) {
	q := queue.New(10)
	return &Analyzer{
		Store:       store,
		Queue:       q,
		LLM:         llm,
		Breaker:     br,
		RateLimiter: noopRateLimiter{},
		Prefilter:   prefilter.Config{MinMessages: 2, MinTotalChars: 40},
		Metrics:     metrics.New(),
		Logger:      testLogger(),
		Workers:     1,
	}, q
}

func TestEmptyThreadIsSkipped(t *testing.T) {
	store := newFakeStore()
	a, q := newAnalyzer(store, &fakeLLM{}, breaker.New("t", breaker.Config{FailureThreshold: 5, Cooldown: time.Minute}, testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	q.Offer("missing-conv")
	require.Eventually(t, func() bool {
		in, err := store.GetInsight(context.Background(), "missing-conv")
		return err == nil && in.SkippedReason != nil && *in.SkippedReason == "empty_thread"
	}, time.Second, 5*time.Millisecond)

	q.Close()
	cancel()
}

func TestPrefilterSkipsShortThread(t *testing.T) {
	store := newFakeStore()
	store.threads["c1"] = []domain.Tweet{{TweetID: "1", AuthorID: "u", Text: "hi", CreatedAt: time.Now()}}
	a, q := newAnalyzer(store, &fakeLLM{}, breaker.New("t", breaker.Config{FailureThreshold: 5, Cooldown: time.Minute}, testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	q.Offer("c1")
	require.Eventually(t, func() bool {
		in, err := store.GetInsight(context.Background(), "c1")
		return err == nil && in.SkippedReason != nil && *in.SkippedReason == "message_count_1_lt_2"
	}, time.Second, 5*time.Millisecond)

	q.Close()
	cancel()
}

func TestCacheHitAvoidsSecondLLMCall(t *testing.T) {
	store := newFakeStore()
	store.threads["c1"] = twoMessageThread("c1")
	store.threads["c2"] = twoMessageThread("c1") // identical content -> same hash

	llm := &fakeLLM{fn: func(ctx context.Context, thread string) (llmclient.Result, error) {
		output := `{"summary":"ok"}`
		return llmclient.Result{LLMOutput: output, Sentiment: domain.SentimentNegative, Topics: []string{"billing"}}, nil
	}}
	a, q := newAnalyzer(store, llm, breaker.New("t", breaker.Config{FailureThreshold: 5, Cooldown: time.Minute}, testLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	q.Offer("c1")
	require.Eventually(t, func() bool {
		in, err := store.GetInsight(context.Background(), "c1")
		return err == nil && !in.IsSkipped()
	}, time.Second, 5*time.Millisecond)

	q.Offer("c2")
	require.Eventually(t, func() bool {
		in, err := store.GetInsight(context.Background(), "c2")
		return err == nil && !in.IsSkipped()
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 1, llm.callCount(), "P2: identical thread_hash must call the LLM at most once")

	q.Close()
	cancel()
}

func TestCircuitOpenLeavesConversationPending(t *testing.T) {
	store := newFakeStore()
	store.threads["c1"] = twoMessageThread("c1")

	llm := &fakeLLM{fn: func(ctx context.Context, thread string) (llmclient.Result, error) {
		return llmclient.Result{}, llmclient.ErrTransient
	}}
	br := breaker.New("t", breaker.Config{FailureThreshold: 1, Cooldown: time.Hour}, testLogger())
	a, q := newAnalyzer(store, llm, br)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	q.Offer("c1") // trips the breaker and gets skipped as llm_error
	require.Eventually(t, func() bool {
		_, err := store.GetInsight(context.Background(), "c1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	store.threads["c2"] = twoMessageThread("c2")
	q.Offer("c2") // breaker now open: must be left pending, no insight written
	time.Sleep(50 * time.Millisecond)
	_, err := store.GetInsight(context.Background(), "c2")
	require.ErrorIs(t, err, domain.ErrNotFound, "circuit-open conversations must be left without an insight")

	q.Close()
	cancel()
}
