// Package cache implements the result cache (C5): a read-through layer in
// front of the thread store's content-addressed lookup (spec.md §4.5),
// adapted from the teacher's CacheManager (internal/cache/redis_cache.go) —
// the stampede-protection and hot-key machinery there has no home here (the
// analyzer already serializes cache lookups per item), so only a Get/Put
// pair survives, generalized to the per-thread insight snapshot (conversation
// id, llm_output, sentiment, topics, gaps) this domain caches.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrMiss is returned by Get when the key is absent. Unlike the teacher's
// CacheManager, a miss here is never an error worth logging: the analyzer
// falls back to the store on every miss as a matter of course.
var ErrMiss = errors.New("cache: miss")

// entry is the payload cached per thread_hash: just enough to let the
// analyzer write a new insight row without round-tripping to Postgres.
type entry struct {
	ConversationID string   `json:"conversation_id"`
	LLMOutput      *string  `json:"llm_output"`
	Sentiment      string   `json:"sentiment"`
	Topics         []string `json:"topics"`
	Gaps           []string `json:"gaps"`
}

// Cache is a redis-backed read-through cache keyed by thread_hash.
type Cache struct {
	client *redis.Client
	lg     *logrus.Logger
	ttl    time.Duration
}

// New wraps an existing redis client. ttl bounds how long a cached entry
// survives before the next lookup falls through to the store of record.
func New(client *redis.Client, lg *logrus.Logger, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, lg: lg, ttl: ttl}
}

func key(threadHash string) string {
	return "thread_hash:" + threadHash
}

// Get returns the cached conversation/insight snapshot for threadHash, or
// ErrMiss if absent.
func (c *Cache) Get(ctx context.Context, threadHash string) (conversationID string, llmOutput *string, sentiment string, topics, gaps []string, err error) {
	val, err := c.client.Get(ctx, key(threadHash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, "", nil, nil, ErrMiss
	}
	if err != nil {
		return "", nil, "", nil, nil, fmt.Errorf("cache: get: %w", err)
	}

	var e entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return "", nil, "", nil, nil, fmt.Errorf("cache: unmarshal: %w", err)
	}
	return e.ConversationID, e.LLMOutput, e.Sentiment, e.Topics, e.Gaps, nil
}

// Put stores the insight snapshot for threadHash, overwriting any previous
// entry (cache entries in the store of record are immutable, but the read
// cache is free to refresh as newer conversations share the same hash).
func (c *Cache) Put(ctx context.Context, threadHash, conversationID string, llmOutput *string, sentiment string, topics, gaps []string) error {
	data, err := json.Marshal(entry{
		ConversationID: conversationID,
		LLMOutput:      llmOutput,
		Sentiment:      sentiment,
		Topics:         topics,
		Gaps:           gaps,
	})
	if err != nil {
		return fmt.Errorf("cache: marshal: %w", err)
	}
	if err := c.client.Set(ctx, key(threadHash), data, c.ttl).Err(); err != nil {
		c.lg.WithError(err).WithField("thread_hash", threadHash).Warn("cache put failed, falling back to store of record")
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}
