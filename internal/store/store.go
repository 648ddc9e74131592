// Package store implements the thread store (C1): durable persistence of
// conversations, tweets, insights and cache entries, with the
// persist-before-enqueue transaction boundary spec.md §4.1 and §5 require.
//
// The schema and prepared-statement approach are adapted from the teacher's
// ChatRepository (raw database/sql + lib/pq, statements prepared once at
// construction) rather than the teacher's parallel GORM-tagged domain
// model — see DESIGN.md for why only one of the two approaches survived.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
)

// ErrStoreUnavailable wraps any failure reaching the underlying database,
// surfaced by the admission controller as a 503 (spec.md §7).
var ErrStoreUnavailable = errors.New("store: unavailable")

// UpsertResult is the per-input outcome of UpsertBatch.
type UpsertResult struct {
	ConversationID string
	Created        bool
}

// IngestConversation is one conversation's worth of tweets as submitted by
// the admission controller, prior to conversation_id resolution.
type IngestConversation struct {
	Tweets []domain.Tweet
}

// Store is the C1 thread store contract.
type Store struct {
	db *sql.DB
	lg *logrus.Logger

	stmts map[string]*sql.Stmt
	mu    sync.RWMutex
}

// Open connects to Postgres and prepares the statements the store reuses on
// every call, mirroring the teacher's NewChatRepository.
func Open(ctx context.Context, dsn string, lg *logrus.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrStoreUnavailable, err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: ping: %v", ErrStoreUnavailable, err)
	}

	s := &Store{db: db, lg: lg, stmts: make(map[string]*sql.Stmt)}
	if err := s.prepareStatements(ctx); err != nil {
		return nil, fmt.Errorf("%w: prepare: %v", ErrStoreUnavailable, err)
	}
	return s, nil
}

// NewWithDB wraps an already-open *sql.DB (used by tests against
// testcontainers-backed Postgres instances).
func NewWithDB(ctx context.Context, db *sql.DB, lg *logrus.Logger) (*Store, error) {
	s := &Store{db: db, lg: lg, stmts: make(map[string]*sql.Stmt)}
	if err := s.prepareStatements(ctx); err != nil {
		return nil, fmt.Errorf("%w: prepare: %v", ErrStoreUnavailable, err)
	}
	return s, nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	statements := map[string]string{
		"findConvByReply": `
			SELECT conversation_id FROM tweets WHERE tweet_id = $1
		`,
		"findConvByRoot": `
			SELECT conversation_id FROM conversations WHERE root_tweet_id = $1
		`,
		"insertConversation": `
			INSERT INTO conversations (conversation_id, root_tweet_id, created_at, updated_at)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (conversation_id) DO NOTHING
		`,
		"touchConversation": `
			UPDATE conversations SET updated_at = $2 WHERE conversation_id = $1
		`,
		"insertTweet": `
			INSERT INTO tweets (tweet_id, conversation_id, author_id, text, in_reply_to_id, inbound, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (tweet_id) DO NOTHING
		`,
		"loadThread": `
			SELECT tweet_id, conversation_id, author_id, text, in_reply_to_id, inbound, created_at
			FROM tweets WHERE conversation_id = $1 ORDER BY created_at ASC, tweet_id ASC
		`,
		"putInsight": `
			INSERT INTO insights (conversation_id, llm_output, sentiment, topics, gaps, token_usage, cost_estimate, skipped_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
			ON CONFLICT (conversation_id) DO UPDATE SET
				llm_output = EXCLUDED.llm_output,
				sentiment = EXCLUDED.sentiment,
				topics = EXCLUDED.topics,
				gaps = EXCLUDED.gaps,
				token_usage = EXCLUDED.token_usage,
				cost_estimate = EXCLUDED.cost_estimate,
				skipped_reason = EXCLUDED.skipped_reason,
				updated_at = EXCLUDED.updated_at
		`,
		"getInsight": `
			SELECT conversation_id, llm_output, sentiment, topics, gaps, token_usage, cost_estimate, skipped_reason, created_at, updated_at
			FROM insights WHERE conversation_id = $1
		`,
		"cacheGet": `
			SELECT thread_hash, conversation_id, created_at FROM analysis_cache WHERE thread_hash = $1
		`,
		"cachePut": `
			INSERT INTO analysis_cache (thread_hash, conversation_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (thread_hash) DO NOTHING
		`,
		"conversationsWithoutInsight": `
			SELECT c.conversation_id FROM conversations c
			LEFT JOIN insights i ON i.conversation_id = c.conversation_id
			WHERE i.conversation_id IS NULL
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", name, err)
		}
		s.stmts[name] = stmt
	}
	return nil
}

func (s *Store) stmt(name string) *sql.Stmt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stmts[name]
}

// Close releases the prepared statements and the connection pool.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stmt := range s.stmts {
		stmt.Close()
	}
	return s.db.Close()
}

// UpsertBatch persists every conversation in the batch within a single
// transaction (§4.1's critical ordering contract: this must commit before
// the caller enqueues). Conversation identity is resolved per the
// reply-graph / root-tweet rules in §4.1.
func (s *Store) UpsertBatch(ctx context.Context, batch []IngestConversation) ([]UpsertResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	results := make([]UpsertResult, len(batch))
	// tweetID -> conversationID for tweets inserted earlier in this same
	// transaction, so a batch may reference conversations it is itself
	// creating (e.g. a reply arriving in the same request as its root).
	seenTweets := make(map[string]string)
	now := time.Now().UTC()

	for i, conv := range batch {
		convID, created, err := s.resolveAndPersist(ctx, tx, conv, seenTweets, now)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve conversation %d: %v", ErrStoreUnavailable, i, err)
		}
		results[i] = UpsertResult{ConversationID: convID, Created: created}
		for _, t := range conv.Tweets {
			seenTweets[t.TweetID] = convID
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrStoreUnavailable, err)
	}
	return results, nil
}

func (s *Store) resolveAndPersist(ctx context.Context, tx *sql.Tx, conv IngestConversation, seenTweets map[string]string, now time.Time) (string, bool, error) {
	convID, created, rootTweetID, err := s.resolveConversationID(ctx, tx, conv, seenTweets)
	if err != nil {
		return "", false, err
	}

	if created {
		if _, err := tx.StmtContext(ctx, s.stmt("insertConversation")).ExecContext(ctx, convID, rootTweetID, now); err != nil {
			return "", false, fmt.Errorf("insert conversation: %w", err)
		}
	} else {
		if _, err := tx.StmtContext(ctx, s.stmt("touchConversation")).ExecContext(ctx, convID, now); err != nil {
			return "", false, fmt.Errorf("touch conversation: %w", err)
		}
	}

	for _, t := range conv.Tweets {
		if _, err := tx.StmtContext(ctx, s.stmt("insertTweet")).ExecContext(ctx,
			t.TweetID, convID, domain.NormalizeAuthorID(t.AuthorID), t.Text, t.InReplyToID, t.Inbound, t.CreatedAt,
		); err != nil {
			return "", false, fmt.Errorf("insert tweet %s: %w", t.TweetID, err)
		}
	}

	return convID, created, nil
}

// resolveConversationID implements the identity rule from §4.1: reuse via
// reply resolution, then via root_tweet_id match, else allocate new with a
// computed root.
func (s *Store) resolveConversationID(ctx context.Context, tx *sql.Tx, conv IngestConversation, seenTweets map[string]string) (id string, created bool, rootTweetID string, err error) {
	for _, t := range conv.Tweets {
		if t.InReplyToID == nil {
			continue
		}
		if cid, ok := seenTweets[*t.InReplyToID]; ok {
			return cid, false, "", nil
		}
		var cid string
		err := tx.StmtContext(ctx, s.stmt("findConvByReply")).QueryRowContext(ctx, *t.InReplyToID).Scan(&cid)
		if err == nil {
			return cid, false, "", nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, "", err
		}
	}

	for _, t := range conv.Tweets {
		var cid string
		err := tx.StmtContext(ctx, s.stmt("findConvByRoot")).QueryRowContext(ctx, t.TweetID).Scan(&cid)
		if err == nil {
			return cid, false, "", nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, "", err
		}
	}

	root := pickRoot(conv.Tweets)
	return uuid.New().String(), true, root, nil
}

// pickRoot chooses the root tweet per §4.1: the earliest tweet lacking
// in_reply_to_id, ties broken lexicographically by tweet_id. If every tweet
// in the batch carries in_reply_to_id (an orphaned reply chain — possible
// under adversarial or partial input per §9's cyclic-graph note), the
// earliest tweet overall is used as a fallback root so every conversation
// still has exactly one.
func pickRoot(tweets []domain.Tweet) string {
	candidates := make([]domain.Tweet, 0, len(tweets))
	for _, t := range tweets {
		if t.InReplyToID == nil {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		candidates = tweets
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].TweetID < candidates[j].TweetID
	})
	return candidates[0].TweetID
}

// LoadThread returns all tweets of a conversation ordered by
// (created_at, tweet_id), per §4.1.
func (s *Store) LoadThread(ctx context.Context, conversationID string) ([]domain.Tweet, error) {
	rows, err := s.stmt("loadThread").QueryContext(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: load thread: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var tweets []domain.Tweet
	for rows.Next() {
		var t domain.Tweet
		if err := rows.Scan(&t.TweetID, &t.ConversationID, &t.AuthorID, &t.Text, &t.InReplyToID, &t.Inbound, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan tweet: %v", ErrStoreUnavailable, err)
		}
		tweets = append(tweets, t)
	}
	return tweets, rows.Err()
}

// PutInsight upserts the insight row for a conversation (§4.1; monotonic per
// §3 — fields may be overwritten but the row is never deleted).
func (s *Store) PutInsight(ctx context.Context, insight domain.Insight) error {
	now := time.Now().UTC()
	sentiment := insight.Sentiment
	if sentiment == "" {
		sentiment = domain.SentimentUnknown
	}
	_, err := s.stmt("putInsight").ExecContext(ctx,
		insight.ConversationID, insight.LLMOutput, string(sentiment),
		pq.Array(insight.Topics), pq.Array(insight.Gaps),
		insight.TokenUsage, insight.CostEstimate, insight.SkippedReason, now,
	)
	if err != nil {
		return fmt.Errorf("%w: put insight: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// GetInsight fetches a single conversation's insight row.
func (s *Store) GetInsight(ctx context.Context, conversationID string) (*domain.Insight, error) {
	row := s.stmt("getInsight").QueryRowContext(ctx, conversationID)
	insight, err := scanInsight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get insight: %v", ErrStoreUnavailable, err)
	}
	return insight, nil
}

func scanInsight(row *sql.Row) (*domain.Insight, error) {
	var insight domain.Insight
	var sentiment string
	var topics, gaps []string
	if err := row.Scan(&insight.ConversationID, &insight.LLMOutput, &sentiment, pq.Array(&topics), pq.Array(&gaps),
		&insight.TokenUsage, &insight.CostEstimate, &insight.SkippedReason, &insight.CreatedAt, &insight.UpdatedAt); err != nil {
		return nil, err
	}
	insight.Sentiment = domain.Sentiment(sentiment)
	insight.Topics = topics
	insight.Gaps = gaps
	return &insight, nil
}

// CacheGet looks up a content-addressed cache entry by thread hash (§4.1,
// §4.5).
func (s *Store) CacheGet(ctx context.Context, threadHash string) (*domain.AnalysisCacheEntry, error) {
	row := s.stmt("cacheGet").QueryRowContext(ctx, threadHash)
	var entry domain.AnalysisCacheEntry
	if err := row.Scan(&entry.ThreadHash, &entry.ConversationID, &entry.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: cache get: %v", ErrStoreUnavailable, err)
	}
	return &entry, nil
}

// CachePut inserts a cache entry. Entries are never mutated (§3); a
// conflicting insert is a no-op.
func (s *Store) CachePut(ctx context.Context, threadHash, conversationID string) error {
	_, err := s.stmt("cachePut").ExecContext(ctx, threadHash, conversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: cache put: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// ListConversationsWithoutInsight supports the boot-time recovery scan
// (SPEC_FULL.md "Supplemented features", resolving §9's open question).
func (s *Store) ListConversationsWithoutInsight(ctx context.Context) ([]string, error) {
	rows, err := s.stmt("conversationsWithoutInsight").QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: scan pending: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan pending row: %v", ErrStoreUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DB exposes the underlying *sql.DB; cmd/server uses it to close the
// connection pool on shutdown.
func (s *Store) DB() *sql.DB { return s.db }
