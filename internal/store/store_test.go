package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
)

// newTestStore boots an ephemeral Postgres via testcontainers-go and applies
// the schema in migrations/. Skipped when Docker isn't reachable, the usual
// guard for container-backed tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("CI_NO_DOCKER") != "" {
		t.Skip("docker unavailable in this environment")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "insights",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("could not start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/insights?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 30*time.Second, 500*time.Millisecond)
	applySchema(t, db)

	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	s, err := NewWithDB(ctx, db, lg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func applySchema(t *testing.T, db *sql.DB) {
	t.Helper()
	schema, err := os.ReadFile("../../migrations/0001_init.up.sql")
	require.NoError(t, err)
	_, err = db.Exec(string(schema))
	require.NoError(t, err)
}

func tweet(id, conv, author, text string, replyTo *string, at time.Time) domain.Tweet {
	return domain.Tweet{TweetID: id, ConversationID: conv, AuthorID: author, Text: text, InReplyToID: replyTo, CreatedAt: at}
}

func TestUpsertBatchAllocatesNewConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	results, err := s.UpsertBatch(ctx, []IngestConversation{
		{Tweets: []domain.Tweet{tweet("1", "", "u1", "hello", nil, now)}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Created)

	thread, err := s.LoadThread(ctx, results[0].ConversationID)
	require.NoError(t, err)
	require.Len(t, thread, 1)
	require.Equal(t, "hello", thread[0].Text)
}

func TestUpsertBatchExtendsExistingThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := s.UpsertBatch(ctx, []IngestConversation{
		{Tweets: []domain.Tweet{tweet("root-1", "", "u1", "root", nil, now)}},
	})
	require.NoError(t, err)
	convID := first[0].ConversationID

	replyTo := "root-1"
	second, err := s.UpsertBatch(ctx, []IngestConversation{
		{Tweets: []domain.Tweet{tweet("reply-1", "", "u2", "a reply", &replyTo, now.Add(time.Second))}},
	})
	require.NoError(t, err)
	require.False(t, second[0].Created)
	require.Equal(t, convID, second[0].ConversationID)

	thread, err := s.LoadThread(ctx, convID)
	require.NoError(t, err)
	require.Len(t, thread, 2)
}

func TestUpsertBatchIsIdempotentOnTweetID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := IngestConversation{Tweets: []domain.Tweet{tweet("dup-1", "", "u1", "hello", nil, now)}}
	first, err := s.UpsertBatch(ctx, []IngestConversation{conv})
	require.NoError(t, err)

	second, err := s.UpsertBatch(ctx, []IngestConversation{conv})
	require.NoError(t, err)
	require.Equal(t, first[0].ConversationID, second[0].ConversationID)

	thread, err := s.LoadThread(ctx, first[0].ConversationID)
	require.NoError(t, err)
	require.Len(t, thread, 1, "re-submitting the same tweet_id must not duplicate rows")
}

func TestPutInsightIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	results, err := s.UpsertBatch(ctx, []IngestConversation{
		{Tweets: []domain.Tweet{tweet("1", "", "u1", "hello", nil, now)}},
	})
	require.NoError(t, err)
	convID := results[0].ConversationID

	reason := "message_count_1_lt_2"
	require.NoError(t, s.PutInsight(ctx, domain.Insight{ConversationID: convID, SkippedReason: &reason}))

	got, err := s.GetInsight(ctx, convID)
	require.NoError(t, err)
	require.True(t, got.IsSkipped())

	output := `{"summary":"ok"}`
	require.NoError(t, s.PutInsight(ctx, domain.Insight{
		ConversationID: convID,
		LLMOutput:      &output,
		Sentiment:      domain.SentimentPositive,
		Topics:         []string{"billing"},
	}))

	got, err = s.GetInsight(ctx, convID)
	require.NoError(t, err)
	require.False(t, got.IsSkipped(), "a later analysis must overwrite, not duplicate, the row")
	require.Equal(t, domain.SentimentPositive, got.Sentiment)
}

func TestCacheGetPutRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CacheGet(ctx, "nonexistent")
	require.ErrorIs(t, err, domain.ErrNotFound)

	results, err := s.UpsertBatch(ctx, []IngestConversation{
		{Tweets: []domain.Tweet{tweet("1", "", "u1", "hi", nil, time.Now().UTC())}},
	})
	require.NoError(t, err)
	convID := results[0].ConversationID
	require.NoError(t, s.PutInsight(ctx, domain.Insight{ConversationID: convID, Sentiment: domain.SentimentNeutral}))

	require.NoError(t, s.CachePut(ctx, "hash-1", convID))
	entry, err := s.CacheGet(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, convID, entry.ConversationID)
}

func TestListInsightsOrderingAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	var ids []string
	for i := 0; i < 5; i++ {
		results, err := s.UpsertBatch(ctx, []IngestConversation{
			{Tweets: []domain.Tweet{tweet(fmt.Sprintf("t-%d", i), "", "u", "hi", nil, base.Add(time.Duration(i)*time.Minute))}},
		})
		require.NoError(t, err)
		convID := results[0].ConversationID
		ids = append(ids, convID)
		require.NoError(t, s.PutInsight(ctx, domain.Insight{ConversationID: convID, Sentiment: domain.SentimentNeutral}))
	}

	page1, err := s.ListInsights(ctx, domain.InsightFilter{}, 2, 0)
	require.NoError(t, err)
	page2, err := s.ListInsights(ctx, domain.InsightFilter{}, 2, 2)
	require.NoError(t, err)
	page3, err := s.ListInsights(ctx, domain.InsightFilter{}, 2, 4)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, p := range [][]InsightRow{page1, page2, page3} {
		for _, r := range p {
			require.False(t, seen[r.ConversationID], "P7: each row must appear exactly once across pages")
			seen[r.ConversationID] = true
		}
	}
	require.Len(t, seen, 5)
}
