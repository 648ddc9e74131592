package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
)

// InsightRow is one page row returned by ListInsights: an insight joined
// with its conversation's identity (§4.1 list_insights).
type InsightRow struct {
	domain.Insight
	RootTweetID string
}

// ListInsights returns a filtered, paginated, deterministically ordered
// page of insights (§4.1, §4.10, P7). Sort order: created_at DESC, then
// conversation_id as the total tie-break.
func (s *Store) ListInsights(ctx context.Context, filter domain.InsightFilter, limit, offset int) ([]InsightRow, error) {
	var b strings.Builder
	args := make([]interface{}, 0, 6)

	b.WriteString(`
		SELECT i.conversation_id, i.llm_output, i.sentiment, i.topics, i.gaps,
		       i.token_usage, i.cost_estimate, i.skipped_reason, i.created_at, i.updated_at,
		       c.root_tweet_id
		FROM insights i
		JOIN conversations c ON c.conversation_id = i.conversation_id
		WHERE 1=1
	`)

	if filter.Sentiment != "" {
		args = append(args, string(filter.Sentiment))
		fmt.Fprintf(&b, " AND i.sentiment = $%d", len(args))
	}
	if filter.Topic != "" {
		args = append(args, filter.Topic)
		fmt.Fprintf(&b, " AND $%d = ANY(i.topics)", len(args))
	}
	if filter.CreatedAfter != nil {
		args = append(args, *filter.CreatedAfter)
		fmt.Fprintf(&b, " AND i.created_at >= $%d", len(args))
	}
	if filter.CreatedBefore != nil {
		args = append(args, *filter.CreatedBefore)
		fmt.Fprintf(&b, " AND i.created_at <= $%d", len(args))
	}

	b.WriteString(" ORDER BY i.created_at DESC, i.conversation_id DESC")

	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))
	args = append(args, offset)
	fmt.Fprintf(&b, " OFFSET $%d", len(args))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list insights: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []InsightRow
	for rows.Next() {
		var r InsightRow
		var sentiment string
		var topics, gaps []string
		if err := rows.Scan(&r.ConversationID, &r.LLMOutput, &sentiment, pq.Array(&topics), pq.Array(&gaps),
			&r.TokenUsage, &r.CostEstimate, &r.SkippedReason, &r.CreatedAt, &r.UpdatedAt, &r.RootTweetID); err != nil {
			return nil, fmt.Errorf("%w: scan insight row: %v", ErrStoreUnavailable, err)
		}
		r.Sentiment = domain.Sentiment(sentiment)
		r.Topics = topics
		r.Gaps = gaps
		out = append(out, r)
	}
	return out, rows.Err()
}

// Aggregate computes windowed trend statistics (§4.10): counts by
// sentiment and top-K topic/gap bags over [now-window, now].
func (s *Store) Aggregate(ctx context.Context, window domain.Window) (domain.Trends, error) {
	dur, err := window.Duration()
	if err != nil {
		return domain.Trends{}, err
	}
	since := time.Now().UTC().Add(-dur)

	trends := domain.Trends{SentimentCounts: make(map[domain.Sentiment]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sentiment, COUNT(*) FROM insights
		WHERE created_at >= $1 AND skipped_reason IS NULL
		GROUP BY sentiment
	`, since)
	if err != nil {
		return domain.Trends{}, fmt.Errorf("%w: aggregate sentiment: %v", ErrStoreUnavailable, err)
	}
	for rows.Next() {
		var sentiment string
		var count int
		if err := rows.Scan(&sentiment, &count); err != nil {
			rows.Close()
			return domain.Trends{}, fmt.Errorf("%w: scan sentiment count: %v", ErrStoreUnavailable, err)
		}
		trends.SentimentCounts[domain.Sentiment(sentiment)] = count
		trends.Volume += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.Trends{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	trends.TopTopics, err = s.topBag(ctx, "topics", since)
	if err != nil {
		return domain.Trends{}, err
	}
	trends.TopGaps, err = s.topBag(ctx, "gaps", since)
	if err != nil {
		return domain.Trends{}, err
	}

	return trends, nil
}

const topK = 20

func (s *Store) topBag(ctx context.Context, column string, since time.Time) ([]domain.TopicCount, error) {
	// column is one of the two literal constants passed by Aggregate, never
	// user input, so this is not susceptible to injection.
	query := fmt.Sprintf(`
		SELECT value, COUNT(*) AS c FROM insights, unnest(%s) AS value
		WHERE created_at >= $1 AND skipped_reason IS NULL
		GROUP BY value
	`, column)

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("%w: top %s: %v", ErrStoreUnavailable, column, err)
	}
	defer rows.Close()

	var counts []domain.TopicCount
	for rows.Next() {
		var tc domain.TopicCount
		if err := rows.Scan(&tc.Value, &tc.Count); err != nil {
			return nil, fmt.Errorf("%w: scan %s count: %v", ErrStoreUnavailable, column, err)
		}
		counts = append(counts, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Value < counts[j].Value
	})
	if len(counts) > topK {
		counts = counts[:topK]
	}
	return counts, nil
}
