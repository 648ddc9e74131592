package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// promptVersion is folded into the thread hash so a future prompt change can
// invalidate the whole result cache by bumping this literal (§9 open
// question: "whether cache entries should be evicted on schema changes of
// the LLM prompt").
const promptVersion = "v1"

// CollapseWhitespace collapses runs of whitespace to a single space and
// trims the result. It is idempotent: CollapseWhitespace(CollapseWhitespace(s))
// == CollapseWhitespace(s) (L1).
func CollapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// NormalizeAuthorID lowercases an author id for canonical rendering.
func NormalizeAuthorID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SortTweetsCanonical orders tweets by (created_at, tweet_id) as required by
// load_thread (§4.1); the same order underlies the thread-hash rendering
// (§4.5) and the tie-break rule for L2.
func SortTweetsCanonical(tweets []Tweet) []Tweet {
	sorted := make([]Tweet, len(tweets))
	copy(sorted, tweets)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].TweetID < sorted[j].TweetID
	})
	return sorted
}

// CanonicalThreadText renders a thread, already in canonical tweet order, as
// the "{author_id}\t{text}\n" concatenation described in §4.5.
func CanonicalThreadText(tweets []Tweet) string {
	var b strings.Builder
	for _, t := range tweets {
		b.WriteString(NormalizeAuthorID(t.AuthorID))
		b.WriteByte('\t')
		b.WriteString(CollapseWhitespace(t.Text))
		b.WriteByte('\n')
	}
	return b.String()
}

// ThreadHash computes the content-addressed digest used as the result-cache
// key (§4.5, §9). tweets need not be pre-sorted; ThreadHash sorts them into
// canonical order itself so callers cannot accidentally violate L2.
func ThreadHash(tweets []Tweet) string {
	canonical := CanonicalThreadText(SortTweetsCanonical(tweets))
	sum := sha256.Sum256([]byte(promptVersion + "\n" + canonical))
	return hex.EncodeToString(sum[:])
}
