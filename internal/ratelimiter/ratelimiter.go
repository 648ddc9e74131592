// Package ratelimiter implements the token-bucket gate (C6) bounding LLM
// call volume by requests/min and, optionally, tokens/min (spec.md §4.6).
// Grounded on the rate.Limiter usage in jefflam-agent-go's TweetResponder
// (pkg/actions/post_tweet_needing_reply.go), the pack's example of
// golang.org/x/time/rate used to pace calls to an external API.
package ratelimiter

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates LLM calls by request rate and, if configured, by reported
// token consumption.
type Limiter struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
}

// New builds a Limiter from requests-per-minute and tokens-per-minute
// (LLM_RPM, LLM_TPM, §6). tpm of 0 disables the secondary token bucket.
func New(rpm, tpm int) *Limiter {
	if rpm <= 0 {
		rpm = 1
	}
	l := &Limiter{
		requests: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
	}
	if tpm > 0 {
		l.tokens = rate.NewLimiter(rate.Limit(float64(tpm)/60.0), tpm)
	}
	return l
}

// Acquire blocks until a request slot is available, a token budget is free
// (if tracked), or ctx is cancelled — the cancel mechanism §4.6 requires for
// shutdown.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.requests.Wait(ctx); err != nil {
		return err
	}
	if l.tokens == nil {
		return nil
	}
	return l.tokens.Wait(ctx)
}

// ReportUsage consumes tokens from the secondary bucket after the LLM
// reports actual usage (§4.6: "consumed post-hoc"). The next Acquire call
// waits if the bucket has gone negative. A no-op if TPM tracking is
// disabled.
func (l *Limiter) ReportUsage(tokens int) {
	if l.tokens == nil || tokens <= 0 {
		return
	}
	l.tokens.ReserveN(time.Now(), tokens)
}
