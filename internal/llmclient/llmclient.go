// Package llmclient implements the LLM client (C8): prompt construction, the
// HTTP call to a chat-completions endpoint, lenient JSON parsing, usage
// accounting and cost estimation, and retry-with-backoff (spec.md §4.8).
//
// The retry shape (retry.Do/RetryIf/Attempts/DelayType/OnRetry) is grounded
// on jingkaihe-kodelet's createChatCompletionWithRetry
// (pkg/llm/openai/openai.go); this package calls a generic chat-completions
// endpoint over net/http rather than the openai-go SDK, since spec.md §6's
// configuration (LLM_MODEL, a configurable base URL) assumes a
// provider-agnostic HTTP contract, not a vendor SDK.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
)

// ErrProtocol is returned when the provider's response cannot be parsed into
// the expected JSON shape (spec.md §7 LLMProtocolError; never retried).
var ErrProtocol = errors.New("llmclient: protocol error")

// ErrTransient marks a retriable failure (network, 408, 429, 5xx) that has
// exhausted its retry budget (spec.md §7 LLMError after retries).
var ErrTransient = errors.New("llmclient: transient error exhausted retries")

// ModelPricing is the per-model cost-per-token rate used to compute
// cost_estimate (§4.8 "sum(tokens_i * price_i)"), named after the teacher
// corpus's llmtypes.ModelPricing (jingkaihe-kodelet pkg/types/llm/config.go).
type ModelPricing struct {
	InputPerToken  float64
	OutputPerToken float64
}

// Config configures the client.
type Config struct {
	APIKey   string
	Model    string
	BaseURL  string
	Pricing  map[string]ModelPricing
	Attempts uint
}

// Result is what the analyzer persists into an Insight (spec.md §4.8).
type Result struct {
	LLMOutput    string
	Sentiment    domain.Sentiment
	Topics       []string
	Gaps         []string
	TokenUsage   int
	CostEstimate float64
}

// Client calls the configured chat-completions endpoint.
type Client struct {
	cfg  Config
	http *http.Client
	lg   *logrus.Logger
}

// New builds a Client with a shared, keep-alive HTTP connection pool (§5:
// "single connection pool, per-host keepalive").
func New(cfg Config, lg *logrus.Logger) *Client {
	if cfg.Attempts == 0 {
		cfg.Attempts = 4
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		lg: lg,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// analysisPayload is the JSON object the prompt asks the model to return
// (spec.md §4.8: sentiment, topics, gaps, summary).
type analysisPayload struct {
	Sentiment string   `json:"sentiment"`
	Topics    []string `json:"topics"`
	Gaps      []string `json:"gaps"`
	Summary   string   `json:"summary"`
}

const instruction = `Analyze the following customer support conversation thread. ` +
	`Respond with a single JSON object with exactly these keys: ` +
	`"sentiment" (one of "positive", "neutral", "negative", "mixed"), ` +
	`"topics" (an array of short topic strings), ` +
	`"gaps" (an array of short strings naming unresolved issues), ` +
	`"summary" (a one-sentence summary). Respond with JSON only.`

func buildPrompt(canonicalThread string) string {
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nThread:\n")
	b.WriteString(canonicalThread)
	return b.String()
}

// Analyze sends the thread to the configured LLM and returns the extracted
// insight fields.
func (c *Client) Analyze(ctx context.Context, canonicalThread string) (Result, error) {
	prompt := buildPrompt(canonicalThread)

	var resp chatResponse
	err := retry.Do(
		func() error {
			r, err := c.call(ctx, prompt)
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retryAfterOrBackoff),
		retry.MaxJitter(100*time.Millisecond),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			c.lg.WithError(err).WithField("attempt", n+1).Warn("retrying LLM call")
		}),
	)
	if err != nil {
		if isRetryable(err) {
			return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return Result{}, err
	}

	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: no choices in response", ErrProtocol)
	}

	payload, err := parseAnalysisPayload(resp.Choices[0].Message.Content)
	if err != nil {
		return Result{}, err
	}

	totalTokens := resp.Usage.TotalTokens
	cost := c.estimateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	raw, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("%w: re-marshal payload: %v", ErrProtocol, err)
	}

	return Result{
		LLMOutput:    string(raw),
		Sentiment:    domain.NormalizeSentiment(payload.Sentiment),
		Topics:       payload.Topics,
		Gaps:         payload.Gaps,
		TokenUsage:   totalTokens,
		CostEstimate: cost,
	}, nil
}

func (c *Client) estimateCost(promptTokens, completionTokens int) float64 {
	pricing, ok := c.cfg.Pricing[c.cfg.Model]
	if !ok {
		return 0
	}
	return float64(promptTokens)*pricing.InputPerToken + float64(completionTokens)*pricing.OutputPerToken
}

// transientError carries the retry-after hint from a 429/5xx response.
type transientError struct {
	statusCode int
	retryAfter time.Duration
}

func (e *transientError) Error() string {
	return fmt.Sprintf("llmclient: transient http status %d", e.statusCode)
}

// protocolHTTPError marks a non-retriable 4xx (other than 408/429, §4.7).
type protocolHTTPError struct {
	statusCode int
}

func (e *protocolHTTPError) Error() string {
	return fmt.Sprintf("llmclient: http status %d", e.statusCode)
}

// retryAfterOrBackoff respects a provider's Retry-After header when present
// (§4.8), falling back to exponential backoff (base 500ms, factor 2) with
// ±20% random jitter.
func retryAfterOrBackoff(n uint, err error, config *retry.Config) time.Duration {
	var te *transientError
	if errors.As(err, &te) && te.retryAfter > 0 {
		return te.retryAfter
	}
	d := retry.BackOffDelay(n, err, config)
	return d + time.Duration((rand.Float64()*0.4-0.2)*float64(d))
}

func isRetryable(err error) bool {
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

func (c *Client) call(ctx context.Context, prompt string) (chatResponse, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return chatResponse{}, fmt.Errorf("%w: marshal request: %v", ErrProtocol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return chatResponse{}, fmt.Errorf("%w: build request: %v", ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return chatResponse{}, &transientError{statusCode: 0}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatResponse{}, fmt.Errorf("%w: read body: %v", ErrProtocol, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests {
		return chatResponse{}, &transientError{
			statusCode: resp.StatusCode,
			retryAfter: retryAfterFromHeader(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode >= 400 {
		return chatResponse{}, fmt.Errorf("%w: %s", ErrProtocol, (&protocolHTTPError{statusCode: resp.StatusCode}).Error())
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return chatResponse{}, fmt.Errorf("%w: unmarshal response: %v", ErrProtocol, err)
	}
	return out, nil
}

func retryAfterFromHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// parseAnalysisPayload leniently parses the model's response content: if
// wrapped in prose, it extracts the first balanced {...} region (§4.8).
func parseAnalysisPayload(content string) (analysisPayload, error) {
	region := content
	if start := strings.IndexByte(content, '{'); start >= 0 {
		if end := matchingBrace(content, start); end >= 0 {
			region = content[start : end+1]
		}
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(region), &payload); err != nil {
		return analysisPayload{}, fmt.Errorf("%w: unmarshal content: %v", ErrProtocol, err)
	}
	return payload, nil
}

// matchingBrace returns the index of the brace matching the one at start,
// or -1 if unbalanced.
func matchingBrace(s string, start int) int {
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
