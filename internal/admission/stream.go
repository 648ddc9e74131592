package admission

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/hemantsathish/conversation-insights-backend/internal/store"
)

// StreamLineResult is one per-input-line result emitted by Stream (spec.md
// §4.3 entry point 3, §6 NDJSON response).
type StreamLineResult struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Enqueued       bool   `json:"enqueued,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SummaryCounts is the body of the trailing `_summary` line.
type SummaryCounts struct {
	Accepted     int `json:"accepted"`
	Rejected     int `json:"rejected"`
	Backpressure int `json:"backpressure"`
}

// StreamSummaryLine wraps SummaryCounts under the `_summary` marker key so
// it is distinguishable from per-item result lines in the NDJSON stream.
type StreamSummaryLine struct {
	Summary SummaryCounts `json:"_summary"`
}

// Stream reads NDJSON conversations from body, chunking them (§4.3:
// "suggested chunk size 32") to amortize the transaction cost, and calls
// emit once per input line plus once more for the trailing summary.
// Malformed lines produce an error result line and do not abort the stream.
func (c *Controller) Stream(ctx context.Context, body io.Reader, emit func(v interface{}) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	summary := SummaryCounts{}
	now := time.Now().UTC()

	type pendingLine struct {
		in        ConversationInput
		malformed bool
		errMsg    string
	}
	var pending []pendingLine

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		valid := make([]store.IngestConversation, 0, len(pending))
		validIdx := make([]int, 0, len(pending))
		for i, p := range pending {
			if p.malformed {
				continue
			}
			valid = append(valid, toIngest(p.in, now))
			validIdx = append(validIdx, i)
		}

		lineResults := make([]StreamLineResult, len(pending))
		for i, p := range pending {
			if p.malformed {
				lineResults[i] = StreamLineResult{Error: p.errMsg}
			}
		}

		if len(valid) > 0 {
			upserts, err := c.Store.UpsertBatch(ctx, valid)
			if err != nil {
				return err
			}
			for j, u := range upserts {
				i := validIdx[j]
				if c.Queue.Offer(u.ConversationID) {
					lineResults[i] = StreamLineResult{ConversationID: u.ConversationID, Enqueued: true}
				} else {
					c.Metrics.BackpressureTotal.Inc()
					lineResults[i] = StreamLineResult{ConversationID: u.ConversationID, Enqueued: false}
				}
			}
		}

		for i, r := range lineResults {
			switch {
			case pending[i].malformed:
				summary.Rejected++
			case r.Enqueued:
				summary.Accepted++
			default:
				summary.Accepted++
				summary.Backpressure++
			}
			if err := emit(r); err != nil {
				return err
			}
		}

		pending = pending[:0]
		return nil
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var in ConversationInput
		if err := json.Unmarshal(line, &in); err != nil {
			pending = append(pending, pendingLine{malformed: true, errMsg: fmt.Sprintf("invalid JSON: %v", err)})
		} else if err := validate(in); err != nil {
			pending = append(pending, pendingLine{malformed: true, errMsg: err.Error()})
		} else {
			pending = append(pending, pendingLine{in: in})
		}

		if len(pending) >= StreamChunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("admission: read stream: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}

	return emit(StreamSummaryLine{Summary: summary})
}
