// Package events publishes best-effort fan-out events after an insight is
// persisted (SPEC_FULL.md "Supplemented features"), grounded on
// intelligencedev-manifold's KafkaCommitPublisher
// (internal/workspaces/kafka_events.go) and the teacher's own
// repository.NewKafkaProducer usage in cmd/server/main.go.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// InsightEvent is published after store.PutInsight commits. SkippedReason is
// set for a skipped analysis and Sentiment for a completed one; the message
// carries no separate event-type field.
type InsightEvent struct {
	ConversationID string    `json:"conversation_id"`
	Sentiment      string    `json:"sentiment,omitempty"`
	SkippedReason  string    `json:"skipped_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher publishes best-effort events; a nil *Publisher is valid and a
// no-op, so event publishing can be disabled without conditionals at every
// call site.
type Publisher struct {
	writer *kafka.Writer
	lg     *logrus.Logger
}

// New builds a Publisher writing to topic on the given brokers. Returns nil
// if brokers is empty (events disabled).
func New(brokers []string, topic string, lg *logrus.Logger) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
		lg: lg,
	}
}

// PublishInsight fire-and-forgets an InsightEvent; failures are logged and
// never propagate to the analyzer loop (SPEC_FULL.md: "never block the
// analyzer loop").
func (p *Publisher) PublishInsight(ev InsightEvent) {
	if p == nil {
		return
	}
	go func() {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.lg.WithError(err).Warn("marshal insight event failed")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.writer.WriteMessages(ctx, kafka.Message{Value: payload, Time: time.Now()}); err != nil {
			p.lg.WithError(err).WithField("conversation_id", ev.ConversationID).Warn("publish insight event failed")
		}
	}()
}

// Close shuts down the underlying writer. A nil Publisher is a no-op.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
