// Package breaker implements the three-state circuit breaker (C7) around
// the LLM client (spec.md §4.7), built on sony/gobreaker — the pack carries
// no circuit breaker of its own, so this is an out-of-pack dependency (see
// DESIGN.md) chosen because its closed/open/half-open state machine and
// ReadyToTrip hook map directly onto §4.7's contract without reimplementing
// one from scratch.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Call when the breaker is open or, in half-open
// state, when a concurrent caller loses the race for the single trial call
// (spec.md §4.7, §7 CircuitOpen).
var ErrOpen = errors.New("breaker: open")

// Config holds the two tunables spec.md §4.7 names.
type Config struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

// Breaker wraps gobreaker.CircuitBreaker with the vocabulary (State,
// CircuitOpen) the analyzer loop expects.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a Breaker from Config, following spec.md §4.7: trips after
// FailureThreshold consecutive failures, reopens for inspection after
// Cooldown, and admits exactly one trial call in half-open (gobreaker's
// default MaxRequests of 1 in half-open state already enforces this).
func New(name string, cfg Config, lg *logrus.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0, // never reset counts while closed; only consecutive failures matter
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			lg.WithFields(logrus.Fields{
				"breaker": name, "from": from.String(), "to": to.String(),
			}).Info("circuit breaker state change")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the current breaker state ("closed", "open", "half-open"),
// used to populate the circuit_state gauge (§6).
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Call executes fn if the breaker permits it. A rejection (open, or losing
// the half-open trial race) returns ErrOpen without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}
