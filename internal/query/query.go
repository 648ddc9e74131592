// Package query implements the query surface (C10): filtered/paginated
// insight listing and windowed trend aggregates, built directly atop the
// store's already-deterministic ListInsights/Aggregate (spec.md §4.10).
package query

import (
	"context"
	"fmt"

	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
	"github.com/hemantsathish/conversation-insights-backend/internal/store"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Store is the subset of *store.Store the query service depends on, so it
// can be tested against a fake without standing up Postgres.
type Store interface {
	ListInsights(ctx context.Context, filter domain.InsightFilter, limit, offset int) ([]store.InsightRow, error)
	Aggregate(ctx context.Context, window domain.Window) (domain.Trends, error)
}

// Service answers list/trends queries.
type Service struct {
	store Store
}

// New builds a Service atop a Store.
func New(s Store) *Service {
	return &Service{store: s}
}

// Page is the response shape for List.
type Page struct {
	Rows   []store.InsightRow
	Limit  int
	Offset int
}

// List returns a page of insights matching filter, clamping limit to
// [1, 100] per §4.10 and defaulting to 20 when unset.
func (s *Service) List(ctx context.Context, filter domain.InsightFilter, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.store.ListInsights(ctx, filter, limit, offset)
	if err != nil {
		return Page{}, err
	}
	return Page{Rows: rows, Limit: limit, Offset: offset}, nil
}

// Trends computes the windowed aggregate for one of "1d", "7d", "30d".
func (s *Service) Trends(ctx context.Context, window string) (domain.Trends, error) {
	w := domain.Window(window)
	if _, err := w.Duration(); err != nil {
		return domain.Trends{}, fmt.Errorf("query: %w", err)
	}
	return s.store.Aggregate(ctx, w)
}
