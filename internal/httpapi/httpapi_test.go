package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hemantsathish/conversation-insights-backend/internal/admission"
	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
	"github.com/hemantsathish/conversation-insights-backend/internal/metrics"
	"github.com/hemantsathish/conversation-insights-backend/internal/query"
	"github.com/hemantsathish/conversation-insights-backend/internal/queue"
	"github.com/hemantsathish/conversation-insights-backend/internal/store"
)

type fakeAdmissionStore struct{}

func (fakeAdmissionStore) UpsertBatch(ctx context.Context, batch []store.IngestConversation) ([]store.UpsertResult, error) {
	out := make([]store.UpsertResult, len(batch))
	for i := range batch {
		out[i] = store.UpsertResult{ConversationID: uuid.New().String(), Created: true}
	}
	return out, nil
}

type fakeQueryStore struct{}

func (fakeQueryStore) ListInsights(ctx context.Context, filter domain.InsightFilter, limit, offset int) ([]store.InsightRow, error) {
	return nil, nil
}

func (fakeQueryStore) Aggregate(ctx context.Context, window domain.Window) (domain.Trends, error) {
	return domain.Trends{SentimentCounts: map[domain.Sentiment]int{}}, nil
}

func testServer() *Server {
	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	q := queue.New(10)
	return &Server{
		Admission: admission.New(fakeAdmissionStore{}, q, metrics.New(), lg),
		Query:     query.New(fakeQueryStore{}),
		Queue:     q,
		Metrics:   metrics.New(),
		Logger:    lg,
	}
}

func TestHandleSingleReturnsConversationID(t *testing.T) {
	router := NewRouter(testServer())
	body := `{"messages":[{"tweet_id":"1","author_id":"u","text":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), "conversation_id")
}

func TestHandleSingleReturns503OnBackpressure(t *testing.T) {
	lg := logrus.New()
	lg.SetLevel(logrus.PanicLevel)
	q := queue.New(1)
	q.Offer("occupying-slot")
	s := &Server{
		Admission: admission.New(fakeAdmissionStore{}, q, metrics.New(), lg),
		Query:     query.New(fakeQueryStore{}),
		Queue:     q,
		Metrics:   metrics.New(),
		Logger:    lg,
	}
	router := NewRouter(s)

	body := `{"messages":[{"tweet_id":"1","author_id":"u","text":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), `"enqueued":false`)
}

func TestHandleSingleRejectsInvalidInput(t *testing.T) {
	router := NewRouter(testServer())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBulkRejectsOversizedBatch(t *testing.T) {
	router := NewRouter(testServer())
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < admission.MaxBulkSize+1; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"messages":[{"tweet_id":"x","author_id":"u","text":"hi"}]}`)
	}
	b.WriteString("]")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/bulk", strings.NewReader(b.String()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandleTrendsRejectsBadWindow(t *testing.T) {
	router := NewRouter(testServer())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/trends?window=99x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealthReportsQueueDepth(t *testing.T) {
	router := NewRouter(testServer())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue_depth":0`)
}

func TestShutdownRejectsNewWrites(t *testing.T) {
	s := testServer()
	s.Shutdown()
	router := NewRouter(s)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations", strings.NewReader(`{"messages":[{"tweet_id":"1","author_id":"u","text":"hi"}]}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
