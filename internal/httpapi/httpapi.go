// Package httpapi is the thin HTTP adapter (spec.md §1 "out of scope:
// external collaborators") routing §6's endpoints onto the admission and
// query services, following the teacher's gin.New()/middleware/route
// registration shape in cmd/server/main.go.
package httpapi

import (
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hemantsathish/conversation-insights-backend/internal/admission"
	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
	"github.com/hemantsathish/conversation-insights-backend/internal/metrics"
	"github.com/hemantsathish/conversation-insights-backend/internal/query"
	"github.com/hemantsathish/conversation-insights-backend/internal/queue"
	"github.com/hemantsathish/conversation-insights-backend/internal/store"
)

// Server bundles the dependencies the router closures need.
type Server struct {
	Admission *admission.Controller
	Query     *query.Service
	Queue     *queue.Queue
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger

	// unavailable is flipped by Shutdown (called from the main goroutine)
	// and read concurrently by every request handler goroutine, so new
	// writes start failing fast (spec.md §5: "admission handlers begin
	// returning Unavailable for new writes").
	unavailable atomic.Bool
}

// NewRouter builds the gin.Engine exposing §6's HTTP surface.
func NewRouter(s *Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestMetricsMiddleware(s.Metrics))

	router.POST("/api/v1/conversations", s.handleSingle)
	router.POST("/api/v1/conversations/bulk", s.handleBulk)
	router.POST("/api/v1/conversations/bulk/stream", s.handleStream)
	router.GET("/api/v1/insights", s.handleListInsights)
	router.GET("/api/v1/trends", s.handleTrends)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})))

	return router
}

// Shutdown flips the unavailable flag; subsequent write requests are
// rejected with 503 immediately (spec.md §5).
func (s *Server) Shutdown() {
	s.unavailable.Store(true)
}

func requestMetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RequestDuration.WithLabelValues(c.Request.Method, c.FullPath()).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"queue_depth": s.Queue.Depth(),
		"process_id":  os.Getpid(),
	})
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, admission.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidWindow):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.Logger.WithError(err).Error("unhandled request error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) rejectIfUnavailable(c *gin.Context) bool {
	if s.unavailable.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return true
	}
	return false
}
