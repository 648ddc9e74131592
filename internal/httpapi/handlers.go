package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hemantsathish/conversation-insights-backend/internal/admission"
	"github.com/hemantsathish/conversation-insights-backend/internal/domain"
)

func (s *Server) handleSingle(c *gin.Context) {
	if s.rejectIfUnavailable(c) {
		return
	}
	var in admission.ConversationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.Admission.Single(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if !result.Enqueued {
		// spec.md §4.3 entry point 1 / §6: a full queue surfaces as 503 with
		// a Retry-After hint on the single-conversation path.
		c.Header("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"conversation_id":     result.ConversationID,
			"enqueued":            result.Enqueued,
			"retry_after_seconds": result.RetryAfterSeconds,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"conversation_id":     result.ConversationID,
		"enqueued":            result.Enqueued,
		"retry_after_seconds": result.RetryAfterSeconds,
	})
}

func (s *Server) handleBulk(c *gin.Context) {
	if s.rejectIfUnavailable(c) {
		return
	}
	var inputs []admission.ConversationInput
	if err := c.ShouldBindJSON(&inputs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(inputs) > admission.MaxBulkSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many conversations in one bulk request"})
		return
	}

	result, err := s.Admission.Bulk(c.Request.Context(), inputs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"accepted":     result.Accepted,
		"rejected":     result.Rejected,
		"backpressure": result.Backpressure,
		"results":      result.Results,
	})
}

// handleStream serves the NDJSON bulk-ingestion endpoint, flushing each
// result line to the client as it becomes available rather than buffering
// the whole response (spec.md §6 POST /api/v1/conversations/bulk/stream).
func (s *Server) handleStream(c *gin.Context) {
	if s.rejectIfUnavailable(c) {
		return
	}
	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)

	writer := bufio.NewWriter(c.Writer)
	flusher, canFlush := c.Writer.(http.Flusher)

	err := s.Admission.Stream(c.Request.Context(), c.Request.Body, func(v interface{}) error {
		line, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			return err
		}
		if err := writer.Flush(); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		s.Logger.WithError(err).Error("stream ingestion aborted")
	}
}

func (s *Server) handleListInsights(c *gin.Context) {
	filter := domain.InsightFilter{
		Sentiment: domain.Sentiment(c.Query("sentiment")),
		Topic:     c.Query("topic"),
	}
	if v := c.Query("created_after"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedAfter = &t
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "created_after must be RFC3339"})
			return
		}
	}
	if v := c.Query("created_before"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.CreatedBefore = &t
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "created_before must be RFC3339"})
			return
		}
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))

	page, err := s.Query.List(c.Request.Context(), filter, limit, offset)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rows":   page.Rows,
		"limit":  page.Limit,
		"offset": page.Offset,
	})
}

func (s *Server) handleTrends(c *gin.Context) {
	window := c.Query("window")
	if window == "" {
		window = string(domain.Window1d)
	}
	trends, err := s.Query.Trends(c.Request.Context(), window)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trends)
}
