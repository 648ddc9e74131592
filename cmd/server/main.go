package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemantsathish/conversation-insights-backend/internal/admission"
	"github.com/hemantsathish/conversation-insights-backend/internal/analyzer"
	"github.com/hemantsathish/conversation-insights-backend/internal/breaker"
	"github.com/hemantsathish/conversation-insights-backend/internal/cache"
	"github.com/hemantsathish/conversation-insights-backend/internal/config"
	"github.com/hemantsathish/conversation-insights-backend/internal/events"
	"github.com/hemantsathish/conversation-insights-backend/internal/httpapi"
	"github.com/hemantsathish/conversation-insights-backend/internal/llmclient"
	"github.com/hemantsathish/conversation-insights-backend/internal/logging"
	"github.com/hemantsathish/conversation-insights-backend/internal/metrics"
	"github.com/hemantsathish/conversation-insights-backend/internal/prefilter"
	"github.com/hemantsathish/conversation-insights-backend/internal/queue"
	"github.com/hemantsathish/conversation-insights-backend/internal/query"
	"github.com/hemantsathish/conversation-insights-backend/internal/ratelimiter"
	"github.com/hemantsathish/conversation-insights-backend/internal/store"
)

// modelPricing is the single supported model's per-token rate (spec.md §4.8
// leaves pricing implementation-defined; this is a representative default).
var modelPricing = map[string]llmclient.ModelPricing{
	"gpt-4o-mini": {InputPerToken: 0.00000015, OutputPerToken: 0.0000006},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("info")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	defer db.DB().Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	resultCache := cache.New(redisClient, logger, 24*time.Hour)

	m := metrics.New()
	workQueue := queue.New(cfg.MaxQueueDepth)
	limiter := ratelimiter.New(cfg.LLMRPM, cfg.LLMTPM)
	cb := breaker.New("llm", breaker.Config{
		FailureThreshold: uint32(cfg.CircuitFailureThreshold),
		Cooldown:         cfg.CircuitCooldown(),
	}, logger)
	llm := llmclient.New(llmclient.Config{
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
		BaseURL: cfg.LLMBaseURL,
		Pricing: modelPricing,
	}, logger)
	publisher := events.New(cfg.KafkaBrokers, "conversation-insights", logger)
	defer publisher.Close()

	admissionController := admission.New(db, workQueue, m, logger)

	an := &analyzer.Analyzer{
		Store:       db,
		Queue:       workQueue,
		LLM:         llm,
		Breaker:     cb,
		RateLimiter: limiter,
		ReadCache:   resultCache,
		Prefilter: prefilter.Config{
			MinMessages:   cfg.PreFilterMinMessages,
			MinTotalChars: cfg.PreFilterMinTotalChars,
		},
		Publisher:   publisher,
		Metrics:     m,
		Logger:      logger,
		Workers:     1,
		OnProcessed: admissionController.Throughput.Record,
	}

	// Recover conversations that were persisted but never analyzed before a
	// prior crash (spec.md's at-least-once guarantee across the queue's
	// volatile boundary).
	pending, err := db.ListConversationsWithoutInsight(ctx)
	if err != nil {
		logger.WithError(err).Error("recovery scan failed, continuing without it")
	}
	requeued := 0
	for _, id := range pending {
		if !workQueue.Offer(id) {
			logger.WithField("conversation_id", id).Warn("recovery scan: queue full, will retry on next boot")
			break
		}
		requeued++
	}
	logger.WithField("count", requeued).Info("recovery scan requeued pending conversations")

	// The analyzer runs under its own context, independent of the signal
	// context: §5 requires it to keep draining the (now-closed) queue until
	// empty or the shutdown grace deadline elapses, not to stop the instant
	// SIGINT/SIGTERM arrives. analyzerCancel is only called once that
	// deadline is reached, to unblock anything still in flight (e.g. a rate
	// limiter wait).
	analyzerCtx, analyzerCancel := context.WithCancel(context.Background())
	defer analyzerCancel()

	analyzerDone := make(chan struct{})
	go func() {
		an.Run(analyzerCtx)
		close(analyzerDone)
	}()

	go reportQueueDepth(ctx, workQueue, m)

	server := &httpapi.Server{
		Admission: admissionController,
		Query:     query.New(db),
		Queue:     workQueue,
		Metrics:   m,
		Logger:    logger,
	}
	router := httpapi.NewRouter(server)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // bulk/stream ingestion can run long
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}

	workQueue.Close()

	select {
	case <-analyzerDone:
	case <-shutdownCtx.Done():
		logger.Warn("analyzer did not drain within shutdown grace period")
		analyzerCancel()
		<-analyzerDone
	}

	logger.Info("shutdown complete")
}

// reportQueueDepth periodically samples the work queue so the queue_depth
// gauge (§6) stays current without every Offer/Take call paying the cost of
// a metrics write.
func reportQueueDepth(ctx context.Context, q *queue.Queue, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.QueueDepth.Set(float64(q.Depth()))
		case <-ctx.Done():
			return
		}
	}
}
