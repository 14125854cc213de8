package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/wa-dispatcher/internal/broadcast"
	"github.com/cuongbtq/wa-dispatcher/internal/cache"
	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher"
)

// DefaultStreamWriteTimeout bounds a single SSE frame write
const DefaultStreamWriteTimeout = 10 * time.Second

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Queue       *dispatcher.Queue
	Broadcaster *broadcast.Broadcaster
	// HealthChecks are probed by /health, keyed by service name
	HealthChecks map[string]HealthChecker
	// SentIndex is nil when Redis is disabled
	SentIndex          *cache.SentIndex
	StreamWriteTimeout time.Duration
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	queue        *dispatcher.Queue
	broadcaster  *broadcast.Broadcaster
	sentIndex    *cache.SentIndex
	checks       map[string]HealthChecker
	writeTimeout time.Duration
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	writeTimeout := deps.StreamWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultStreamWriteTimeout
	}
	return &JobHandler{
		logger:       deps.Logger,
		queue:        deps.Queue,
		broadcaster:  deps.Broadcaster,
		sentIndex:    deps.SentIndex,
		checks:       deps.HealthChecks,
		writeTimeout: writeTimeout,
	}
}
