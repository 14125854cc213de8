package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

// sseConn adapts a streaming HTTP response to broadcast.Conn
type sseConn struct {
	w            gin.ResponseWriter
	rc           *http.ResponseController
	ctx          context.Context
	writeTimeout time.Duration
}

func newSSEConn(ctx context.Context, w gin.ResponseWriter, writeTimeout time.Duration) *sseConn {
	return &sseConn{
		w:            w,
		rc:           http.NewResponseController(w),
		ctx:          ctx,
		writeTimeout: writeTimeout,
	}
}

func (s *sseConn) Write(eventType string, data []byte) error {
	s.setDeadline()
	if err := sse.Encode(s.w, sse.Event{Event: eventType, Data: string(data)}); err != nil {
		return err
	}
	s.w.Flush()
	return s.ctx.Err()
}

func (s *sseConn) Ping() error {
	s.setDeadline()
	if _, err := io.WriteString(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.w.Flush()
	return s.ctx.Err()
}

func (s *sseConn) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *sseConn) setDeadline() {
	// http.ErrNotSupported when the writer has no deadline
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
}

// StreamEvents handles GET /api/v1/jobs/:job_id/events
// Streams the job's progress events as server-sent events until the job finishes or the client leaves
func (h *JobHandler) StreamEvents(c *gin.Context) {
	jobID := c.Param("job_id")

	// 1. Make sure the job exists before switching to a stream
	if _, err := h.queue.GetJob(jobID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	// 2. Switch to an event stream
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	sub := h.broadcaster.Attach(jobID, newSSEConn(ctx, c.Writer, h.writeTimeout))
	defer h.broadcaster.Detach(sub)

	h.logger.Info("Event stream opened",
		slog.String("job_id", jobID),
		slog.String("ip", c.ClientIP()),
	)

	// 3. A job that finished before the subscription existed gets its completion replayed
	job, err := h.queue.GetJob(jobID)
	if err == nil && job.State.IsTerminal() {
		select {
		case <-sub.Closed():
		default:
			_ = h.broadcaster.SendTo(sub, domain.CompletionEvent(job))
		}
		return
	}

	// 4. Hold the response open until the job completes or the client disconnects
	select {
	case <-ctx.Done():
	case <-sub.Closed():
	}

	h.logger.Info("Event stream closed", slog.String("job_id", jobID))
}
