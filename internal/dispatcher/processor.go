package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

// run supervises one job and always leaves it in a terminal state
func (q *Queue) run(e *jobEntry) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Job processing panicked",
				slog.String("job_id", e.job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			q.finish(e, domain.JobStateFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	q.process(q.ctx, e)
}

// process runs the batches of a job in order
func (q *Queue) process(ctx context.Context, e *jobEntry) {
	jobID := e.job.ID
	tenantID := e.input.TenantID

	// Step 1: queued -> running
	startedAt := q.now()
	e.mu.Lock()
	e.job.State = domain.JobStateRunning
	e.job.StartedAt = &startedAt
	totalBatches := e.job.TotalBatches
	e.mu.Unlock()

	q.logger.Info("Processing job",
		slog.String("job_id", jobID),
		slog.String("tenant_id", tenantID),
		slog.Int("total_batches", totalBatches),
	)

	// Step 2: resolve credentials once for the whole job
	creds, err := q.creds.GetCredentials(ctx, tenantID)
	if err != nil {
		if ctx.Err() != nil {
			q.finish(e, domain.JobStateCanceled, "dispatcher shut down before sending")
			return
		}
		q.logger.Error("Failed to resolve credentials",
			slog.String("job_id", jobID),
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		q.finish(e, domain.JobStateFailed, fmt.Sprintf("failed to resolve credentials: %v", err))
		return
	}

	// Step 3: optional per-job send pacing
	var limiter *rate.Limiter
	if q.cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(q.cfg.RatePerSecond), q.cfg.RateBurst)
	}

	// Step 4: batches strictly in order
	recipients := e.input.Recipients
	for idx := 0; idx < totalBatches; idx++ {
		if ctx.Err() != nil {
			q.finish(e, domain.JobStateCanceled, "dispatcher shut down while job was running")
			return
		}

		start := idx * q.cfg.BatchSize
		end := min(start+q.cfg.BatchSize, len(recipients))
		batch := recipients[start:end]

		q.emitBatchEvent(e, domain.EventBatchStarted, idx, totalBatches, len(batch))
		q.runBatch(ctx, e, creds, limiter, idx, batch)
		q.emitBatchEvent(e, domain.EventBatchCompleted, idx, totalBatches, len(batch))

		if idx < totalBatches-1 {
			if err := q.sleep(ctx, q.cfg.BatchDelay); err != nil {
				q.finish(e, domain.JobStateCanceled, "dispatcher shut down while job was running")
				return
			}
		}
	}

	if ctx.Err() != nil {
		q.finish(e, domain.JobStateCanceled, "dispatcher shut down while job was running")
		return
	}

	// Step 5: any success at all means completed
	e.mu.RLock()
	sent, failed := e.job.Sent, e.job.Failed
	e.mu.RUnlock()

	if sent == 0 && failed > 0 {
		q.finish(e, domain.JobStateFailed, "all messages failed")
		return
	}
	q.finish(e, domain.JobStateCompleted, "")
}

func (q *Queue) emitBatchEvent(e *jobEntry, typ domain.EventType, idx, totalBatches, size int) {
	e.mu.RLock()
	ev := domain.Event{
		Type:         typ,
		JobID:        e.job.ID,
		Timestamp:    q.now(),
		BatchIndex:   idx,
		TotalBatches: totalBatches,
		Size:         size,
		Sent:         e.job.Sent,
		Failed:       e.job.Failed,
	}
	e.mu.RUnlock()

	q.logger.Debug("Batch event",
		slog.String("job_id", ev.JobID),
		slog.String("type", string(typ)),
		slog.Int("batch_index", idx),
		slog.Int("sent", ev.Sent),
		slog.Int("failed", ev.Failed),
	)
	q.emitter.Emit(ev.JobID, ev)
}

// finish moves the job to a terminal state once and emits job_completed
func (q *Queue) finish(e *jobEntry, state domain.JobState, errText string) {
	e.mu.Lock()
	if e.job.State.IsTerminal() {
		e.mu.Unlock()
		return
	}
	finishedAt := q.now()
	e.job.State = state
	e.job.FinishedAt = &finishedAt
	e.job.Error = errText
	snapshot := e.job.Clone()
	e.mu.Unlock()

	attrs := []any{
		slog.String("job_id", snapshot.ID),
		slog.String("state", string(snapshot.State)),
		slog.Int("sent", snapshot.Sent),
		slog.Int("failed", snapshot.Failed),
		slog.Int("total", snapshot.TotalRecipients),
	}
	if errText != "" {
		attrs = append(attrs, slog.String("error", errText))
	}
	if state == domain.JobStateCompleted {
		q.logger.Info("Job completed", attrs...)
	} else {
		q.logger.Warn("Job finished without completing", attrs...)
	}

	ev := domain.CompletionEvent(snapshot)
	ev.Timestamp = finishedAt
	q.emitter.Emit(snapshot.ID, ev)
}

// recordSend writes the acknowledgment through the recorder; failures never reach the job
func (q *Queue) recordSend(e *jobEntry, batchIdx int, res domain.SendResult) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.RecordTimeout)
	defer cancel()

	rec := domain.SendRecord{
		TenantID:   e.input.TenantID,
		MessageID:  res.MessageID,
		To:         res.To,
		JobID:      e.job.ID,
		CampaignID: e.input.CampaignID,
		BatchIndex: batchIdx,
		SentAt:     q.now(),
	}
	if err := q.recorder.RecordSend(ctx, rec); err != nil {
		q.logger.Warn("Failed to record send",
			slog.String("job_id", rec.JobID),
			slog.String("message_id", rec.MessageID),
			slog.String("error", err.Error()),
		)
	}
}
