package dispatcher

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

// runBatch spawns min(concurrency, len(batch)) workers that pull recipients from one shared channel
func (q *Queue) runBatch(ctx context.Context, e *jobEntry, creds domain.Credentials, limiter *rate.Limiter, batchIdx int, batch []string) {
	recipients := make(chan string, len(batch))
	for _, to := range batch {
		recipients <- to
	}
	close(recipients)

	workers := min(q.cfg.Concurrency, len(batch))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for to := range recipients {
				if ctx.Err() != nil {
					return
				}
				q.sendOne(ctx, e, creds, limiter, batchIdx, to)
			}
		}()
	}
	wg.Wait()
}

// sendOne delivers to a single recipient; a panic here is contained to this recipient
func (q *Queue) sendOne(ctx context.Context, e *jobEntry, creds domain.Credentials, limiter *rate.Limiter, batchIdx int, to string) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Recipient processing panicked",
				slog.String("job_id", e.job.ID),
				slog.String("to", to),
				slog.Int("batch_index", batchIdx),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
	}

	res := q.sender.Send(ctx, creds, to, e.input.Message, e.input.VariablesFor(to))
	res.To = to

	q.publishResult(e, batchIdx, to, res)

	if res.Success && res.MessageID != "" {
		q.recordSend(e, batchIdx, res)
	}
}

// publishResult counts the result and emits its message event.
// Emission holds emitMu so subscribers see sent and failed totals in increasing order
func (q *Queue) publishResult(e *jobEntry, batchIdx int, to string, res domain.SendResult) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if res.Success {
		e.job.Sent++
	} else {
		e.job.Failed++
	}
	e.job.Results = append(e.job.Results, res)
	ev := domain.Event{
		JobID:      e.job.ID,
		Timestamp:  q.now(),
		BatchIndex: batchIdx,
		To:         to,
		Sent:       e.job.Sent,
		Failed:     e.job.Failed,
	}
	e.mu.Unlock()

	if res.Success {
		ev.Type = domain.EventMessageSent
		ev.MessageID = res.MessageID
	} else {
		ev.Type = domain.EventMessageFailed
		if res.Error != nil {
			ev.Error = res.Error
		}
		q.logger.Debug("Message failed",
			slog.String("job_id", ev.JobID),
			slog.String("to", to),
			slog.Int("attempts", res.Attempts),
		)
	}
	q.emitter.Emit(ev.JobID, ev)
}
