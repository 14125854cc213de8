package dispatcher

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Prune evicts terminal jobs older than the retention window, then the oldest
// terminal jobs while the table holds more than MaxRetainedJobs. Queued and
// running jobs are never evicted.
func (q *Queue) Prune(now time.Time) int {
	type terminal struct {
		id         string
		finishedAt time.Time
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	var kept []terminal
	for id, e := range q.jobs {
		e.mu.RLock()
		done := e.job.State.IsTerminal()
		ref := e.job.CreatedAt
		if e.job.FinishedAt != nil {
			ref = *e.job.FinishedAt
		}
		e.mu.RUnlock()

		if !done {
			continue
		}
		if now.Sub(ref) > q.cfg.JobRetention {
			delete(q.jobs, id)
			removed++
			continue
		}
		kept = append(kept, terminal{id: id, finishedAt: ref})
	}

	if excess := len(q.jobs) - q.cfg.MaxRetainedJobs; excess > 0 {
		sort.Slice(kept, func(i, j int) bool { return kept[i].finishedAt.Before(kept[j].finishedAt) })
		for i := 0; i < excess && i < len(kept); i++ {
			delete(q.jobs, kept[i].id)
			removed++
		}
	}

	return removed
}

// Janitor runs Prune on a cron schedule
type Janitor struct {
	queue  *Queue
	logger *slog.Logger
	cron   *cron.Cron
}

// NewJanitor schedules pruning with the queue's JanitorSchedule
func NewJanitor(q *Queue) (*Janitor, error) {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	j := &Janitor{queue: q, logger: q.logger, cron: c}
	if _, err := c.AddFunc(q.cfg.JanitorSchedule, j.sweep); err != nil {
		return nil, fmt.Errorf("failed to schedule job janitor %q: %w", q.cfg.JanitorSchedule, err)
	}
	return j, nil
}

func (j *Janitor) sweep() {
	removed := j.queue.Prune(j.queue.now())
	if removed > 0 {
		j.logger.Info("Pruned finished jobs",
			slog.Int("removed", removed),
			slog.Int("remaining", j.queue.Stats().Total),
		)
	}
}

// Start begins the schedule in its own goroutine
func (j *Janitor) Start() {
	j.logger.Info("Job janitor started",
		slog.String("schedule", j.queue.cfg.JanitorSchedule),
		slog.Duration("retention", j.queue.cfg.JobRetention),
		slog.Int("max_retained_jobs", j.queue.cfg.MaxRetainedJobs),
	)
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Job janitor stopped")
}
