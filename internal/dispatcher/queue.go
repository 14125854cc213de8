package dispatcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

const (
	DefaultBatchSize       = 50
	DefaultMaxRecipients   = 50000
	DefaultConcurrency     = 5
	DefaultBatchDelay      = time.Second
	DefaultRecordTimeout   = 5 * time.Second
	DefaultJobRetention    = 24 * time.Hour
	DefaultMaxRetainedJobs = 10000
	DefaultJanitorSchedule = "@every 5m"

	maxPageSize     = 100
	defaultPageSize = 20
)

// Config holds dispatcher configuration
type Config struct {
	BatchSize       int
	MaxRecipients   int
	Concurrency     int
	// BatchDelay is the pause between batches; zero selects DefaultBatchDelay, a negative value disables it
	BatchDelay      time.Duration
	RatePerSecond   float64
	RateBurst       int
	RecordTimeout   time.Duration
	JobRetention    time.Duration
	MaxRetainedJobs int
	JanitorSchedule string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = DefaultMaxRecipients
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	switch {
	case c.BatchDelay == 0:
		c.BatchDelay = DefaultBatchDelay
	case c.BatchDelay < 0:
		c.BatchDelay = 0
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = DefaultRecordTimeout
	}
	if c.JobRetention <= 0 {
		c.JobRetention = DefaultJobRetention
	}
	if c.MaxRetainedJobs <= 0 {
		c.MaxRetainedJobs = DefaultMaxRetainedJobs
	}
	if c.JanitorSchedule == "" {
		c.JanitorSchedule = DefaultJanitorSchedule
	}
}

// Dependencies are the collaborators a Queue talks to
type Dependencies struct {
	Logger      *slog.Logger
	Credentials CredentialsProvider
	Sender      Sender
	Recorder    SendRecorder
	Emitter     Emitter
}

type jobEntry struct {
	mu    sync.RWMutex
	job   domain.Job
	input domain.JobInput

	// emitMu keeps message events in counter order across workers
	emitMu sync.Mutex
}

func (e *jobEntry) snapshot() domain.Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.job.Clone()
}

// Queue registers bulk send jobs and processes each one in its own goroutine
type Queue struct {
	cfg      Config
	logger   *slog.Logger
	creds    CredentialsProvider
	sender   Sender
	recorder SendRecorder
	emitter  Emitter

	mu   sync.RWMutex
	jobs map[string]*jobEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool // guarded by mu

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a job queue
func New(cfg Config, deps Dependencies) *Queue {
	cfg.applyDefaults()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = noopEmitter{}
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = Recorders()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		logger:   logger,
		creds:    deps.Credentials,
		sender:   deps.Sender,
		recorder: recorder,
		emitter:  emitter,
		jobs:     make(map[string]*jobEntry),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Enqueue validates the input, registers a queued job and starts processing it in the background
func (q *Queue) Enqueue(input domain.JobInput) (domain.Job, error) {
	recipients := input.NormalizedRecipients()
	if len(recipients) == 0 {
		return domain.Job{}, domain.NewValidationError(domain.ErrNoRecipients, "at least one recipient is required")
	}
	if len(recipients) > q.cfg.MaxRecipients {
		return domain.Job{}, domain.NewValidationError(domain.ErrTooManyRecipients,
			"%d recipients exceeds the limit of %d", len(recipients), q.cfg.MaxRecipients)
	}
	if input.TenantID == "" {
		return domain.Job{}, domain.NewValidationError(domain.ErrInvalidInput, "tenant_id is required")
	}
	if err := input.Message.Validate(); err != nil {
		return domain.Job{}, err
	}
	input.Recipients = recipients

	entry := &jobEntry{
		input: input,
		job: domain.Job{
			ID:              uuid.NewString(),
			TenantID:        input.TenantID,
			CampaignID:      input.CampaignID,
			TotalRecipients: len(recipients),
			BatchSize:       q.cfg.BatchSize,
			TotalBatches:    domain.BatchCount(len(recipients), q.cfg.BatchSize),
			State:           domain.JobStateQueued,
			Results:         make([]domain.SendResult, 0, len(recipients)),
			CreatedAt:       q.now(),
		},
	}
	snapshot := entry.job.Clone()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return domain.Job{}, domain.ErrQueueClosed
	}
	q.jobs[snapshot.ID] = entry
	q.wg.Add(1)
	q.mu.Unlock()

	q.logger.Info("Job enqueued",
		slog.String("job_id", snapshot.ID),
		slog.String("tenant_id", snapshot.TenantID),
		slog.Int("total_recipients", snapshot.TotalRecipients),
		slog.Int("total_batches", snapshot.TotalBatches),
	)

	go q.run(entry)

	return snapshot, nil
}

// GetJob returns a snapshot of the job
func (q *Queue) GetJob(id string) (domain.Job, error) {
	q.mu.RLock()
	entry, ok := q.jobs[id]
	q.mu.RUnlock()
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return entry.snapshot(), nil
}

// Cursor is a keyset position in the job listing
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListFilter narrows and pages a job listing
type ListFilter struct {
	TenantID string
	State    domain.JobState
	PageSize int
	Cursor   *Cursor
}

// ListJobs returns jobs newest first. When more jobs remain the result holds PageSize+1 entries
func (q *Queue) ListJobs(filter ListFilter) []domain.Job {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	q.mu.RLock()
	entries := make([]*jobEntry, 0, len(q.jobs))
	for _, e := range q.jobs {
		entries = append(entries, e)
	}
	q.mu.RUnlock()

	jobs := make([]domain.Job, 0, len(entries))
	for _, e := range entries {
		job := e.snapshot()
		if filter.TenantID != "" && job.TenantID != filter.TenantID {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if filter.Cursor != nil && !olderThan(job, *filter.Cursor) {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return olderThan(jobs[j], Cursor{CreatedAt: jobs[i].CreatedAt, JobID: jobs[i].ID})
	})

	if len(jobs) > pageSize+1 {
		jobs = jobs[:pageSize+1]
	}
	return jobs
}

// olderThan reports whether job sorts after the cursor position in CreatedAt DESC, ID DESC order
func olderThan(job domain.Job, c Cursor) bool {
	if job.CreatedAt.Equal(c.CreatedAt) {
		return job.ID < c.JobID
	}
	return job.CreatedAt.Before(c.CreatedAt)
}

// QueueStats counts registered jobs by state
type QueueStats struct {
	Total   int                     `json:"total"`
	ByState map[domain.JobState]int `json:"by_state"`
}

// Stats returns the number of jobs in each state
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	entries := make([]*jobEntry, 0, len(q.jobs))
	for _, e := range q.jobs {
		entries = append(entries, e)
	}
	q.mu.RUnlock()

	stats := QueueStats{Total: len(entries), ByState: make(map[domain.JobState]int)}
	for _, e := range entries {
		e.mu.RLock()
		stats.ByState[e.job.State]++
		e.mu.RUnlock()
	}
	return stats
}

// Shutdown stops accepting jobs, cancels running ones and waits for their goroutines
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.logger.Info("Shutting down dispatcher...")
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
