package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

type fakeCreds struct {
	err   error
	calls atomic.Int32
}

func (f *fakeCreds) GetCredentials(ctx context.Context, tenantID string) (domain.Credentials, error) {
	f.calls.Add(1)
	if f.err != nil {
		return domain.Credentials{}, f.err
	}
	return domain.Credentials{PhoneNumberID: "pn-" + tenantID, AccessToken: "token"}, nil
}

type fakeSender struct {
	fn       func(to string, vars map[string]string) domain.SendResult
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeSender) Send(ctx context.Context, creds domain.Credentials, to string, msg domain.MessageSpec, vars map[string]string) domain.SendResult {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fn != nil {
		return f.fn(to, vars)
	}
	return domain.SendResult{To: to, Success: true, MessageID: "wamid." + to, Attempts: 1}
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingEmitter) Emit(jobID string, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) ofType(typ domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recordingEmitter) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []domain.SendRecord
	err     error
}

func (f *fakeRecorder) RecordSend(ctx context.Context, rec domain.SendRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return f.err
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type harness struct {
	queue    *Queue
	creds    *fakeCreds
	sender   *fakeSender
	emitter  *recordingEmitter
	recorder *fakeRecorder
	delays   []time.Duration
	delaysMu sync.Mutex
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		creds:    &fakeCreds{},
		sender:   &fakeSender{},
		emitter:  &recordingEmitter{},
		recorder: &fakeRecorder{},
	}
	h.queue = New(cfg, Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Credentials: h.creds,
		Sender:      h.sender,
		Recorder:    h.recorder,
		Emitter:     h.emitter,
	})
	h.queue.sleep = func(ctx context.Context, d time.Duration) error {
		h.delaysMu.Lock()
		h.delays = append(h.delays, d)
		h.delaysMu.Unlock()
		return ctx.Err()
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.queue.Shutdown(ctx)
	})
	return h
}

func (h *harness) waitTerminal(t *testing.T, id string) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.queue.GetJob(id)
		return err == nil && job.State.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("62811%05d", i)
	}
	return out
}

func textInput(to []string) domain.JobInput {
	return domain.JobInput{
		TenantID:   "tenant-1",
		Recipients: to,
		Message:    domain.MessageSpec{Type: domain.MessageTypeText, Text: &domain.TextMessage{Body: "hello {{name}}"}},
	}
}

func TestQueue_EnqueueValidation(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10, MaxRecipients: 5})

	tests := []struct {
		name    string
		input   domain.JobInput
		wantErr error
	}{
		{name: "no recipients", input: textInput(nil), wantErr: domain.ErrNoRecipients},
		{name: "only blank recipients", input: textInput([]string{"", "  "}), wantErr: domain.ErrNoRecipients},
		{name: "over the cap", input: textInput(recipients(6)), wantErr: domain.ErrTooManyRecipients},
		{
			name: "missing tenant",
			input: domain.JobInput{
				Recipients: []string{"628111"},
				Message:    domain.MessageSpec{Type: domain.MessageTypeText, Text: &domain.TextMessage{Body: "x"}},
			},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "invalid message",
			input:   domain.JobInput{TenantID: "t", Recipients: []string{"628111"}, Message: domain.MessageSpec{Type: "video"}},
			wantErr: domain.ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.queue.Enqueue(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, domain.IsValidationError(err))
		})
	}

	assert.Equal(t, 0, h.queue.Stats().Total, "rejected inputs never create a job")
}

func TestQueue_EnqueueReturnsQueuedSnapshot(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 50})
	block := make(chan struct{})
	h.sender.fn = func(to string, _ map[string]string) domain.SendResult {
		<-block
		return domain.SendResult{To: to, Success: true, MessageID: "m"}
	}

	job, err := h.queue.Enqueue(textInput(recipients(120)))
	require.NoError(t, err)
	close(block)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobStateQueued, job.State)
	assert.Equal(t, 120, job.TotalRecipients)
	assert.Equal(t, 3, job.TotalBatches)
	assert.Zero(t, job.Sent)
	assert.Zero(t, job.Failed)

	h.waitTerminal(t, job.ID)
}

func TestQueue_ProcessesBatchesInOrder(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 50, Concurrency: 5, BatchDelay: 250 * time.Millisecond})

	job, err := h.queue.Enqueue(textInput(recipients(120)))
	require.NoError(t, err)
	final := h.waitTerminal(t, job.ID)

	assert.Equal(t, domain.JobStateCompleted, final.State)
	assert.Equal(t, 120, final.Sent)
	assert.Equal(t, 0, final.Failed)
	assert.Len(t, final.Results, 120)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.FinishedAt)

	// batch_started(i) < every message of batch i < batch_completed(i) < batch_started(i+1)
	var order []domain.EventType
	currentBatch := -1
	for _, ev := range h.emitter.all() {
		switch ev.Type {
		case domain.EventBatchStarted:
			assert.Equal(t, currentBatch+1, ev.BatchIndex)
			currentBatch = ev.BatchIndex
			order = append(order, ev.Type)
		case domain.EventMessageSent, domain.EventMessageFailed:
			assert.Equal(t, currentBatch, ev.BatchIndex)
		case domain.EventBatchCompleted:
			assert.Equal(t, currentBatch, ev.BatchIndex)
			order = append(order, ev.Type)
		case domain.EventJobCompleted:
			order = append(order, ev.Type)
		}
	}
	assert.Equal(t, []domain.EventType{
		domain.EventBatchStarted, domain.EventBatchCompleted,
		domain.EventBatchStarted, domain.EventBatchCompleted,
		domain.EventBatchStarted, domain.EventBatchCompleted,
		domain.EventJobCompleted,
	}, order)

	completed := h.emitter.ofType(domain.EventBatchCompleted)
	require.Len(t, completed, 3)
	assert.Equal(t, 50, completed[0].Sent)
	assert.Equal(t, 100, completed[1].Sent)
	assert.Equal(t, 120, completed[2].Sent)
	assert.Equal(t, 20, completed[2].Size)

	// the delay runs between batches only
	h.delaysMu.Lock()
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, h.delays)
	h.delaysMu.Unlock()

	assert.Equal(t, 120, h.recorder.count())
}

func TestConfig_BatchDelayDefaults(t *testing.T) {
	tests := []struct {
		name  string
		delay time.Duration
		want  time.Duration
	}{
		{name: "unset uses default", delay: 0, want: DefaultBatchDelay},
		{name: "explicit value kept", delay: 250 * time.Millisecond, want: 250 * time.Millisecond},
		{name: "negative disables pause", delay: -1, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{BatchDelay: tt.delay}
			cfg.applyDefaults()
			assert.Equal(t, tt.want, cfg.BatchDelay)
		})
	}
}

func TestQueue_DefaultBatchDelayBetweenBatches(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	assert.Equal(t, time.Second, h.queue.cfg.BatchDelay)

	job, err := h.queue.Enqueue(textInput(recipients(5)))
	require.NoError(t, err)
	h.waitTerminal(t, job.ID)

	h.delaysMu.Lock()
	defer h.delaysMu.Unlock()
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.delays)
}

func TestQueue_ExactlyOneTerminalEvent(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 3})

	job, err := h.queue.Enqueue(textInput(recipients(7)))
	require.NoError(t, err)
	h.waitTerminal(t, job.ID)

	terminal := h.emitter.ofType(domain.EventJobCompleted)
	require.Len(t, terminal, 1)
	assert.Equal(t, domain.JobStateCompleted, terminal[0].State)
	assert.Equal(t, 7, terminal[0].Total)

	events := h.emitter.all()
	assert.Equal(t, domain.EventJobCompleted, events[len(events)-1].Type)
}

func TestQueue_CredentialsFailure(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 10})
	h.creds.err = domain.ErrCredentialsNotFound

	job, err := h.queue.Enqueue(textInput(recipients(25)))
	require.NoError(t, err)
	final := h.waitTerminal(t, job.ID)

	assert.Equal(t, domain.JobStateFailed, final.State)
	assert.Contains(t, final.Error, "failed to resolve credentials")
	assert.Zero(t, final.Sent)
	assert.Zero(t, final.Failed)
	assert.Empty(t, h.emitter.ofType(domain.EventBatchStarted))
	assert.Zero(t, h.sender.inFlight.Load())
	require.Len(t, h.emitter.ofType(domain.EventJobCompleted), 1)
}

func TestQueue_TerminalStatePolicy(t *testing.T) {
	tests := []struct {
		name      string
		succeed   func(i int) bool
		wantState domain.JobState
	}{
		{name: "all succeed", succeed: func(int) bool { return true }, wantState: domain.JobStateCompleted},
		{name: "partial success is still completed", succeed: func(i int) bool { return i == 0 }, wantState: domain.JobStateCompleted},
		{name: "all fail", succeed: func(int) bool { return false }, wantState: domain.JobStateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{BatchSize: 4, Concurrency: 1})
			to := recipients(10)
			index := make(map[string]int, len(to))
			for i, r := range to {
				index[r] = i
			}
			h.sender.fn = func(r string, _ map[string]string) domain.SendResult {
				if tt.succeed(index[r]) {
					return domain.SendResult{To: r, Success: true, MessageID: "m-" + r, Attempts: 1}
				}
				return domain.SendResult{To: r, Error: &domain.SendError{Status: 400, Message: "invalid recipient"}, Attempts: 1}
			}

			job, err := h.queue.Enqueue(textInput(to))
			require.NoError(t, err)
			final := h.waitTerminal(t, job.ID)

			assert.Equal(t, tt.wantState, final.State)
			assert.Equal(t, final.TotalRecipients, final.Sent+final.Failed)
			assert.Equal(t, final.State == domain.JobStateFailed, final.Sent == 0 && final.Failed > 0)
			assert.Len(t, h.emitter.ofType(domain.EventMessageFailed), final.Failed)
			assert.Len(t, h.emitter.ofType(domain.EventMessageSent), final.Sent)
		})
	}
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 40, Concurrency: 4})
	h.sender.delay = 5 * time.Millisecond

	job, err := h.queue.Enqueue(textInput(recipients(40)))
	require.NoError(t, err)
	h.waitTerminal(t, job.ID)

	assert.LessOrEqual(t, h.sender.peak.Load(), int32(4))
	assert.Greater(t, h.sender.peak.Load(), int32(1))
}

type slowEmitter struct {
	next Emitter
}

func (s slowEmitter) Emit(jobID string, ev domain.Event) {
	time.Sleep(time.Millisecond)
	s.next.Emit(jobID, ev)
}

func TestQueue_MessageEventTotalsIncrease(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 40, Concurrency: 8})
	h.queue.emitter = slowEmitter{next: h.emitter}
	h.sender.fn = func(to string, vars map[string]string) domain.SendResult {
		if to[len(to)-1]%3 == 0 {
			return domain.SendResult{To: to, Error: &domain.SendError{Status: 400, Message: "invalid recipient"}, Attempts: 1}
		}
		return domain.SendResult{To: to, Success: true, MessageID: "wamid." + to, Attempts: 1}
	}

	job, err := h.queue.Enqueue(textInput(recipients(40)))
	require.NoError(t, err)
	h.waitTerminal(t, job.ID)

	prevSent, prevFailed := 0, 0
	for _, ev := range h.emitter.all() {
		if ev.Type != domain.EventMessageSent && ev.Type != domain.EventMessageFailed {
			continue
		}
		assert.GreaterOrEqual(t, ev.Sent, prevSent)
		assert.GreaterOrEqual(t, ev.Failed, prevFailed)
		assert.Equal(t, prevSent+prevFailed+1, ev.Sent+ev.Failed)
		prevSent, prevFailed = ev.Sent, ev.Failed
	}
	assert.Equal(t, 40, prevSent+prevFailed)
}

func TestQueue_RecipientPanicIsIsolated(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 5, Concurrency: 2})
	to := recipients(5)
	h.sender.fn = func(r string, _ map[string]string) domain.SendResult {
		if r == to[2] {
			panic("boom")
		}
		return domain.SendResult{To: r, Success: true, MessageID: "m-" + r}
	}

	job, err := h.queue.Enqueue(textInput(to))
	require.NoError(t, err)
	final := h.waitTerminal(t, job.ID)

	// the panicking recipient is left without a result
	assert.Equal(t, domain.JobStateCompleted, final.State)
	assert.Equal(t, 4, final.Sent)
	assert.Equal(t, 0, final.Failed)
	assert.Len(t, final.Results, 4)
}

func TestQueue_JobPanicFailsJob(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 5})
	h.queue.creds = nil

	job, err := h.queue.Enqueue(textInput(recipients(2)))
	require.NoError(t, err)
	final := h.waitTerminal(t, job.ID)

	assert.Equal(t, domain.JobStateFailed, final.State)
	assert.Contains(t, final.Error, "internal error")
	require.Len(t, h.emitter.ofType(domain.EventJobCompleted), 1)
}

func TestQueue_RecorderFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 5})
	h.recorder.err = errors.New("database unavailable")

	job, err := h.queue.Enqueue(textInput(recipients(3)))
	require.NoError(t, err)
	final := h.waitTerminal(t, job.ID)

	assert.Equal(t, domain.JobStateCompleted, final.State)
	assert.Equal(t, 3, final.Sent)
	assert.Equal(t, 3, h.recorder.count())

	h.recorder.mu.Lock()
	rec := h.recorder.records[0]
	h.recorder.mu.Unlock()
	assert.Equal(t, "tenant-1", rec.TenantID)
	assert.Equal(t, job.ID, rec.JobID)
	assert.NotEmpty(t, rec.MessageID)
}

func TestQueue_RecipientVariablesAreMerged(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 5})
	var mu sync.Mutex
	seen := map[string]map[string]string{}
	h.sender.fn = func(r string, vars map[string]string) domain.SendResult {
		mu.Lock()
		seen[r] = vars
		mu.Unlock()
		return domain.SendResult{To: r, Success: true, MessageID: "m"}
	}

	in := textInput([]string{"a", "b"})
	in.Variables = map[string]string{"name": "friend", "shop": "Acme"}
	in.RecipientVariables = map[string]map[string]string{"a": {"name": "Ani"}}

	job, err := h.queue.Enqueue(in)
	require.NoError(t, err)
	h.waitTerminal(t, job.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]string{"name": "Ani", "shop": "Acme"}, seen["a"])
	assert.Equal(t, map[string]string{"name": "friend", "shop": "Acme"}, seen["b"])
}

func TestQueue_GetJobNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.queue.GetJob("missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestQueue_ShutdownCancelsRunningJobs(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 1, Concurrency: 1})
	h.queue.sleep = sleepContext
	h.queue.cfg.BatchDelay = time.Hour

	job, err := h.queue.Enqueue(textInput(recipients(3)))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.emitter.ofType(domain.EventBatchCompleted)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.queue.Shutdown(ctx))

	final, err := h.queue.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCanceled, final.State)
	assert.Equal(t, 1, final.Sent)
	require.Len(t, h.emitter.ofType(domain.EventJobCompleted), 1)

	_, err = h.queue.Enqueue(textInput(recipients(1)))
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestQueue_ListJobs(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 5})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	h.queue.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Minute)
	}

	var ids []string
	for i := 0; i < 5; i++ {
		in := textInput([]string{"628111"})
		if i%2 == 1 {
			in.TenantID = "tenant-2"
		}
		job, err := h.queue.Enqueue(in)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		h.waitTerminal(t, id)
	}

	page := h.queue.ListJobs(ListFilter{TenantID: "tenant-1", PageSize: 2})
	require.Len(t, page, 3, "page size plus one signals more results")
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[2], page[1].ID)

	last := page[1]
	next := h.queue.ListJobs(ListFilter{
		TenantID: "tenant-1",
		PageSize: 2,
		Cursor:   &Cursor{CreatedAt: last.CreatedAt, JobID: last.ID},
	})
	require.Len(t, next, 1)
	assert.Equal(t, ids[0], next[0].ID)

	completed := h.queue.ListJobs(ListFilter{State: domain.JobStateCompleted, PageSize: 10})
	assert.Len(t, completed, 5)
}

func TestQueue_Stats(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 5})
	h.creds.err = errors.New("nope")

	job, err := h.queue.Enqueue(textInput([]string{"a"}))
	require.NoError(t, err)
	h.waitTerminal(t, job.ID)

	stats := h.queue.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByState[domain.JobStateFailed])
}

func TestRecorders_JoinsErrors(t *testing.T) {
	ok := &fakeRecorder{}
	bad := &fakeRecorder{err: errors.New("redis down")}

	err := Recorders(ok, nil, bad).RecordSend(context.Background(), domain.SendRecord{MessageID: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
}
