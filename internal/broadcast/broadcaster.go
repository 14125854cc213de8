package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

// ErrSubscriptionClosed is returned when writing to a detached subscription
var ErrSubscriptionClosed = errors.New("subscription closed")

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultMirrorTimeout     = 5 * time.Second
)

// Conn is one live subscriber connection
type Conn interface {
	// Write sends one framed event
	Write(eventType string, data []byte) error
	// Ping sends a keep-alive frame
	Ping() error
	// Done is closed when the peer goes away
	Done() <-chan struct{}
}

// Publisher mirrors selected events to an external bus
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Config holds broadcaster configuration
type Config struct {
	Logger            *slog.Logger
	HeartbeatInterval time.Duration
	Mirror            Publisher
	MirrorPrefix      string
}

// Subscription is one attached connection
type Subscription struct {
	id    uint64
	jobID string
	conn  Conn

	writeMu      sync.Mutex
	terminalSent bool // guarded by writeMu
	closeOnce    sync.Once
	closed       chan struct{}
}

// JobID returns the job the subscription follows
func (s *Subscription) JobID() string { return s.jobID }

// Closed is closed once the subscription is detached
func (s *Subscription) Closed() <-chan struct{} { return s.closed }

// write sends one frame; a second job_completed on the same subscription is dropped
func (s *Subscription) write(eventType string, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return ErrSubscriptionClosed
	}
	if eventType == string(domain.EventJobCompleted) {
		if s.terminalSent {
			return nil
		}
		s.terminalSent = true
	}
	return s.conn.Write(eventType, data)
}

func (s *Subscription) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return ErrSubscriptionClosed
	}
	return s.conn.Ping()
}

func (s *Subscription) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// close marks the subscription closed once no write is in flight
func (s *Subscription) close() bool {
	closedNow := false
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		close(s.closed)
		s.writeMu.Unlock()
		closedNow = true
	})
	return closedNow
}

// Broadcaster fans job progress events out to subscribers
type Broadcaster struct {
	logger    *slog.Logger
	heartbeat time.Duration
	mirror    Publisher
	prefix    string

	mu   sync.RWMutex
	subs map[string]map[uint64]*Subscription
	seq  atomic.Uint64
}

// New creates a broadcaster
func New(cfg *Config) *Broadcaster {
	b := &Broadcaster{
		logger:    cfg.Logger,
		heartbeat: cfg.HeartbeatInterval,
		mirror:    cfg.Mirror,
		prefix:    cfg.MirrorPrefix,
		subs:      make(map[string]map[uint64]*Subscription),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.heartbeat <= 0 {
		b.heartbeat = DefaultHeartbeatInterval
	}
	if b.prefix == "" {
		b.prefix = "dispatcher.events"
	}
	return b
}

// Attach registers conn for jobID, sends the connection event and starts the heartbeat.
// The subscription is removed when the connection closes or a write fails.
func (b *Broadcaster) Attach(jobID string, conn Conn) *Subscription {
	sub := &Subscription{
		id:     b.seq.Add(1),
		jobID:  jobID,
		conn:   conn,
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[uint64]*Subscription)
		b.subs[jobID] = set
	}
	set[sub.id] = sub
	b.mu.Unlock()

	b.logger.Debug("Subscriber attached",
		slog.String("job_id", jobID),
		slog.Uint64("subscription_id", sub.id),
	)

	if err := b.SendTo(sub, domain.ConnectionEvent(jobID)); err != nil {
		return sub
	}

	go b.keepAlive(sub)
	return sub
}

// keepAlive pings the subscriber until it is detached or its connection ends
func (b *Broadcaster) keepAlive(sub *Subscription) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-sub.closed:
			return
		case <-sub.conn.Done():
			b.Detach(sub)
			return
		case <-ticker.C:
			if err := sub.ping(); err != nil {
				b.logger.Debug("Heartbeat failed, detaching subscriber",
					slog.String("job_id", sub.jobID),
					slog.Uint64("subscription_id", sub.id),
					slog.String("error", err.Error()),
				)
				b.Detach(sub)
				return
			}
		}
	}
}

// Detach removes the subscription. Safe to call more than once
func (b *Broadcaster) Detach(sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[sub.jobID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(b.subs, sub.jobID)
		}
	}
	b.mu.Unlock()

	if sub.close() {
		b.logger.Debug("Subscriber detached",
			slog.String("job_id", sub.jobID),
			slog.Uint64("subscription_id", sub.id),
		)
	}
}

// SendTo writes one event to a single subscriber, detaching it on failure
func (b *Broadcaster) SendTo(sub *Subscription, ev domain.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := sub.write(string(ev.Type), data); err != nil {
		b.logger.Debug("Write failed, detaching subscriber",
			slog.String("job_id", sub.jobID),
			slog.Uint64("subscription_id", sub.id),
			slog.String("error", err.Error()),
		)
		b.Detach(sub)
		return err
	}
	return nil
}

// Emit writes ev to every subscriber of jobID. After job_completed the job's subscriptions are closed
func (b *Broadcaster) Emit(jobID string, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to encode event",
			slog.String("job_id", jobID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[jobID]))
	for _, sub := range b.subs[jobID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := sub.write(string(ev.Type), data); err != nil {
			b.logger.Debug("Write failed, detaching subscriber",
				slog.String("job_id", jobID),
				slog.Uint64("subscription_id", sub.id),
				slog.String("error", err.Error()),
			)
			b.Detach(sub)
		}
	}

	if ev.Type == domain.EventBatchCompleted || ev.Type == domain.EventJobCompleted {
		b.publish(jobID, ev.Type, data)
	}

	if ev.IsTerminal() {
		for _, sub := range targets {
			b.Detach(sub)
		}
	}
}

func (b *Broadcaster) publish(jobID string, typ domain.EventType, data []byte) {
	if b.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), DefaultMirrorTimeout)
	defer cancel()

	if err := b.mirror.Publish(ctx, b.prefix+"."+string(typ), data, "application/json"); err != nil {
		b.logger.Warn("Failed to mirror event",
			slog.String("job_id", jobID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

// Stats is a snapshot of subscriber counts
type Stats struct {
	ActiveJobs       int            `json:"active_jobs"`
	TotalSubscribers int            `json:"total_subscribers"`
	PerJob           map[string]int `json:"per_job"`
}

// Stats returns the current subscriber counts
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st := Stats{ActiveJobs: len(b.subs), PerJob: make(map[string]int, len(b.subs))}
	for jobID, set := range b.subs {
		st.PerJob[jobID] = len(set)
		st.TotalSubscribers += len(set)
	}
	return st
}
