package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

const (
	sentKeyPrefix = "sent:"

	DefaultSentIndexSize = 1000
	DefaultSentIndexTTL  = 7 * 24 * time.Hour
)

// SentEntry is one message in a tenant's recent sends
type SentEntry struct {
	MessageID string    `json:"message_id"`
	To        string    `json:"to"`
	JobID     string    `json:"job_id"`
	SentAt    time.Time `json:"sent_at"`
}

type sentMember struct {
	MessageID string `json:"m"`
	To        string `json:"t"`
	JobID     string `json:"j"`
}

// SentIndex keeps the most recent message ids per tenant in a Redis sorted set
type SentIndex struct {
	client *redis.Client
	size   int64
	ttl    time.Duration
}

// NewSentIndex creates a sent index bounded to size entries per tenant
func NewSentIndex(client *redis.Client, size int, ttl time.Duration) *SentIndex {
	if size <= 0 {
		size = DefaultSentIndexSize
	}
	if ttl <= 0 {
		ttl = DefaultSentIndexTTL
	}
	return &SentIndex{client: client, size: int64(size), ttl: ttl}
}

func sentKey(tenantID string) string {
	return sentKeyPrefix + tenantID
}

// RecordSend adds the message to the tenant's index and trims it to size
func (s *SentIndex) RecordSend(ctx context.Context, rec domain.SendRecord) error {
	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	member, err := json.Marshal(sentMember{MessageID: rec.MessageID, To: rec.To, JobID: rec.JobID})
	if err != nil {
		return fmt.Errorf("failed to encode sent entry: %w", err)
	}

	key := sentKey(rec.TenantID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(sentAt.UnixMilli()), Member: string(member)})
	pipe.ZRemRangeByRank(ctx, key, 0, -(s.size + 1))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index sent message: %w", err)
	}
	return nil
}

// Recent returns a page of the tenant's sends, newest first, and the index size
func (s *SentIndex) Recent(ctx context.Context, tenantID string, page, pageSize int) ([]SentEntry, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	key := sentKey(tenantID)

	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count sent messages: %w", err)
	}

	start := int64((page - 1) * pageSize)
	stop := start + int64(pageSize) - 1
	zs, err := s.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read sent messages: %w", err)
	}

	entries := make([]SentEntry, 0, len(zs))
	for _, z := range zs {
		raw, _ := z.Member.(string)
		var m sentMember
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		entries = append(entries, SentEntry{
			MessageID: m.MessageID,
			To:        m.To,
			JobID:     m.JobID,
			SentAt:    time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return entries, total, nil
}
