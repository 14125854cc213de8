package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

func newTestIndex(t *testing.T, size int) (*SentIndex, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSentIndex(client, size, time.Hour), mr
}

func TestSentIndex_RecordAndRecent(t *testing.T) {
	idx, mr := newTestIndex(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, idx.RecordSend(ctx, domain.SendRecord{
			TenantID:  "tenant-1",
			MessageID: fmt.Sprintf("wamid.%d", i),
			To:        fmt.Sprintf("62811%d", i),
			JobID:     "job-1",
			SentAt:    base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, idx.RecordSend(ctx, domain.SendRecord{TenantID: "tenant-2", MessageID: "wamid.x", SentAt: base}))

	entries, total, err := idx.Recent(ctx, "tenant-1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total, "index is trimmed to its size")
	require.Len(t, entries, 3)
	assert.Equal(t, "wamid.4", entries[0].MessageID)
	assert.Equal(t, "628114", entries[0].To)
	assert.Equal(t, "job-1", entries[0].JobID)
	assert.Equal(t, base.Add(4*time.Second), entries[0].SentAt)
	assert.Equal(t, "wamid.2", entries[2].MessageID)

	page2, _, err := idx.Recent(ctx, "tenant-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "wamid.2", page2[0].MessageID)

	assert.Equal(t, time.Hour, mr.TTL("sent:tenant-1"))
}

func TestSentIndex_UnknownTenant(t *testing.T) {
	idx, _ := newTestIndex(t, 10)

	entries, total, err := idx.Recent(context.Background(), "nobody", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, entries)
}

func TestSentIndex_RedisDown(t *testing.T) {
	idx, mr := newTestIndex(t, 10)
	mr.Close()

	err := idx.RecordSend(context.Background(), domain.SendRecord{TenantID: "t", MessageID: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to index sent message")
}
