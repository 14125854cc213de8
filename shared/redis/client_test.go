package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("connects and pings", func(t *testing.T) {
		mr := miniredis.RunT(t)
		c, err := NewClient(context.Background(), &Config{Addr: mr.Addr()}, logger)
		require.NoError(t, err)
		defer c.Close()

		assert.NoError(t, c.HealthCheck(context.Background()))
		assert.NotNil(t, c.GetClient())
	})

	t.Run("empty address", func(t *testing.T) {
		_, err := NewClient(context.Background(), &Config{}, logger)
		assert.Error(t, err)
	})

	t.Run("unreachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := NewClient(context.Background(), &Config{Addr: addr}, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ping redis")
	})
}
