package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	cfg := &Config{Host: "mq", Port: 5672, User: "guest", Password: "secret", VHost: "/"}
	assert.Equal(t, "amqp://guest:secret@mq:5672/", cfg.DSN())
}

func TestClient_NotConnected(t *testing.T) {
	c := &Client{config: &Config{}, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	err := c.Publish(context.Background(), "dispatcher.events.job_completed", []byte(`{}`), "application/json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")

	_, err = c.Consume("tag", 10)
	assert.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestNewClient_UnreachableBroker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewClient(&Config{
		Host:          "127.0.0.1",
		Port:          1,
		User:          "guest",
		Password:      "guest",
		VHost:         "/",
		RetryAttempts: 2,
		RetryInterval: 10 * time.Millisecond,
	}, logger)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
}
