package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/wa-dispatcher/internal/dispatcher/domain"
)

const (
	DefaultBaseURL        = "https://graph.facebook.com"
	DefaultAPIVersion     = "v21.0"
	DefaultRequestTimeout = 15 * time.Second
	DefaultMaxAttempts    = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 8 * time.Second
	DefaultRetryJitter    = 250 * time.Millisecond
	DefaultTestToken      = "TEST_TOKEN"

	maxErrorBody = 64 << 10
)

// Config holds Cloud API client configuration
type Config struct {
	Logger         *slog.Logger
	HTTPClient     *http.Client
	BaseURL        string
	APIVersion     string
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    time.Duration
	TestMode       bool
	TestToken      string
}

// Client sends messages through the WhatsApp Cloud API
type Client struct {
	logger         *slog.Logger
	http           *http.Client
	baseURL        string
	apiVersion     string
	requestTimeout time.Duration
	maxAttempts    int
	retryBase      time.Duration
	retryMax       time.Duration
	retryJitter    time.Duration
	testMode       bool
	testToken      string

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
	now    func() time.Time
}

// NewClient creates a Cloud API client
func NewClient(cfg *Config) *Client {
	c := &Client{
		logger:         cfg.Logger,
		http:           cfg.HTTPClient,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion:     cfg.APIVersion,
		requestTimeout: cfg.RequestTimeout,
		maxAttempts:    cfg.MaxAttempts,
		retryBase:      cfg.RetryBaseDelay,
		retryMax:       cfg.RetryMaxDelay,
		retryJitter:    cfg.RetryJitter,
		testMode:       cfg.TestMode,
		testToken:      cfg.TestToken,
		sleep:          sleepContext,
		jitter:         randomJitter,
		now:            time.Now,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.apiVersion == "" {
		c.apiVersion = DefaultAPIVersion
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.retryBase <= 0 {
		c.retryBase = DefaultRetryBaseDelay
	}
	if c.retryMax <= 0 {
		c.retryMax = DefaultRetryMaxDelay
	}
	if c.retryJitter < 0 {
		c.retryJitter = 0
	}
	if c.testToken == "" {
		c.testToken = DefaultTestToken
	}
	return c
}

// Send delivers one message, retrying transient failures. It never returns an error;
// failures are carried in the result.
func (c *Client) Send(ctx context.Context, creds domain.Credentials, to string, msg domain.MessageSpec, vars map[string]string) domain.SendResult {
	if c.testMode || creds.AccessToken == c.testToken {
		id := "wamid.TEST." + uuid.NewString()
		c.logger.Info("Test mode send, skipping provider call",
			slog.String("to", to),
			slog.String("message_id", id),
		)
		return domain.SendResult{To: to, Success: true, MessageID: id}
	}

	body, err := json.Marshal(buildPayload(to, msg, vars))
	if err != nil {
		return domain.SendResult{To: to, Error: &domain.SendError{Message: fmt.Sprintf("failed to encode payload: %v", err)}}
	}
	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, creds.PhoneNumberID)

	var lastErr *domain.SendError
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		messageID, retryAfter, err := c.post(ctx, url, creds.AccessToken, body)
		if err == nil {
			return domain.SendResult{To: to, Success: true, MessageID: messageID, Attempts: attempt}
		}

		lastErr = asSendError(err)
		if !domain.IsRetryable(err) || attempt == c.maxAttempts {
			return domain.SendResult{To: to, Error: lastErr, Attempts: attempt}
		}

		delay := retryAfter
		if delay <= 0 {
			delay = c.backoff(attempt)
		}
		c.logger.Warn("Transient send failure, retrying",
			slog.String("to", to),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.maxAttempts),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return domain.SendResult{To: to, Error: lastErr, Attempts: attempt}
		}
	}

	return domain.SendResult{To: to, Error: lastErr, Attempts: c.maxAttempts}
}

// post performs one attempt. Transient failures come back wrapped in RetryableError
func (c *Client) post(ctx context.Context, url, token string, body []byte) (string, time.Duration, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, fmt.Errorf("request aborted: %w", ctx.Err())
		}
		return "", 0, domain.NewRetryableError(fmt.Errorf("failed to reach provider: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return "", 0, domain.NewRetryableError(fmt.Errorf("failed to read provider response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out sendResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return "", 0, &domain.SendError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to decode provider response: %v", err)}
		}
		if len(out.Messages) == 0 || out.Messages[0].ID == "" {
			return "", 0, &domain.SendError{Status: resp.StatusCode, Message: "provider response carried no message id", Details: data}
		}
		return out.Messages[0].ID, 0, nil
	}

	sendErr := parseErrorBody(resp.StatusCode, data)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", c.retryAfter(resp.Header.Get("Retry-After")), domain.NewRetryableError(sendErr)
	}
	return "", 0, sendErr
}

// backoff is min(base*2^(attempt-1), max) plus up to RetryJitter
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryMax
	if shift := attempt - 1; shift < 30 {
		if exp := c.retryBase << shift; exp < c.retryMax {
			d = exp
		}
	}
	return d + c.jitter(c.retryJitter)
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date
func (c *Client) retryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(c.now()); d > 0 {
			return d
		}
	}
	return 0
}

func parseErrorBody(status int, data []byte) *domain.SendError {
	sendErr := &domain.SendError{Status: status, Message: http.StatusText(status)}
	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		sendErr.Message = body.Error.Message
		sendErr.Code = body.Error.Code
	}
	if json.Valid(data) {
		sendErr.Details = data
	}
	return sendErr
}

func asSendError(err error) *domain.SendError {
	var se *domain.SendError
	if errors.As(err, &se) {
		return se
	}
	return &domain.SendError{Message: err.Error()}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
