// Package sink defines the downstream analytics consumer boundary and its
// HTTP POST implementation. Both the webhook and stream paths deliver through
// the same interface.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/churnguard/eventcore/errors"
	"github.com/churnguard/eventcore/event"
)

// Sink delivers one normalized record downstream. Implementations must be
// safe for concurrent use; a timeout is treated identically to an explicit
// failure by callers.
type Sink interface {
	Send(ctx context.Context, record *event.NormalizedRecord) error
}

// DefaultSendTimeout bounds each downstream call.
const DefaultSendTimeout = 5 * time.Second

// HTTPConfig holds configuration for the HTTP POST sink.
type HTTPConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// Validate checks the configuration for errors
func (c *HTTPConfig) Validate() error {
	if c.URL == "" {
		return errors.WrapValidation(errors.ErrInvalidConfig, "HTTPConfig", "Validate", "url is required")
	}
	if _, err := url.Parse(c.URL); err != nil {
		return errors.WrapValidation(err, "HTTPConfig", "Validate", "url parse")
	}
	return nil
}

// HTTPSink posts JSON records to a fixed endpoint with a per-call timeout.
type HTTPSink struct {
	url     string
	headers map[string]string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger

	sent   atomic.Int64
	failed atomic.Int64
}

// NewHTTPSink creates an HTTP POST sink.
func NewHTTPSink(cfg HTTPConfig, logger *slog.Logger) (*HTTPSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default().With("component", "http-sink")
	}

	return &HTTPSink{
		url:     cfg.URL,
		headers: cfg.Headers,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// Send posts the record. Non-2xx responses and timeouts are processing
// failures eligible for retry.
func (s *HTTPSink) Send(ctx context.Context, record *event.NormalizedRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return errors.WrapProcessing(err, "HTTPSink", "Send", "marshal record")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.WrapProcessing(err, "HTTPSink", "Send", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.failed.Add(1)
		if ctx.Err() != nil {
			return errors.WrapProcessing(errors.ErrSendTimeout, "HTTPSink", "Send", "post record")
		}
		return errors.WrapProcessing(err, "HTTPSink", "Send", "post record")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.failed.Add(1)
		return errors.WrapProcessing(
			fmt.Errorf("downstream returned %d", resp.StatusCode),
			"HTTPSink", "Send", "post record")
	}

	s.sent.Add(1)
	return nil
}

// Stats returns cumulative sent/failed counters.
func (s *HTTPSink) Stats() (sent, failed int64) {
	return s.sent.Load(), s.failed.Load()
}
