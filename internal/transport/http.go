// Package transport sends orchestrator requests to the synthesis worker over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
)

const (
	defaultTimeout = 120 * time.Second
	maxErrorBody   = 512
)

// envelope is the worker's response wrapper. Code 200 means success and
// Data carries the payload.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// HTTPTransport posts JSON to the worker and unwraps its envelope.
// Every failure, including non-2xx statuses, non-200 envelope codes and
// timeouts, is reported as TRANSPORT_FAILURE. Nothing is retried.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

func WithAPIKey(key string) Option {
	return func(t *HTTPTransport) {
		t.apiKey = key
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		t.client = c
	}
}

// WithRateLimit caps outgoing requests per second. rps <= 0 disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(t *HTTPTransport) {
		if rps <= 0 {
			t.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewHTTPTransport(baseURL string, timeout time.Duration, opts ...Option) *HTTPTransport {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	t := &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send issues method path with body encoded as JSON and returns the envelope's data.
func (t *HTTPTransport) Send(ctx context.Context, method, path string, body any) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, domainerrors.TransportFailure(err)
		}
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-API-Key", t.apiKey)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		log.Printf("[Transport] %s %s failed after %v: %v", method, path, time.Since(start).Round(time.Millisecond), err)
		return nil, domainerrors.TransportFailure(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domainerrors.TransportFailure(fmt.Errorf("failed to read %s response: %w", path, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domainerrors.TransportFailuref("%s returned status %d: %s", path, resp.StatusCode, truncate(raw))
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, domainerrors.TransportFailuref("%s returned a malformed envelope: %v", path, err)
	}
	if env.Code != http.StatusOK {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("code %d", env.Code)
		}
		return nil, domainerrors.TransportFailuref("%s failed: %s", path, msg)
	}
	return env.Data, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
