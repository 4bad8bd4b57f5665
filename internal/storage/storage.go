// Package storage talks to Supabase Storage: dialogue audio and export
// artifacts live in one bucket.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// Per attempt; export files can run to hundreds of MB.
	uploadTimeout   = 180 * time.Second
	downloadTimeout = 120 * time.Second
	deleteTimeout   = 30 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

type Storage struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(url, serviceKey, bucket string) *Storage {
	return &Storage{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sleep: sleepCtx,
	}
}

// DialogueAudioPath is where a dialogue's generated audio is stored. An
// empty format means mp3.
func DialogueAudioPath(chapterID, dialogueID uuid.UUID, format string) string {
	if format == "" {
		format = "mp3"
	}
	return path.Join(chapterID.String(), "dialogue_"+dialogueID.String()+"."+format)
}

// ExportPath is where an assembled export is stored.
func ExportPath(projectID, exportID uuid.UUID, format string) string {
	return path.Join("exports", projectID.String(), exportID.String()+"."+format)
}

func (s *Storage) objectURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, strings.TrimLeft(p, "/"))
}

// GetPublicURL returns the public URL for a stored file.
func (s *Storage) GetPublicURL(p string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, strings.TrimLeft(p, "/"))
}

// Upload stores data at p, overwriting any existing object.
func (s *Storage) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	_, err := s.withRetry(ctx, "Upload", p, uploadTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(p), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
		req.Header.Set("x-upsert", "true")
		return req, nil
	}, http.StatusOK, http.StatusCreated)
	return err
}

// UploadFile uploads a local file.
func (s *Storage) UploadFile(ctx context.Context, storagePath, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", localPath, err)
	}
	return s.Upload(ctx, storagePath, data, contentType)
}

func (s *Storage) Download(ctx context.Context, p string) ([]byte, error) {
	return s.withRetry(ctx, "Download", p, downloadTimeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(p), nil)
	}, http.StatusOK)
}

// Delete removes a stored file. A missing object is not an error.
func (s *Storage) Delete(ctx context.Context, p string) error {
	_, err := s.withRetry(ctx, "Delete", p, deleteTimeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, s.objectURL(p), nil)
	}, http.StatusOK, http.StatusNoContent, http.StatusNotFound)
	return err
}

// withRetry runs the request built by build until it returns one of the ok
// statuses, retrying network errors and transient statuses with backoff.
func (s *Storage) withRetry(ctx context.Context, op, p string, timeout time.Duration, build func(context.Context) (*http.Request, error), ok ...int) ([]byte, error) {
	verb := strings.ToLower(op)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] %s retry %d/%d for %s (waiting %v)...", op, attempt, maxRetries, p, delay)
			if err := s.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("%s cancelled: %w", verb, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		req, err := build(attemptCtx)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+s.serviceKey)

		resp, err := s.client.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to %s: %w", verb, err)
			if isRetryableError(err) {
				log.Printf("[Storage] %s attempt %d failed (retryable): %v", op, attempt+1, err)
				continue
			}
			return nil, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if containsStatus(ok, resp.StatusCode) {
			if readErr != nil {
				lastErr = fmt.Errorf("failed to read %s body: %w", verb, readErr)
				continue
			}
			if attempt > 0 {
				log.Printf("[Storage] %s succeeded on attempt %d for %s", op, attempt+1, p)
			}
			return body, nil
		}

		lastErr = fmt.Errorf("%s failed with status %d: %s", verb, resp.StatusCode, truncate(string(body), 200))
		if isRetryableStatus(resp.StatusCode) {
			log.Printf("[Storage] %s attempt %d returned status %d (retryable)", op, attempt+1, resp.StatusCode)
			continue
		}
		return nil, lastErr
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", verb, maxRetries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// retryDelay is exponential backoff with 0-25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
