package alert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	attemptTimeout   = 5 * time.Second
	deliveryDeadline = 20 * time.Second
	maxAttempts      = 3
	userAgent        = "hitlwatch-alert/1"
)

// ErrRejected marks a 4xx answer. Rejected deliveries are not retried.
var ErrRejected = errors.New("alert: webhook rejected event")

var (
	httpClient = &http.Client{Timeout: attemptTimeout}
	retryDelay = time.Second
)

// Send posts one event to a webhook. Transport errors and 5xx answers are
// retried with a linearly growing pause until ctx ends or attempts run out.
func Send(ctx context.Context, cfg AlertConfig, event Event) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook %s: %w (last error: %v)", event.Type, ctx.Err(), lastErr)
			case <-time.After(time.Duration(attempt) * retryDelay):
			}
		}

		lastErr = post(ctx, cfg, body)
		if lastErr == nil || errors.Is(lastErr, ErrRejected) {
			return lastErr
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxAttempts, lastErr)
}

func post(ctx context.Context, cfg AlertConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
}
