package objectstore

import (
	"context"
	"time"

	"github.com/lakesignal/corepipe/internal/errs"
	"github.com/lakesignal/corepipe/internal/obslog"
)

const (
	maxRetries   = 5
	initialDelay = 100 * time.Millisecond
	maxDelay     = 10 * time.Second
)

// withRetry retries fn on transient (errs.Retryable) failures with
// exponential backoff. A non-retryable error returns immediately.
func withRetry(ctx context.Context, fn func() ([]byte, error)) ([]byte, error) {
	delay := initialDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		data, err := fn()
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) {
			return nil, err
		}
		if attempt == maxRetries {
			break
		}
		obslog.L().WithFields(map[string]interface{}{"attempt": attempt, "delay": delay.String()}).
			Warn("objectstore: retrying transient failure")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, lastErr
}

func withRetryList(ctx context.Context, fn func() ([]string, error)) ([]string, error) {
	delay := initialDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		data, err := fn()
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) || attempt == maxRetries {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, lastErr
}

func withRetryMeta(ctx context.Context, fn func() (Meta, error)) (Meta, error) {
	delay := initialDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		m, err := fn()
		if err == nil {
			return m, nil
		}
		lastErr = err
		if !errs.IsRetryable(err) || attempt == maxRetries {
			return Meta{}, err
		}
		select {
		case <-ctx.Done():
			return Meta{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return Meta{}, lastErr
}
