package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// HTTPProber waits for a published container to answer HTTP.
type HTTPProber struct {
	Client   *http.Client
	Timeout  time.Duration
	Interval time.Duration
}

// Wait sends HEAD requests to url until any non-5xx response arrives or the
// timeout elapses.
func (p HTTPProber) Wait(ctx context.Context, url string) error {
	httpClient := p.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 3 * time.Second}
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	err := retry.Do(ctx, retry.NewConstant(interval), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			return retry.RetryableError(err)
		}
		resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			return retry.RetryableError(lastErr)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && lastErr != nil {
		return fmt.Errorf("container not ready after %s: %v", timeout, lastErr)
	}
	return err
}
