package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"landscape/internal/config"
	"landscape/internal/retry"
)

// httpClient is the shared plumbing for JSON-over-HTTP collaborators:
// bearer auth, request pacing, response decoding, and error classification.
type httpClient struct {
	base    string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func newHTTPClient(cfg config.ServiceConfig) *httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &httpClient{
		base:    cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// doJSON sends one request and decodes the JSON response into out (which
// may be nil). Non-2xx statuses become classified errors: 429 rate-limited
// honoring Retry-After, other 4xx permanent, 5xx and transport transient.
func (c *httpClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to encode request: %w", err))
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := &statusError{
			status: resp.StatusCode,
			msg:    fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data)),
		}
		switch retry.ClassifyHTTPStatus(resp.StatusCode) {
		case retry.ClassRateLimited:
			return retry.RateLimited(err, retryAfter(resp))
		case retry.ClassPermanent:
			return retry.Permanent(err)
		default:
			return retry.Transient(err)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Transient(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// getRaw fetches an absolute URL (e.g. a result-set download link) without
// the base prefix.
func (c *httpClient) getRaw(ctx context.Context, url string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return retry.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
		if retry.ClassifyHTTPStatus(resp.StatusCode) == retry.ClassPermanent {
			return retry.Permanent(err)
		}
		return retry.Transient(err)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Transient(fmt.Errorf("failed to decode download: %w", err))
	}
	return nil
}

// statusError preserves the HTTP status code through classification.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string { return e.msg }

// HasStatus reports whether err carries the given HTTP status.
func HasStatus(err error, status int) bool {
	var se *statusError
	return errors.As(err, &se) && se.status == status
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
