// Package remote is the HTTP client for the care platform API that queued
// mutations are replayed against.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is the remote collaborator contract. Every mutation carries the
// queue entry id as its idempotency key.
type Client interface {
	Create(ctx context.Context, kind, idempotencyKey string, payload []byte) (string, error)
	Update(ctx context.Context, kind, serverID, idempotencyKey string, payload []byte) (string, error)
	Delete(ctx context.Context, kind, serverID, idempotencyKey string) error
	FetchVideo(ctx context.Context, id string) ([]byte, error)
}

// Error is a failed remote call.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote unreachable: %v", e.Err)
	}
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth replaying later. Transport
// failures, timeouts, 408, 429 and 5xx are; everything else is a rejection.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || (code >= 500 && code <= 599)
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
}

// HTTPClient talks to the platform's REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient returns a client for opts.BaseURL.
func NewHTTPClient(opts Options) *HTTPClient {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		token:      opts.Token,
		httpClient: hc,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
}

type idResponse struct {
	ID string `json:"id"`
}

func (c *HTTPClient) Create(ctx context.Context, kind, idempotencyKey string, payload []byte) (string, error) {
	var out idResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/"+url.PathEscape(kind), idempotencyKey, payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{StatusCode: http.StatusOK, Code: "missing_id", Message: "create response has no id"}
	}
	return out.ID, nil
}

// Update returns the server id the remote reports, falling back to serverID
// when the response body is empty.
func (c *HTTPClient) Update(ctx context.Context, kind, serverID, idempotencyKey string, payload []byte) (string, error) {
	var out idResponse
	path := "/v1/" + url.PathEscape(kind) + "/" + url.PathEscape(serverID)
	if err := c.doJSON(ctx, http.MethodPut, path, idempotencyKey, payload, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return serverID, nil
	}
	return out.ID, nil
}

// Delete treats 404 as success: the resource is already gone.
func (c *HTTPClient) Delete(ctx context.Context, kind, serverID, idempotencyKey string) error {
	path := "/v1/" + url.PathEscape(kind) + "/" + url.PathEscape(serverID)
	err := c.doJSON(ctx, http.MethodDelete, path, idempotencyKey, nil, nil)
	var re *Error
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *HTTPClient) FetchVideo(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/v1/videos/"+url.PathEscape(id)+"/content", "", nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath, idempotencyKey string, body []byte, out any) error {
	payload, err := c.do(ctx, method, requestPath, idempotencyKey, body)
	if err != nil {
		return err
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &Error{StatusCode: http.StatusOK, Code: "bad_response", Message: err.Error()}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, requestPath, idempotencyKey string, body []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, &Error{Retryable: true, Err: waitErr}
				}
				continue
			}
			return nil, &Error{Retryable: true, Err: err}
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &Error{Retryable: true, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return payload, nil
		}

		if retryableStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, &Error{Retryable: true, Err: waitErr}
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if errPayload.Message == "" {
			errPayload.Message = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
