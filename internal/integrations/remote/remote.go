// Package remote is the JSON REST transport of the Graph client and the error
// vocabulary shared with the Calendar client. Requests carry a bearer token
// from a credential source and are retried once after a 401 refresh. A 429 is
// retried once for any method; server and transport errors only for
// idempotent methods.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Credentials supplies bearer tokens. ForceRefresh is called once after a 401.
type Credentials interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// ErrCannotRefresh is returned by StaticToken.ForceRefresh.
var ErrCannotRefresh = errors.New("static token cannot be refreshed")

// StaticToken is a fixed bearer token, used right after an OAuth exchange.
type StaticToken string

func (t StaticToken) AccessToken(context.Context) (string, error) { return string(t), nil }

func (t StaticToken) ForceRefresh(context.Context) (string, error) { return "", ErrCannotRefresh }

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	Method     string
	Path       string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: http %d %s: %s", e.Method, e.Path, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// HasStatus reports whether err is an HTTPError with the given status.
func HasStatus(err error, status int) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == status
}

func IsNotFound(err error) bool     { return HasStatus(err, http.StatusNotFound) }
func IsConflict(err error) bool     { return HasStatus(err, http.StatusConflict) }
func IsUnauthorized(err error) bool { return HasStatus(err, http.StatusUnauthorized) }

// Request describes one API call. Path is joined to the base URL unless it
// is already absolute, as with paging links.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	JSON        any
	Body        []byte
	ContentType string
	Header      http.Header
	// Anonymous requests carry no Authorization header, as for pre-signed
	// upload session URLs.
	Anonymous bool
}

// Client performs authenticated JSON requests.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetryDelay bounds the wait before the transient-error retry.
func WithRetryDelay(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a client rooted at baseURL.
func New(baseURL string, creds Credentials, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 1,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   5 * time.Second,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithCredentials returns a copy of the client using other credentials.
func (c *Client) WithCredentials(creds Credentials) *Client {
	clone := *c
	clone.creds = creds
	return &clone
}

// Do sends the request and decodes a JSON response into out when non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	body := req.Body
	contentType := req.ContentType
	if req.JSON != nil {
		encoded, err := json.Marshal(req.JSON)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = encoded
		contentType = "application/json"
	}

	target := c.resolve(req.Path, req.Query)
	var token string
	if !req.Anonymous {
		var err error
		if token, err = c.creds.AccessToken(ctx); err != nil {
			return err
		}
	}

	refreshed := false
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
		if err != nil {
			return err
		}
		for k, v := range req.Header {
			httpReq.Header[k] = v
		}
		if !req.Anonymous {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
		httpReq.Header.Set("Accept", "application/json")
		if contentType != "" {
			httpReq.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil && idempotent(req.Method) {
				c.logger.Debug("retrying after transport error", slog.String("path", req.Path), slog.String("error", err.Error()))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", req.Method, req.Path, err)
			}
			return nil
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed && !req.Anonymous {
			refreshed = true
			token, err = c.creds.ForceRefresh(ctx)
			if err != nil {
				return err
			}
			attempt--
			continue
		}

		if retryable(req.Method, resp.StatusCode) && attempt < c.maxRetries {
			c.logger.Debug("retrying after provider error", slog.String("path", req.Path), slog.Int("status", resp.StatusCode))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		return decodeError(req.Method, req.Path, resp.StatusCode, payload)
	}
}

// idempotent reports whether repeating method cannot create a second resource.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// retryable reports whether a response is worth one more attempt. A 429 was
// rejected before processing, so it is retried for any method.
func retryable(method string, status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && idempotent(method)
}

func (c *Client) resolve(path string, query url.Values) string {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.baseURL + path
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}
	return target
}

// decodeError understands both {"error":{"code":"x","message":"y"}} (Graph)
// and {"error":{"code":404,"message":"y","status":"NOT_FOUND"}} (Google).
func decodeError(method, path string, status int, payload []byte) error {
	var envelope struct {
		Error struct {
			Code    json.RawMessage `json:"code"`
			Message string          `json:"message"`
			Status  string          `json:"status"`
		} `json:"error"`
	}
	httpErr := &HTTPError{StatusCode: status, Method: method, Path: path}
	if err := json.Unmarshal(payload, &envelope); err == nil {
		httpErr.Message = envelope.Error.Message
		httpErr.Code = envelope.Error.Status
		if httpErr.Code == "" {
			httpErr.Code = strings.Trim(string(envelope.Error.Code), `"`)
		}
	}
	if httpErr.Message == "" {
		httpErr.Message = strings.TrimSpace(http.StatusText(status))
	}
	return httpErr
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		return min(retryAfter, maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
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
	if ts, err := http.ParseTime(header); err == nil {
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
