package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type countingCreds struct {
	token     string
	refreshed string
	refreshes atomic.Int32
	err       error
}

func (c *countingCreds) AccessToken(context.Context) (string, error) { return c.token, nil }

func (c *countingCreds) ForceRefresh(context.Context) (string, error) {
	c.refreshes.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return c.refreshed, nil
}

func fastClient(baseURL string, creds Credentials) *Client {
	return New(baseURL, creds, WithRetryDelay(time.Millisecond, 5*time.Millisecond))
}

func TestDoDecodesJSONWithBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer abc" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("top") != "5" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"item-1"}`))
	}))
	defer srv.Close()

	var out struct {
		ID string `json:"id"`
	}
	c := fastClient(srv.URL, StaticToken("abc"))
	if err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/items", Query: map[string][]string{"top": {"5"}}}, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.ID != "item-1" {
		t.Fatalf("id = %q", out.ID)
	}
}

func TestDoRefreshesOnceOn401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"expired"}}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	creds := &countingCreds{token: "stale", refreshed: "fresh"}
	if err := fastClient(srv.URL, creds).Do(context.Background(), Request{Method: http.MethodGet, Path: "/me"}, nil); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if creds.refreshes.Load() != 1 || calls.Load() != 2 {
		t.Fatalf("refreshes=%d calls=%d", creds.refreshes.Load(), calls.Load())
	}
}

func TestDoGivesUpAfterSecond401(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := &countingCreds{token: "stale", refreshed: "still-bad"}
	err := fastClient(srv.URL, creds).Do(context.Background(), Request{Method: http.MethodGet, Path: "/me"}, nil)
	if !IsUnauthorized(err) {
		t.Fatalf("expected 401 error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestDoReturnsRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	refreshErr := errors.New("grant revoked")
	err := fastClient(srv.URL, &countingCreds{token: "t", err: refreshErr}).Do(context.Background(), Request{Method: http.MethodGet, Path: "/me"}, nil)
	if !errors.Is(err, refreshErr) {
		t.Fatalf("expected refresh error, got %v", err)
	}
}

func TestDoRetriesServerErrorOnce(t *testing.T) {
	tests := []struct {
		name      string
		failures  int32
		wantErr   bool
		wantCalls int32
	}{
		{name: "recovers", failures: 1, wantCalls: 2},
		{name: "persistent", failures: 5, wantErr: true, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.Header().Set("Retry-After", "0")
					w.WriteHeader(http.StatusServiceUnavailable)
					return
				}
				_, _ = w.Write([]byte(`{}`))
			}))
			defer srv.Close()

			err := fastClient(srv.URL, StaticToken("t")).Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"}, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if calls.Load() != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestDoRetriesOnlyIdempotentMethods(t *testing.T) {
	tests := []struct {
		method    string
		status    int
		wantCalls int32
	}{
		{method: http.MethodPost, status: http.StatusGatewayTimeout, wantCalls: 1},
		{method: http.MethodPost, status: http.StatusTooManyRequests, wantCalls: 2},
		{method: http.MethodPut, status: http.StatusBadGateway, wantCalls: 2},
		{method: http.MethodPatch, status: http.StatusServiceUnavailable, wantCalls: 2},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := fastClient(srv.URL, StaticToken("t")).Do(context.Background(), Request{Method: tt.method, Path: "/children", JSON: map[string]string{"name": "x"}}, nil)
			if !HasStatus(err, tt.status) {
				t.Fatalf("err = %v", err)
			}
			if calls.Load() != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestDoDoesNotRepeatPostAfterTransportError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer srv.Close()

	err := fastClient(srv.URL, StaticToken("t")).Do(context.Background(), Request{Method: http.MethodPost, Path: "/children", JSON: map[string]string{"name": "x"}}, nil)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestDecodeErrorShapes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		payload  string
		wantCode string
		wantMsg  string
	}{
		{name: "graph", status: 409, payload: `{"error":{"code":"nameAlreadyExists","message":"exists"}}`, wantCode: "nameAlreadyExists", wantMsg: "exists"},
		{name: "google", status: 404, payload: `{"error":{"code":404,"message":"Not Found","status":"NOT_FOUND"}}`, wantCode: "NOT_FOUND", wantMsg: "Not Found"},
		{name: "numeric only", status: 400, payload: `{"error":{"code":400,"message":"bad"}}`, wantCode: "400", wantMsg: "bad"},
		{name: "not json", status: 502, payload: `<html>`, wantMsg: "Bad Gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeError("GET", "/x", tt.status, []byte(tt.payload))
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) {
				t.Fatalf("expected HTTPError, got %T", err)
			}
			if httpErr.Code != tt.wantCode || httpErr.Message != tt.wantMsg {
				t.Fatalf("code=%q msg=%q", httpErr.Code, httpErr.Message)
			}
		})
	}
	if !IsConflict(decodeError("POST", "/x", 409, nil)) || IsNotFound(decodeError("POST", "/x", 409, nil)) {
		t.Fatal("status helpers disagree")
	}
}

func TestResolveKeepsAbsoluteLinks(t *testing.T) {
	c := New("https://graph.example/v1.0/", StaticToken("t"))
	if got := c.resolve("/me/drive", nil); got != "https://graph.example/v1.0/me/drive" {
		t.Fatalf("resolve relative = %q", got)
	}
	next := "https://graph.example/v1.0/items/1/children?$skiptoken=abc"
	if got := c.resolve(next, nil); got != next {
		t.Fatalf("resolve absolute = %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if got := parseRetryAfter("3"); got != 3*time.Second {
		t.Fatalf("seconds = %v", got)
	}
	if got := parseRetryAfter("soon"); got != 0 {
		t.Fatalf("garbage = %v", got)
	}
	c := New("", StaticToken(""), WithRetryDelay(10*time.Millisecond, 20*time.Millisecond))
	if got := c.retryDelay(1, "60"); got != 20*time.Millisecond {
		t.Fatalf("retry-after not capped: %v", got)
	}
}
