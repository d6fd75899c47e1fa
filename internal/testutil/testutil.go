package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Epoch is a fixed start time for deterministic clocks.
var Epoch = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

// Clock provides a controllable, goroutine-safe time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock starting at t. A zero t starts at Epoch.
func NewClock(t time.Time) *Clock {
	if t.IsZero() {
		t = Epoch
	}
	return &Clock{now: t}
}

// Now returns the current mock time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set sets the clock to t
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Webhook is a test HTTP server that records every request body it receives.
type Webhook struct {
	*httptest.Server

	mu     sync.Mutex
	bodies [][]byte
	status int
}

// NewWebhook starts a recording webhook that answers with 204.
// The server is closed when the test ends.
func NewWebhook(t *testing.T) *Webhook {
	t.Helper()
	w := &Webhook{status: http.StatusNoContent}
	w.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.mu.Lock()
		w.bodies = append(w.bodies, body)
		status := w.status
		w.mu.Unlock()
		rw.WriteHeader(status)
	}))
	t.Cleanup(w.Close)
	return w
}

// SetStatus changes the status code returned to subsequent requests.
func (w *Webhook) SetStatus(status int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
}

// Count returns the number of requests received so far.
func (w *Webhook) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.bodies)
}

// Decode unmarshals the i-th received body into v.
func (w *Webhook) Decode(t *testing.T, i int, v any) {
	t.Helper()
	w.mu.Lock()
	defer w.mu.Unlock()
	if i < 0 || i >= len(w.bodies) {
		t.Fatalf("webhook received %d requests, no request %d", len(w.bodies), i)
	}
	if err := json.Unmarshal(w.bodies[i], v); err != nil {
		t.Fatalf("failed to decode webhook body %q: %v", w.bodies[i], err)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method     string
	URL        string
	RemoteAddr string
	Headers    map[string]string
	Body       string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithRemoteAddr sets the peer address seen by the handler
func (r *HTTPRequest) WithRemoteAddr(addr string) *HTTPRequest {
	r.RemoteAddr = addr
	return r
}

// WithBody sets the request body
func (r *HTTPRequest) WithBody(body string) *HTTPRequest {
	r.Body = body
	return r
}

// Do executes the HTTP request against handler
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req := httptest.NewRequest(r.Method, r.URL, body)
	if r.RemoteAddr != "" {
		req.RemoteAddr = r.RemoteAddr
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
