package ratelimit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testClient(opts ClientOptions) *Client {
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Millisecond
	}
	if opts.BackoffCap == 0 {
		opts.BackoffCap = 5 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	return NewClient(opts, zerolog.Nop())
}

func get(t *testing.T, c *Client, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	return c.Do(req)
}

func TestClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := testClient(ClientOptions{MaxAttempts: 3})
	resp, err := get(t, c, srv.URL)
	if err != nil {
		t.Fatalf("success response errored: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestClientPermanent4xxNotRetried(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(ClientOptions{MaxAttempts: 4})
	_, err := get(t, c, srv.URL)
	if err == nil {
		t.Fatal("401 must surface an error")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if !statusErr.Permanent() {
		t.Fatal("401 must be permanent")
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", n)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient(ClientOptions{MaxAttempts: 3})
	resp, err := get(t, c, srv.URL)
	if err != nil {
		t.Fatalf("expected recovery on third attempt: %v", err)
	}
	resp.Body.Close()

	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Fatalf("expected 3 calls, got %d", n)
	}
}

func TestClientRateLimitRetryAfter(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := testClient(ClientOptions{MaxAttempts: 2})
	resp, err := get(t, c, srv.URL)
	if err != nil {
		t.Fatalf("429 then 200 should succeed: %v", err)
	}
	resp.Body.Close()

	if n := atomic.LoadInt64(&calls); n != 2 {
		t.Fatalf("expected a single retry, got %d calls", n)
	}
}

func TestClientBudgetExhausted(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := testClient(ClientOptions{MaxAttempts: 3})
	_, err := get(t, c, srv.URL)
	if err == nil {
		t.Fatal("persistent 429 must exhaust the budget")
	}
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("exhaustion error should wrap the final cause, got %v", err)
	}
	if n := atomic.LoadInt64(&calls); n != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", n)
	}
}

func TestClientTransportErrorExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	c := testClient(ClientOptions{MaxAttempts: 2})
	_, err := get(t, c, srv.URL)
	if err == nil {
		t.Fatal("connection refused must surface an error")
	}
	if !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("expected ErrBudgetExhausted, got %v", err)
	}
}
