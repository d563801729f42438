package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestFetchRewritesToOrigin(t *testing.T) {
	seen := make(chan *http.Request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(context.Background())
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/base/", Options{})
	if err != nil {
		t.Fatalf("NewHTTPFetcher: %v", err)
	}
	req := newRequest(t, http.MethodGet, "https://app.example.com/api/seasons?year=2024#top")
	req.Header.Set("Keep-Alive", "timeout=5")

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
	up := <-seen
	gotPath, gotQuery := up.URL.Path, up.URL.RawQuery
	gotFwd, gotConn := up.Header.Get("X-Forwarded-Host"), up.Header.Get("Keep-Alive")
	if gotPath != "/base/api/seasons" {
		t.Fatalf("path = %q, want /base/api/seasons", gotPath)
	}
	if gotQuery != "year=2024" {
		t.Fatalf("query = %q", gotQuery)
	}
	if gotFwd != "app.example.com" {
		t.Fatalf("X-Forwarded-Host = %q", gotFwd)
	}
	if gotConn != "" {
		t.Fatalf("hop header forwarded: %q", gotConn)
	}
}

func TestFetchServerErrorIsNotAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewBreaker(1, 1, time.Minute)
	f, _ := NewHTTPFetcher(srv.URL, Options{Breaker: b})
	resp, err := f.Fetch(context.Background(), newRequest(t, http.MethodGet, "http://app/x"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if b.State() != BreakerClosed {
		t.Fatalf("breaker = %s, want closed", b.State())
	}
}

func TestFetchDoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	f, _ := NewHTTPFetcher(srv.URL, Options{})
	resp, err := f.Fetch(context.Background(), newRequest(t, http.MethodGet, "http://app/old"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f, _ := NewHTTPFetcher(srv.URL, Options{Timeout: 20 * time.Millisecond})
	_, err := f.Fetch(context.Background(), newRequest(t, http.MethodGet, "http://app/slow"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestFetchOpenBreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewBreaker(1, 1, time.Minute)
	b.RecordFailure()
	f, _ := NewHTTPFetcher(srv.URL, Options{Breaker: b})

	_, err := f.Fetch(context.Background(), newRequest(t, http.MethodGet, "http://app/x"))
	if !errors.Is(err, ErrOriginUnavailable) {
		t.Fatalf("err = %v, want ErrOriginUnavailable", err)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("origin called %d times while breaker open", n)
	}
}

func TestFetchTransportFailureTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	b := NewBreaker(2, 1, time.Minute)
	f, _ := NewHTTPFetcher(addr, Options{Breaker: b})
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), newRequest(t, http.MethodGet, "http://app/x")); err == nil {
			t.Fatal("expected transport error")
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("breaker = %s, want open", b.State())
	}
}

func TestNewHTTPFetcherRejectsRelativeOrigin(t *testing.T) {
	if _, err := NewHTTPFetcher("/just/a/path", Options{}); err == nil {
		t.Fatal("expected error for relative origin")
	}
}
