package strategies

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/season-tracker/edgeworker/internal/cache"
	"github.com/season-tracker/edgeworker/internal/origin"
)

var errOffline = errors.New("network unreachable")

// fakeOrigin serves bodies by path and can be switched offline.
type fakeOrigin struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  int
	header  http.Header
	offline bool
	calls   atomic.Int32
}

func newFakeOrigin(bodies map[string]string) *fakeOrigin {
	return &fakeOrigin{bodies: bodies, status: http.StatusOK}
}

func (f *fakeOrigin) set(path, body string) {
	f.mu.Lock()
	f.bodies[path] = body
	f.mu.Unlock()
}

func (f *fakeOrigin) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeOrigin) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errOffline
	}
	header := f.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: f.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(f.bodies[req.URL.Path])),
		Request:    req,
	}, nil
}

var _ origin.Fetcher = (*fakeOrigin)(nil)

func newTestManager(t *testing.T, f origin.Fetcher) *cache.Manager {
	t.Helper()
	scope, _ := url.Parse("https://app.example.com/")
	m := cache.NewManager(cache.NewMemory(), "season-tracker-v2", scope, f)
	if err := m.Store().Open(context.Background(), "season-tracker-v2"); err != nil {
		t.Fatalf("open namespace: %v", err)
	}
	return m
}

func get(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close() //nolint:errcheck
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func waitBackground(t *testing.T, bg *Background) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bg.Wait(ctx); err != nil {
		t.Fatalf("background work did not finish: %v", err)
	}
}

func TestClassify(t *testing.T) {
	i := NewInterceptor(nil, nil, Options{})
	tests := []struct {
		path string
		want Route
	}{
		{"/api/seasons", RouteDynamic},
		{"/api/", RouteDynamic},
		{"/", RouteStatic},
		{"/apix", RouteStatic},
		{"/icon-192.png", RouteStatic},
	}
	for _, tt := range tests {
		if got := i.Classify(get(t, "https://app.example.com"+tt.path)); got != tt.want {
			t.Errorf("Classify(%s) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestNetworkFirstPrefersLive(t *testing.T) {
	f := newFakeOrigin(map[string]string{"/api/progress": "live"})
	m := newTestManager(t, f)
	ctx := context.Background()
	_ = m.Store().Put(ctx, "season-tracker-v2", cache.Entry{
		Key: "GET https://app.example.com/api/progress", Status: 200, Body: []byte("stale"),
	})

	resp, src, err := NewNetworkFirst(m, f).Execute(ctx, get(t, "https://app.example.com/api/progress"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if src != SourceNetwork || readBody(t, resp) != "live" {
		t.Fatalf("expected live response, got source=%s", src)
	}
}

func TestNetworkFirstNeverStores(t *testing.T) {
	f := newFakeOrigin(map[string]string{"/api/progress": "live"})
	m := newTestManager(t, f)
	ctx := context.Background()

	resp, _, err := NewNetworkFirst(m, f).Execute(ctx, get(t, "https://app.example.com/api/progress"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_ = readBody(t, resp)

	keys, _ := m.Store().Keys(ctx, "season-tracker-v2")
	if len(keys) != 0 {
		t.Fatalf("dynamic response was cached: %v", keys)
	}
}

func TestNetworkFirstFallsBackToCache(t *testing.T) {
	f := newFakeOrigin(nil)
	f.setOffline(true)
	m := newTestManager(t, f)
	ctx := context.Background()
	_ = m.Store().Put(ctx, "season-tracker-v2", cache.Entry{
		Key: "GET https://app.example.com/api/progress", Status: 200, Body: []byte("snapshot"),
	})

	resp, src, err := NewNetworkFirst(m, f).Execute(ctx, get(t, "https://app.example.com/api/progress"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if src != SourceCache || readBody(t, resp) != "snapshot" {
		t.Fatalf("expected cached snapshot, source=%s", src)
	}
}

func TestNetworkFirstOfflineMiss(t *testing.T) {
	f := newFakeOrigin(nil)
	f.setOffline(true)
	m := newTestManager(t, f)

	_, _, err := NewNetworkFirst(m, f).Execute(context.Background(), get(t, "https://app.example.com/api/progress"))
	if !errors.Is(err, ErrNoCachedResponse) {
		t.Fatalf("err = %v, want ErrNoCachedResponse", err)
	}
	if !errors.Is(err, errOffline) {
		t.Fatalf("err = %v, want the network error preserved", err)
	}
}

func TestStaleWhileRevalidateMissStoresLive(t *testing.T) {
	f := newFakeOrigin(map[string]string{"/app.js": "console.log(1)"})
	m := newTestManager(t, f)
	bg := &Background{}
	s := NewStaleWhileRevalidate(m, f, bg, time.Second)
	ctx := context.Background()

	resp, src, err := s.Execute(ctx, get(t, "https://app.example.com/app.js"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if src != SourceNetwork || readBody(t, resp) != "console.log(1)" {
		t.Fatalf("expected live response, source=%s", src)
	}
	waitBackground(t, bg)

	e, ok, _ := m.Get(ctx, "GET https://app.example.com/app.js")
	if !ok || string(e.Body) != "console.log(1)" {
		t.Fatalf("live response not captured: %+v", e)
	}
}

func TestStaleWhileRevalidateHitRefreshes(t *testing.T) {
	f := newFakeOrigin(map[string]string{"/": "v1 page"})
	m := newTestManager(t, f)
	bg := &Background{}
	s := NewStaleWhileRevalidate(m, f, bg, time.Second)
	ctx := context.Background()

	resp, _, _ := s.Execute(ctx, get(t, "https://app.example.com/"))
	_ = readBody(t, resp)
	waitBackground(t, bg)

	f.set("/", "v2 page")
	resp, src, err := s.Execute(ctx, get(t, "https://app.example.com/"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if src != SourceCache || readBody(t, resp) != "v1 page" {
		t.Fatalf("expected stale snapshot first, source=%s", src)
	}
	waitBackground(t, bg)

	resp, _, _ = s.Execute(ctx, get(t, "https://app.example.com/"))
	if got := readBody(t, resp); got != "v2 page" {
		t.Fatalf("snapshot after refresh = %q, want v2 page", got)
	}
	waitBackground(t, bg)
}

func TestStaleWhileRevalidateOfflineServesIdenticalBytes(t *testing.T) {
	icon := string([]byte{0x89, 'P', 'N', 'G', 0x00, 0xff})
	f := newFakeOrigin(map[string]string{"/icon-192.png": icon})
	scope, _ := url.Parse("https://app.example.com/")
	m := cache.NewManager(cache.NewMemory(), "season-tracker-v2", scope, f)
	ctx := context.Background()
	if err := m.Initialize(ctx, []string{"/icon-192.png"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	f.setOffline(true)
	bg := &Background{}
	s := NewStaleWhileRevalidate(m, f, bg, time.Second)
	resp, src, err := s.Execute(ctx, get(t, "https://app.example.com/icon-192.png"))
	if err != nil {
		t.Fatalf("Execute offline: %v", err)
	}
	if src != SourceCache {
		t.Fatalf("source = %s, want cache", src)
	}
	if got := readBody(t, resp); !bytes.Equal([]byte(got), []byte(icon)) {
		t.Fatalf("offline bytes differ: %v", []byte(got))
	}
	waitBackground(t, bg)

	// The failed refresh leaves the snapshot intact.
	e, ok, _ := m.Get(ctx, "GET https://app.example.com/icon-192.png")
	if !ok || string(e.Body) != icon {
		t.Fatal("failed refresh altered the snapshot")
	}
}

func TestStaleWhileRevalidateOfflineMiss(t *testing.T) {
	f := newFakeOrigin(nil)
	f.setOffline(true)
	m := newTestManager(t, f)
	s := NewStaleWhileRevalidate(m, f, &Background{}, time.Second)

	_, src, err := s.Execute(context.Background(), get(t, "https://app.example.com/never-seen.css"))
	if !errors.Is(err, ErrNoCachedResponse) || !errors.Is(err, errOffline) {
		t.Fatalf("err = %v", err)
	}
	if src != SourceError {
		t.Fatalf("source = %s", src)
	}
}

func TestStaleWhileRevalidateSkipsUnstorable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
	}{
		{"not found", http.StatusNotFound, nil},
		{"server error", http.StatusInternalServerError, nil},
		{"partial", http.StatusPartialContent, nil},
		{"vary star", http.StatusOK, http.Header{"Vary": {"*"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeOrigin(map[string]string{"/x": "body"})
			f.status = tt.status
			f.header = tt.header
			m := newTestManager(t, f)
			bg := &Background{}
			s := NewStaleWhileRevalidate(m, f, bg, time.Second)

			resp, _, err := s.Execute(context.Background(), get(t, "https://app.example.com/x"))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			_ = readBody(t, resp)
			waitBackground(t, bg)
			if _, ok, _ := m.Get(context.Background(), "GET https://app.example.com/x"); ok {
				t.Fatal("unstorable response was cached")
			}
		})
	}
}

func TestNonGetRequestsBypassCache(t *testing.T) {
	f := newFakeOrigin(map[string]string{"/form": "posted"})
	m := newTestManager(t, f)
	bg := &Background{}
	s := NewStaleWhileRevalidate(m, f, bg, time.Second)

	req, _ := http.NewRequest(http.MethodPost, "https://app.example.com/form", strings.NewReader("a=1"))
	resp, src, err := s.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if src != SourceNetwork || readBody(t, resp) != "posted" {
		t.Fatalf("unexpected response source=%s", src)
	}
	waitBackground(t, bg)
	keys, _ := m.Store().Keys(context.Background(), "season-tracker-v2")
	if len(keys) != 0 {
		t.Fatalf("POST response was cached: %v", keys)
	}
}

func TestRefreshAfterPurgeIsDropped(t *testing.T) {
	f := newFakeOrigin(map[string]string{"/": "page"})
	scope, _ := url.Parse("https://app.example.com/")
	store := cache.NewMemory()
	old := cache.NewManager(store, "season-tracker-v1", scope, f)
	ctx := context.Background()
	_ = store.Open(ctx, "season-tracker-v1")

	// The newer version purges v1 before the older worker's write lands.
	_ = store.Open(ctx, "season-tracker-v2")
	_, _ = store.Retain(ctx, "season-tracker-v2")

	bg := &Background{}
	s := NewStaleWhileRevalidate(old, f, bg, time.Second)
	resp, _, err := s.Execute(ctx, get(t, "https://app.example.com/"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_ = readBody(t, resp)
	waitBackground(t, bg)

	names, _ := store.Namespaces(ctx)
	if len(names) != 1 || names[0] != "season-tracker-v2" {
		t.Fatalf("purged namespace came back: %v", names)
	}
}

func TestInterceptorRoutes(t *testing.T) {
	f := newFakeOrigin(map[string]string{"/api/seasons": "[]", "/": "index"})
	m := newTestManager(t, f)
	bg := &Background{}
	i := NewInterceptor(m, f, Options{Background: bg})
	ctx := context.Background()

	resp, err := i.Handle(ctx, get(t, "https://app.example.com/api/seasons"))
	if err != nil {
		t.Fatalf("Handle api: %v", err)
	}
	_ = readBody(t, resp)
	resp, err = i.Handle(ctx, get(t, "https://app.example.com/"))
	if err != nil {
		t.Fatalf("Handle static: %v", err)
	}
	_ = readBody(t, resp)
	waitBackground(t, bg)

	keys, _ := m.Store().Keys(ctx, "season-tracker-v2")
	if len(keys) != 1 || keys[0] != "GET https://app.example.com/" {
		t.Fatalf("keys = %v, want only the static page", keys)
	}
}

func TestBackgroundGoDuringWait(t *testing.T) {
	bg := &Background{}
	for round := 0; round < 500; round++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 4; i++ {
				bg.Go(func() {})
			}
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := bg.Wait(ctx); err != nil {
				t.Errorf("round %d: Wait: %v", round, err)
			}
		}()
		wg.Wait()
	}
	waitBackground(t, bg)
	if n := bg.Pending(); n != 0 {
		t.Fatalf("pending = %d after wait, want 0", n)
	}
}

func TestBackgroundWaitHonoursContext(t *testing.T) {
	bg := &Background{}
	release := make(chan struct{})
	bg.Go(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := bg.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	close(release)
	waitBackground(t, bg)
}

func TestStaleWhileRevalidateHitsDuringDrain(t *testing.T) {
	f := newFakeOrigin(map[string]string{"/": "page"})
	m := newTestManager(t, f)
	bg := &Background{}
	s := NewStaleWhileRevalidate(m, f, bg, time.Second)
	ctx := context.Background()

	resp, _, _ := s.Execute(ctx, get(t, "https://app.example.com/"))
	_ = readBody(t, resp)
	waitBackground(t, bg)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				req, _ := http.NewRequest(http.MethodGet, "https://app.example.com/", nil)
				resp, src, err := s.Execute(ctx, req)
				if err != nil {
					t.Errorf("Execute: %v", err)
					return
				}
				if src != SourceCache {
					t.Errorf("source = %s, want cache", src)
				}
				resp.Body.Close() //nolint:errcheck
			}
		}()
	}
	for i := 0; i < 20; i++ {
		waitBackground(t, bg)
	}
	wg.Wait()
	waitBackground(t, bg)
	if n := bg.Pending(); n != 0 {
		t.Fatalf("pending = %d after drain, want 0", n)
	}
}
