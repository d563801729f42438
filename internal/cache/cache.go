// Package cache provides the versioned response store used by the worker.
// A Store holds named namespaces, each mapping a request Key to an immutable
// Entry snapshot. The Manager owns one Store and pins it to a single version.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNamespaceNotFound is returned when writing into a namespace that was
// never opened or has been purged.
var ErrNamespaceNotFound = errors.New("cache namespace not found")

// Key is the canonical identity of a request: "METHOD URL" with the URL
// fragment removed.
type Key string

// KeyFor returns the cache key for r.
func KeyFor(r *http.Request) Key {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key(strings.ToUpper(method) + " " + canonicalURL(r.URL))
}

func canonicalURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// Entry is a snapshot of a response captured at store time.
type Entry struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Response builds a fresh *http.Response from the snapshot. The returned
// header map and body reader are not shared with the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Store is a set of named namespaces. Implementations must be safe for
// concurrent use.
type Store interface {
	// Open creates the namespace if it does not exist. Opening an existing
	// namespace is a no-op.
	Open(ctx context.Context, namespace string) error
	// Namespaces lists namespace names in creation order.
	Namespaces(ctx context.Context) ([]string, error)
	// Retain deletes every namespace except keep in one atomic step and
	// returns the deleted names.
	Retain(ctx context.Context, keep string) ([]string, error)
	// Get returns the entry stored under key in namespace.
	Get(ctx context.Context, namespace string, key Key) (*Entry, bool, error)
	// Put stores entries in an opened namespace, replacing any entry with the
	// same key. All entries are written or none are. A missing namespace
	// yields ErrNamespaceNotFound.
	Put(ctx context.Context, namespace string, entries ...Entry) error
	// Keys lists the keys stored in namespace.
	Keys(ctx context.Context, namespace string) ([]Key, error)
	Close() error
}

// OpenStore opens the backend named by driver: "memory" (or ""), "sqlite"
// or "postgres".
func OpenStore(driver, dsn string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
