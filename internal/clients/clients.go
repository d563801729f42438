// Package clients models the application windows that share the worker's
// scope. The worker never owns a client; it enumerates, focuses and opens
// them through a Host.
package clients

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type is the kind of client.
type Type string

// Client types.
const (
	TypeWindow Type = "window"
	TypeWorker Type = "worker"
	TypeAll    Type = "all"
)

// ErrNotFound is returned for an unknown client id.
var ErrNotFound = errors.New("client not found")

// Client is an opaque handle to an open client.
type Client interface {
	ID() string
	URL() string
	Type() Type
}

// Focuser is implemented by clients that can be brought to the foreground.
type Focuser interface {
	Focus(ctx context.Context) error
}

// MatchOptions filters MatchAll.
type MatchOptions struct {
	// Type restricts results; "" and TypeAll match every type.
	Type Type
	// IncludeUncontrolled also returns clients not controlled by the active
	// version.
	IncludeUncontrolled bool
}

// Host enumerates and opens clients.
type Host interface {
	MatchAll(ctx context.Context, opts MatchOptions) ([]Client, error)
	OpenWindow(ctx context.Context, url string) (Client, error)
}

// Info is a snapshot of a registered client.
type Info struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Type       Type      `json:"type"`
	Focusable  bool      `json:"focusable"`
	Controller string    `json:"controller,omitempty"`
	FocusedAt  time.Time `json:"focused_at,omitempty"`
}

// Registry is an in-process Host. Clients come and go through Register and
// Remove; OpenWindow adds a focusable window.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	active  string
}

type entry struct {
	reg  *Registry
	info Info
}

func (e *entry) ID() string { return e.info.ID }
func (e *entry) URL() string { return e.info.URL }
func (e *entry) Type() Type { return e.info.Type }

// window is a client that can take focus.
type window struct{ *entry }

func (w window) Focus(_ context.Context) error {
	return w.reg.focus(w.info.ID)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a client and returns its snapshot. New clients are controlled
// by the active version, if any.
func (r *Registry) Register(url string, typ Type, focusable bool) Info {
	if typ == "" {
		typ = TypeWindow
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &entry{reg: r, info: Info{
		ID:         uuid.NewString(),
		URL:        url,
		Type:       typ,
		Focusable:  focusable,
		Controller: r.active,
	}}
	r.entries = append(r.entries, e)
	return e.info
}

// Remove drops the client with id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	r.entries = slices.DeleteFunc(r.entries, func(e *entry) bool { return e.info.ID == id })
	if len(r.entries) == n {
		return ErrNotFound
	}
	return nil
}

// List returns snapshots of every client in registration order.
func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info)
	}
	return out
}

// Claim makes version the controller of every client and of clients
// registered later.
func (r *Registry) Claim(_ context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = version
	for _, e := range r.entries {
		e.info.Controller = version
	}
	return nil
}

// MatchAll returns clients matching opts in registration order.
func (r *Registry) MatchAll(_ context.Context, opts MatchOptions) ([]Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Client
	for _, e := range r.entries {
		if opts.Type != "" && opts.Type != TypeAll && e.info.Type != opts.Type {
			continue
		}
		if !opts.IncludeUncontrolled && (r.active == "" || e.info.Controller != r.active) {
			continue
		}
		out = append(out, r.handle(e))
	}
	return out, nil
}

// OpenWindow registers a new focused window at url.
func (r *Registry) OpenWindow(_ context.Context, url string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &entry{reg: r, info: Info{
		ID:         uuid.NewString(),
		URL:        url,
		Type:       TypeWindow,
		Focusable:  true,
		Controller: r.active,
		FocusedAt:  time.Now().UTC(),
	}}
	r.entries = append(r.entries, e)
	return r.handle(e), nil
}

func (r *Registry) handle(e *entry) Client {
	if e.info.Focusable {
		return window{e}
	}
	return e
}

func (r *Registry) focus(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.info.ID == id {
			e.info.FocusedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}
