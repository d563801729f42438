package edgeworker

import (
	"context"
	"net/http"
	"sync"
)

// EventKind tags an Event.
type EventKind string

// Event kinds delivered by the host.
const (
	KindInstall           EventKind = "install"
	KindActivate          EventKind = "activate"
	KindFetch             EventKind = "fetch"
	KindMessage           EventKind = "message"
	KindNotificationClick EventKind = "notificationclick"
)

// Event is one unit of work handed to Worker.Dispatch. Only the fields for
// its Kind are read.
type Event struct {
	Kind EventKind
	// Request is the intercepted request (KindFetch).
	Request *http.Request
	// Data is the posted message payload (KindMessage).
	Data []byte
	// NotificationID identifies the clicked notification (KindNotificationClick).
	NotificationID string
}

// InstallEvent returns an install event.
func InstallEvent() Event { return Event{Kind: KindInstall} }

// ActivateEvent returns an activate event.
func ActivateEvent() Event { return Event{Kind: KindActivate} }

// FetchEvent returns a fetch event for req.
func FetchEvent(req *http.Request) Event { return Event{Kind: KindFetch, Request: req} }

// MessageEvent returns a message event carrying data.
func MessageEvent(data []byte) Event { return Event{Kind: KindMessage, Data: data} }

// NotificationClickEvent returns a click event for the notification id.
func NotificationClickEvent(id string) Event {
	return Event{Kind: KindNotificationClick, NotificationID: id}
}

// Settlement is the deferred result of a dispatched event. The host must not
// consider the event finished until Wait returns.
type Settlement struct {
	kind EventKind
	done chan struct{}
	once sync.Once
	resp *http.Response
	err  error
}

func newSettlement(kind EventKind) *Settlement {
	return &Settlement{kind: kind, done: make(chan struct{})}
}

func (s *Settlement) settle(resp *http.Response, err error) {
	s.once.Do(func() {
		s.resp = resp
		s.err = err
		close(s.done)
	})
}

// Kind returns the kind of the event this settlement belongs to.
func (s *Settlement) Kind() EventKind { return s.kind }

// Done is closed once the handler has finished.
func (s *Settlement) Done() <-chan struct{} { return s.done }

// Wait blocks until the handler finishes or ctx is done, and returns the
// handler's error.
func (s *Settlement) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Response returns the fetch response. It is nil before Done is closed and
// for non-fetch events.
func (s *Settlement) Response() *http.Response {
	select {
	case <-s.done:
		return s.resp
	default:
		return nil
	}
}
