package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	edgeworker "github.com/season-tracker/edgeworker"
	"github.com/season-tracker/edgeworker/internal/clients"
	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/metrics"
	"github.com/season-tracker/edgeworker/internal/ratelimit"
	"github.com/season-tracker/edgeworker/internal/version"
)

// maxMessageBytes caps a posted control message.
const maxMessageBytes = 64 << 10

// newRouter builds the HTTP router.
func newRouter(h *host, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(corsOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/_worker", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Post("/messages", h.handleMessage)

		r.Get("/clients", h.handleListClients)
		r.Post("/clients", h.handleRegisterClient)
		r.Delete("/clients/{id}", h.handleRemoveClient)

		r.Get("/notifications", h.handleNotifications)
		r.Post("/notifications/{id}/click", h.handleClick)
	})

	// Everything else is an intercepted fetch. Registered last so the
	// explicit routes above take precedence.
	r.HandleFunc("/*", h.serveFetch)

	return r
}

type statusResponse struct {
	Version    string           `json:"version"`
	State      edgeworker.State `json:"state"`
	Namespaces []string         `json:"namespaces"`
	Build      string           `json:"build"`
}

func (h *host) handleStatus(w http.ResponseWriter, r *http.Request) {
	wk := h.worker()
	if wk == nil {
		writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	namespaces, err := wk.Namespaces(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Version:    wk.Version(),
		State:      wk.State(),
		Namespaces: namespaces,
		Build:      version.String(),
	})
}

// handleMessage delivers a control message. The sender never gets a reply,
// so the status is 202 whatever the worker made of it.
func (h *host) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.limiter.Allow(ratelimit.Sender(r)) {
		metrics.Messages.WithLabelValues("rate_limited").Inc()
		logging.FromContext(r.Context()).Debug("control message dropped by rate limit", "sender", ratelimit.Sender(r))
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if wk := h.worker(); wk != nil {
		if err := wk.Dispatch(r.Context(), edgeworker.MessageEvent(data)).Wait(r.Context()); err != nil {
			logging.FromContext(r.Context()).Warn("message handler failed", "error", err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

type registerClientRequest struct {
	URL       string       `json:"url"`
	Type      clients.Type `json:"type"`
	Focusable *bool        `json:"focusable"`
}

func (h *host) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req registerClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	switch req.Type {
	case "", clients.TypeWindow, clients.TypeWorker:
	default:
		writeError(w, http.StatusBadRequest, "type must be window or worker")
		return
	}
	focusable := req.Focusable == nil || *req.Focusable
	writeJSON(w, http.StatusCreated, h.clients.Register(req.URL, req.Type, focusable))
}

func (h *host) handleListClients(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.clients.List()})
}

func (h *host) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	if err := h.clients.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *host) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"data": h.tray.Visible()})
}

func (h *host) handleClick(w http.ResponseWriter, r *http.Request) {
	wk := h.worker()
	if wk == nil {
		writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.tray.Lookup(id); !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	if err := wk.Dispatch(r.Context(), edgeworker.NotificationClickEvent(id)).Wait(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveFetch hands the request to the active worker and relays whatever it
// settles with. A fetch that fails in the worker becomes a 502.
func (h *host) serveFetch(w http.ResponseWriter, r *http.Request) {
	wk := h.worker()
	if wk == nil {
		writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}

	req := r.Clone(r.Context())
	req.URL = &url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}
	req.RequestURI = ""

	start := time.Now()
	s := wk.Dispatch(r.Context(), edgeworker.FetchEvent(req))
	if err := s.Wait(r.Context()); err != nil {
		if errors.Is(err, r.Context().Err()) {
			return
		}
		logging.FromContext(r.Context()).Warn("fetch failed",
			"path", r.URL.Path, "elapsed", time.Since(start).String(), "error", err)
		writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}

	resp := s.Response()
	defer resp.Body.Close() //nolint:errcheck

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		_, _ = io.Copy(w, resp.Body)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"message": message}})
}
