package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/canstream/canstream/pkg/canid"
	"github.com/canstream/canstream/server/internal/alerts"
	"github.com/canstream/canstream/server/internal/ingest"
	"github.com/canstream/canstream/server/internal/metrics"
	"github.com/canstream/canstream/server/internal/query"
	"github.com/canstream/canstream/server/internal/store"
)

// maxBodyBytes caps POST /api/data bodies. A CAN FD frame is at most 64
// bytes, so a well-formed event is far below this.
const maxBodyBytes = 64 << 10

// Ingester is the write path used by POST /api/data.
type Ingester interface {
	Ingest(raw ingest.RawEvent) (store.Record, error)
}

// Deps are the collaborators the REST API reads from and writes to.
// Only Gateway and Query are required.
type Deps struct {
	Gateway     Ingester
	Query       *query.Service
	Store       *store.Store
	Subscribers func() int
	PubSub      func() string
	Alerts      *alerts.Engine
	Metrics     *metrics.Metrics

	// WriteAuth wraps the write routes, typically auth.Middleware.
	WriteAuth func(http.Handler) http.Handler
}

// Handler is the HTTP handler for the REST API.
type Handler struct {
	deps   Deps
	router chi.Router
}

// New creates a Handler and registers all routes.
func New(d Deps) http.Handler {
	h := &Handler{deps: d, router: chi.NewRouter()}

	r := h.router
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Group(func(r chi.Router) {
		if d.WriteAuth != nil {
			r.Use(d.WriteAuth)
		}
		r.Post("/api/data", h.postData)
	})
	r.Get("/api/data", h.getData)
	r.Get("/api/data/{id}", h.getDataForID)
	r.Get("/api/latest", h.getLatest)
	r.Get("/api/v1/health", h.health)
	r.Get("/api/v1/alerts", h.listAlerts)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// postData handles POST /api/data: one JSON event, 204 on success.
func (h *Handler) postData(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	raw, err := ingest.DecodeJSON(body)
	if err != nil {
		h.deps.Metrics.Rejected("body")
	} else {
		_, err = h.deps.Gateway.Ingest(raw)
	}
	if err != nil {
		var ime *ingest.InvalidMessageError
		if errors.As(err, &ime) {
			jsonResp(w, http.StatusBadRequest, errorResponse{Error: ime.Error(), Field: ime.Field})
			return
		}
		slog.Error("api: ingest", "err", err)
		jsonErr(w, http.StatusInternalServerError, "ingest failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getData handles GET /api/data: every key's full retained history.
func (h *Handler) getData(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.deps.Query.FullHistory())
}

// getDataForID handles GET /api/data/{id}. Any identifier form is accepted;
// unknown keys return an empty list.
func (h *Handler) getDataForID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := canid.Parse(id); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid id: "+err.Error())
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Query.HistoryFor(id))
}

// getLatest handles GET /api/latest: newest record per key, with decoded text
// for the decode key.
func (h *Handler) getLatest(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, h.deps.Query.LatestPerKey())
}

// health handles GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", PubSub: "disabled"}
	if h.deps.Store != nil {
		resp.KeyCount = h.deps.Store.Len()
		resp.Capacity = h.deps.Store.Capacity()
	}
	if h.deps.Subscribers != nil {
		resp.Subscribers = h.deps.Subscribers()
	}
	if h.deps.PubSub != nil {
		resp.PubSub = h.deps.PubSub()
	}
	if h.deps.Alerts != nil {
		for _, a := range h.deps.Alerts.Active() {
			if a.State == alerts.StateFiring {
				resp.AlertCount++
			}
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// listAlerts handles GET /api/v1/alerts: firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Alerts == nil {
		jsonResp(w, http.StatusOK, []struct{}{})
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Alerts.Active())
}

// --- middleware -------------------------------------------------------------

// instrument records request count and latency by route pattern.
func (h *Handler) instrument(next http.Handler) http.Handler {
	if h.deps.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.deps.Metrics.HTTPRequest(route, status, time.Since(start))
	})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
