// Package httpapi exposes the CRM webhooks, probes, metrics and the event stream over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sunway24/dealbridge/internal/auth"
	"github.com/sunway24/dealbridge/internal/dispatch"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/obs"
	"github.com/sunway24/dealbridge/internal/stream"
)

const (
	serviceName  = "Sunway24 Webhook Handler"
	maxBodyBytes = 1 << 20
)

// Pinger is a state backend that can report its health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the state backend. A nil backend is always ready.
type ReadyProbe struct {
	Backend Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Backend == nil {
		return nil
	}
	return rp.Backend.Ping(ctx)
}

// Dispatcher runs the two trigger paths.
type Dispatcher interface {
	HandleDealEvent(ctx context.Context, dealID string) (dispatch.Result, error)
	HandleArtifactUploaded(ctx context.Context, dealID string, kind docstore.Kind) (dispatch.Result, error)
}

// Events is the subscription side of the event stream.
type Events interface {
	Subscribe(ctx context.Context) <-chan stream.Event
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	dispatcher Dispatcher
	events     Events
	readyProbe ReadyProbe
	verifier   *auth.WebhookVerifier
	version    string

	rateBurst  int
	ratePerSec int
}

// New wires the routes. events and verifier may be nil.
func New(d Dispatcher, events Events, rp ReadyProbe, verifier *auth.WebhookVerifier, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		dispatcher: d,
		events:     events,
		readyProbe: rp,
		verifier:   verifier,
		version:    version,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/webhook/deal_update", a.DealUpdate)
	a.mux.HandleFunc("/webhook/invoice_uploaded", a.uploadHandler(docstore.KindInvoice))
	a.mux.HandleFunc("/webhook/photos_uploaded", a.uploadHandler(docstore.KindPhotos))

	a.mux.HandleFunc("/health", a.Health)
	a.mux.HandleFunc("/healthz", a.Health)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/events", a.Stream)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		a.Root(w, r)
	})

	return a
}

// WithRateLimit overrides the per-IP token bucket. A non-positive burst disables limiting.
func (a *API) WithRateLimit(burst, perSecond int) *API {
	a.rateBurst = burst
	a.ratePerSec = perSecond
	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	if a.rateBurst > 0 && a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Recover(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "active",
		"service": serviceName,
		"version": a.version,
		"endpoints": []string{
			"/webhook/deal_update",
			"/webhook/invoice_uploaded",
			"/webhook/photos_uploaded",
		},
	})
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": a.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
