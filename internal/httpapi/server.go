// Package httpapi mounts the /api routes: webhook ingestion, the event and
// visitor feeds, the account trust demo and the vendor API proxy.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"example.com/fpdemo/internal/account"
	"example.com/fpdemo/internal/ingest"
	"example.com/fpdemo/internal/vendor"
	"example.com/fpdemo/internal/visitor"
)

// VendorAPI is the subset of the vendor Server API the proxy forwards to.
type VendorAPI interface {
	GetVisits(ctx context.Context, visitorID string, opts vendor.VisitsOptions) (vendor.VisitsResponse, error)
	GetEvent(ctx context.Context, requestID string) (json.RawMessage, error)
	SearchEvents(ctx context.Context, f vendor.SearchFilters) (json.RawMessage, error)
	Summary(ctx context.Context, visitorID string) (vendor.VisitorSummary, error)
}

// Deps are the collaborators behind the routes. Vendor may be nil when no
// API key is configured.
type Deps struct {
	Ingest         ingest.Dispatcher
	Queries        *visitor.QueryService
	Accounts       *account.Service
	Vendor         VendorAPI
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server exposes the demo's public API surface.
type Server struct {
	ingest   ingest.Dispatcher
	queries  *visitor.QueryService
	accounts *account.Service
	vendor   VendorAPI
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewServer wires the handlers to deps.
func NewServer(deps Deps) *Server {
	s := &Server{
		ingest:   deps.Ingest,
		queries:  deps.Queries,
		accounts: deps.Accounts,
		vendor:   deps.Vendor,
		timeout:  deps.RequestTimeout,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Router configures all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/api", func(r chi.Router) {
		// Vendor webhooks; the second path is the one configured in the vendor dashboard.
		r.Post("/webhook", s.handleWebhook)
		r.Post("/fingerprint-webhook", s.handleWebhook)

		r.Get("/events", s.handleListEvents)
		r.Get("/webhook-events", s.handleListEvents)
		r.Get("/visitors", s.handleVisitors)

		r.Post("/fingerprint", s.handleVendorProxy)

		accountRoutes := func(r chi.Router) {
			r.Post("/register", s.handleRegister)
			r.Post("/login", s.handleLogin)
			r.Post("/verify-device", s.handleVerifyDevice)
			r.Post("/add-fingerprint", s.handleAddFingerprint)
			r.Post("/fingerprints", s.handleFingerprints)
			r.Post("/get-user-fingerprints", s.handleFingerprints)
			r.Get("/session", s.handleSession)
		}
		r.Route("/account", accountRoutes)
		r.Route("/account-takeover-demo", accountRoutes)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
