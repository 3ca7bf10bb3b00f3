// Package api exposes the gateway over HTTP: the public OTP surface
// (dispatch, provider webhooks, health, live push) and a JWT-protected
// admin API for routes, whitelists, blocklists and request inspection.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/otpgw/otpgw/internal/api/middleware"
	"github.com/otpgw/otpgw/internal/config"
	"github.com/otpgw/otpgw/internal/database"
	"github.com/otpgw/otpgw/internal/dispatch"
	"github.com/otpgw/otpgw/internal/routing"
)

// Dispatcher accepts a parsed intake request and returns the
// acceptance envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Request) (*dispatch.Result, error)
}

// Emitter publishes delivery events for a request. The DLR webhook
// feeds provider delivery reports through it.
type Emitter interface {
	Emit(ctx context.Context, requestID, channel, eventType string, data map[string]any) error
}

// AuthReporter receives verification outcomes for the fraud counters.
type AuthReporter interface {
	RecordSuccess(ctx context.Context, phone, subnet string)
	RecordFailure(ctx context.Context, phone, subnet string)
}

// TelephonyStatus reports whether the voice control plane is up.
type TelephonyStatus interface {
	Connected() bool
}

// LivePush upgrades connections into the event fan-out and publishes
// frames to subscribed topics.
type LivePush interface {
	ServeWS(w http.ResponseWriter, r *http.Request)
	Publish(topic, msgType string, data any)
}

// Deps collects the collaborator wiring for the server. Telephony and
// Metrics may be nil when the voice plane or the metrics endpoint is
// disabled.
type Deps struct {
	Dispatcher Dispatcher
	Bus        Emitter
	Fraud      AuthReporter
	Router     *routing.Router
	Push       LivePush
	Telephony  TelephonyStatus
	Metrics    http.Handler
	JWTSecret  []byte
	Logger     *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config
	db     *database.DB

	dispatcher Dispatcher
	bus        Emitter
	fraud      AuthReporter
	callerIDs  *routing.Router
	push       LivePush
	telephony  TelephonyStatus
	metrics    http.Handler

	requests   database.RequestRepository
	events     database.EventRepository
	routes     database.CallerIDRouteRepository
	whitelist  database.WhitelistRepository
	asnList    database.ASNBlocklistRepository
	reputation database.ReputationRepository
	honeypot   database.HoneypotRepository
	admins     database.AdminUserRepository

	jwtSecret    []byte
	loginLimiter *middleware.IPRateLimiter
	startTime    time.Time
	logger       *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, db *database.DB, deps Deps) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		cfg:          cfg,
		db:           db,
		dispatcher:   deps.Dispatcher,
		bus:          deps.Bus,
		fraud:        deps.Fraud,
		callerIDs:    deps.Router,
		push:         deps.Push,
		telephony:    deps.Telephony,
		metrics:      deps.Metrics,
		requests:     database.NewRequestRepository(db),
		events:       database.NewEventRepository(db),
		routes:       database.NewCallerIDRouteRepository(db),
		whitelist:    database.NewWhitelistRepository(db),
		asnList:      database.NewASNBlocklistRepository(db),
		reputation:   database.NewReputationRepository(db),
		honeypot:     database.NewHoneypotRepository(db),
		admins:       database.NewAdminUserRepository(db),
		jwtSecret:    deps.JWTSecret,
		loginLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
		startTime:    time.Now(),
		logger:       deps.Logger.With("subsystem", "api"),
	}

	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the server's background helpers. The http.Server owns
// connection draining; this only releases the rate limiter.
func (s *Server) Close() {
	s.loginLimiter.Stop()
}

// setupRoutes configures all middleware and mounts all route groups.
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)

	// Public OTP surface. Bare JSON shapes, no envelope; the webhook
	// endpoints always answer 200 so providers never retry into us.
	r.Post("/dispatch", s.handleDispatch)
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/auth", s.handleAuthFeedback)
		r.Post("/dlr", s.handleDLR)
		r.Post("/cdr", s.handleCDR)
	})
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.push.ServeWS)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// Admin API under /api/v1.
	r.Route("/api/v1", func(r chi.Router) {
		r.With(middleware.RateLimit(s.loginLimiter)).Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdminAuth(s.jwtSecret))

			r.Route("/requests", func(r chi.Router) {
				r.Get("/", s.handleRequestList)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleRequestGet)
					r.Get("/events", s.handleRequestEvents)
				})
			})

			r.Route("/routes", func(r chi.Router) {
				r.Get("/", s.handleRouteList)
				r.Post("/", s.handleRouteCreate)
				r.Route("/{id}", func(r chi.Router) {
					r.Put("/", s.handleRouteUpdate)
					r.Delete("/", s.handleRouteDelete)
				})
			})

			r.Route("/whitelist", func(r chi.Router) {
				r.Get("/", s.handleWhitelistList)
				r.Post("/", s.handleWhitelistCreate)
				r.Delete("/{id}", s.handleWhitelistDelete)
			})

			r.Route("/asn-blocklist", func(r chi.Router) {
				r.Get("/", s.handleASNList)
				r.Post("/", s.handleASNCreate)
				r.Delete("/{id}", s.handleASNDelete)
			})

			r.Route("/reputation", func(r chi.Router) {
				r.Get("/", s.handleReputationList)
				r.Post("/ban", s.handleReputationBan)
			})

			r.Get("/honeypot", s.handleHoneypotList)
			r.Get("/system/status", s.handleSystemStatus)
		})
	})

	s.logger.Info("api routes mounted")
}
