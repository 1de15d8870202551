// Package server provides the HTTP API for clipvault.
package server

import (
	"cmp"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"clipvault/internal/auth"
	"clipvault/internal/config"
	"clipvault/internal/logging"
	"clipvault/internal/snippet"
	"clipvault/internal/store"
	"clipvault/internal/sysmetrics"
)

// Version is set at build time.
var Version = "dev"

// Config holds server configuration.
type Config struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Limits bounds request bodies and is echoed in validation
	// messages. Zero values fall back to the defaults.
	Limits config.Snippets

	// Rate limiting for the credential endpoints, per client IP.
	RateLimit float64
	RateBurst int
}

// Server is the HTTP server for clipvault.
type Server struct {
	svc    *snippet.Service
	store  *store.Store
	tokens *auth.TokenService
	limits config.Snippets
	rl     *rateLimiter
	logger *slog.Logger
	sys    *sysmetrics.Sampler

	startTime time.Time

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	shutdown chan struct{}

	inFlight     sync.WaitGroup // tracks in-flight requests for graceful drain
	inFlightNow  atomic.Int64
	requestCount atomic.Int64
	draining     atomic.Bool // true when server is draining (rejecting new requests)

	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup
}

// New creates a new Server.
func New(svc *snippet.Service, st *store.Store, tokens *auth.TokenService, cfg Config) *Server {
	limits := cfg.Limits
	if limits.MaxSnippetBytes <= 0 {
		limits = config.Default().Snippets
	}
	rl := newRateLimiter(rate.Limit(cmp.Or(cfg.RateLimit, 5)), cmp.Or(cfg.RateBurst, 10))
	return &Server{
		svc:       svc,
		store:     st,
		tokens:    tokens,
		limits:    limits,
		rl:        rl,
		logger:    logging.Default(cfg.Logger).With("component", "server"),
		sys:       sysmetrics.New(),
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
}

// registerProbes adds Kubernetes liveness and readiness probe endpoints.
func (s *Server) registerProbes(mux *http.ServeMux) {
	// Liveness probe - returns 200 if the process is alive
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Readiness probe - returns 200 if ready to accept traffic
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// isLoopback returns true if host is a loopback address (localhost, 127.0.0.1, ::1).
func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// corsMiddleware adds CORS headers for browser clients.
// Only allows same-origin requests; never reflects arbitrary Origin to avoid
// cross-origin theft of snippet content or tokens.
// For loopback (dev with proxy), allows Origin from same hostname on any port.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			sameOrigin := scheme + "://" + r.Host
			allowed := origin == sameOrigin
			if !allowed {
				// Dev with proxy: frontend (e.g. localhost:3000) proxies to backend (localhost:8080).
				// Allow any loopback origin when request is to loopback.
				reqHost, _, _ := net.SplitHostPort(r.Host)
				reqHost = cmp.Or(reqHost, r.Host)
				if isLoopback(reqHost) {
					if u, err := url.Parse(origin); err == nil {
						oHost, _, _ := net.SplitHostPort(u.Host)
						if oHost == "" {
							oHost = u.Host
						}
						allowed = isLoopback(oHost)
					}
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id, Retry-After")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// trackingMiddleware wraps an http.Handler to track in-flight requests.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			writeError(w, http.StatusServiceUnavailable, "server is draining")
			return
		}
		s.inFlight.Add(1)
		s.inFlightNow.Add(1)
		s.requestCount.Add(1)
		defer func() {
			s.inFlightNow.Add(-1)
			s.inFlight.Done()
		}()
		next.ServeHTTP(w, r)
	})
}

// buildMux creates a new ServeMux with all route handlers and probe
// endpoints registered. Credential endpoints are open; everything under
// /api/v1/snippets requires a bearer token.
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	mux.Handle("POST /api/v1/snippets", s.requireAuth(s.handleAccept))
	mux.Handle("GET /api/v1/snippets", s.requireAuth(s.handleList))
	mux.Handle("GET /api/v1/snippets/search", s.requireAuth(s.handleSearch))
	mux.Handle("GET /api/v1/snippets/{id}", s.requireAuth(s.handleGet))
	mux.Handle("DELETE /api/v1/snippets/{id}", s.requireAuth(s.handleDelete))
	mux.Handle("POST /api/v1/snippets/{id}/access", s.requireAuth(s.handleAccess))

	s.registerProbes(mux)
	s.registerMetrics(mux)

	return mux
}

// buildHandler assembles the middleware chain around the mux. Shared by
// Serve and Handler so tests exercise the same stack as production.
func (s *Server) buildHandler() http.Handler {
	var h http.Handler = s.buildMux()
	h = s.trackingMiddleware(h)
	h = rateLimitMiddleware(s.rl)(h)
	h = compressMiddleware(h)
	h = s.corsMiddleware(h)
	h = s.recoverMiddleware(h)
	h = s.accessLogMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// Serve starts the server on the given listener.
// It blocks until the server is stopped or an error occurs.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler: h2c.NewHandler(s.buildHandler(), &http2.Server{}),
	}
	server := s.server
	s.mu.Unlock()

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.cleanupCancel = cancel
	s.rl.startCleanup(cleanupCtx, &s.cleanupWg, 5*time.Minute, 15*time.Minute)

	s.logger.Info("server starting", "addr", listener.Addr().String())

	err := server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP starts the server on a TCP address.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests and gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	select {
	case <-s.shutdown:
	default:
		close(s.shutdown)
	}

	if s.cleanupCancel != nil {
		s.cleanupCancel()
		s.cleanupWg.Wait()
	}

	if server == nil {
		return nil
	}

	s.logger.Info("server stopping")
	s.draining.Store(true)
	return server.Shutdown(ctx)
}

// ShutdownChan returns a channel that is closed when shutdown is initiated.
func (s *Server) ShutdownChan() <-chan struct{} {
	return s.shutdown
}

// Handler returns the fully assembled http.Handler.
// This is useful for testing or embedding in another server.
func (s *Server) Handler() http.Handler {
	return h2c.NewHandler(s.buildHandler(), &http2.Server{})
}
