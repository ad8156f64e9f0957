package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"reelhouse/internal/api"
	"reelhouse/internal/observability/logging"
	"reelhouse/internal/observability/metrics"
	"reelhouse/internal/serverutil"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Mount serves an extra handler below Prefix with the prefix stripped, such
// as the in-process object store used in development.
type Mount struct {
	Prefix  string
	Handler http.Handler
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Auth      AuthConfig
	Security  SecurityConfig
	// TrustForwardedHeaders makes X-Forwarded-For and X-Real-IP count for
	// rate limiting and logs. Enable only behind a proxy that sets them.
	TrustForwardedHeaders bool
	Mounts                []Mount

	// WriteTimeout bounds every response. Defaults to 30s.
	WriteTimeout time.Duration
	// CompleteTimeout replaces WriteTimeout on the completion route, which
	// waits for storage to stitch up to MaxParts parts. Defaults to 5m and is
	// never shorter than WriteTimeout.
	CompleteTimeout time.Duration

	ShutdownTimeout time.Duration
	// Drain stops background work once in-flight requests have finished.
	Drain       []serverutil.DrainStep
	Logger      *slog.Logger
	AuditLogger *slog.Logger
	Metrics     *metrics.Recorder
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	rateLimiter     *rateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
	drain           []serverutil.DrainStep
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	cors, err := newCORSHandler(cfg.CORS)
	if err != nil {
		return nil, err
	}
	gate, err := newTokenGate(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if !gate.enabled() {
		logger.Warn("api token not configured; upload routes are unauthenticated")
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	ips := clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	completeTimeout := cfg.CompleteTimeout
	if completeTimeout <= 0 {
		completeTimeout = defaultCompleteTimeout
	}
	completeTimeout = max(completeTimeout, writeTimeout)

	router := newRouter(handler, recorder, cfg.Mounts, completeTimeout)

	handlerChain := http.Handler(router)
	handlerChain = authMiddleware(gate, handlerChain)
	handlerChain = rateLimitMiddleware(rl, logger, ips, handlerChain)
	handlerChain = cors.Handler(handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = auditMiddleware(cfg.AuditLogger, ips, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			return []any{"remote_ip", ips.resolve(r)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		// Part bodies go straight to storage, so API requests stay small.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	srv := &Server{
		httpServer:      httpServer,
		logger:          logger,
		rateLimiter:     rl,
		tls:             TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)},
		shutdownTimeout: cfg.ShutdownTimeout,
		drain:           cfg.Drain,
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

const (
	defaultWriteTimeout    = 30 * time.Second
	defaultCompleteTimeout = 5 * time.Minute
)

// extendWriteDeadline moves the connection's write deadline out to d from now
// for requests that legitimately outlive the server-wide WriteTimeout.
func extendWriteDeadline(d time.Duration, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fails only for writers that cannot reach the connection, such as
		// httptest recorders, where there is no deadline to move.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d))
		next.ServeHTTP(w, r)
	})
}

func newRouter(handler *api.Handler, recorder *metrics.Recorder, mounts []Mount, completeTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	router.Use(metrics.RouteTemplates)

	router.HandleFunc("/healthz", handler.Health).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", recorder.Handler()).Methods(http.MethodGet)

	uploads := router.PathPrefix("/api").Subrouter()
	uploads.HandleFunc("/uploads", handler.InitUpload).Methods(http.MethodPost)
	uploads.HandleFunc("/uploads", handler.ListUploads).Methods(http.MethodGet)
	uploads.HandleFunc("/uploads/{id}", handler.GetUpload).Methods(http.MethodGet)
	uploads.HandleFunc("/uploads/{id}", handler.AbortUpload).Methods(http.MethodDelete)
	uploads.HandleFunc("/uploads/{id}/progress", handler.UpdateProgress).Methods(http.MethodPatch)
	uploads.Handle("/uploads/{id}/complete", extendWriteDeadline(completeTimeout, http.HandlerFunc(handler.CompleteUpload))).Methods(http.MethodPost)
	uploads.HandleFunc("/uploads/{id}/resume", handler.ResumeUpload).Methods(http.MethodPost)
	uploads.HandleFunc("/uploads/{id}/requeue", handler.RequeueUpload).Methods(http.MethodPost)
	uploads.HandleFunc("/assets", handler.ListAssets).Methods(http.MethodGet)

	for _, mount := range mounts {
		prefix := "/" + strings.Trim(mount.Prefix, "/")
		if prefix == "/" || mount.Handler == nil {
			continue
		}
		router.PathPrefix(prefix + "/").Handler(http.StripPrefix(prefix, mount.Handler))
	}
	return router
}

// Handler returns the fully wrapped request handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the configured server so callers can set Addr before Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Run serves until ctx is cancelled and then shuts down gracefully. ready is
// closed once the listener is bound.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	defer s.rateLimiter.Close()
	s.logger.Info("http server starting", "addr", s.httpServer.Addr, "tls", s.tls.CertFile != "")
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             serverutil.TLSConfig{CertFile: s.tls.CertFile, KeyFile: s.tls.KeyFile},
		ShutdownTimeout: s.shutdownTimeout,
		Drain:           s.drain,
		Ready:           ready,
		Logger:          s.logger,
	})
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, ips clientIPResolver, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeMiddlewareError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/uploads" {
			ip := ips.resolve(r)
			allowed, retryAfter, err := rl.AllowInit(r.Context(), ip)
			if err != nil {
				loggingWithRequest(logger, ip, r).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, "rate limit failure")
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, "too many upload sessions")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func auditMiddleware(logger *slog.Logger, ips clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		if !shouldAudit(r) {
			return
		}
		fields := []interface{}{
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_ip", ips.resolve(r),
		}
		if requestID, ok := logging.RequestIDFromContext(r.Context()); ok {
			fields = append(fields, "request_id", requestID)
		}
		logger.Info("audit", fields...)
	})
}

func shouldAudit(r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		return false
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}

type clientIPResolver struct {
	trustForwarded bool
}

func (c clientIPResolver) resolve(r *http.Request) string {
	if c.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
