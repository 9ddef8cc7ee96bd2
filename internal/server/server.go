package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"quickdrop/internal/blobstore"
	"quickdrop/internal/lifecycle"
	"quickdrop/internal/logging"
	"quickdrop/internal/metrics"
	"quickdrop/internal/qrcode"
)

// Lifecycle is the part of lifecycle.Manager the handlers use.
type Lifecycle interface {
	Register(ctx context.Context, r io.Reader, meta lifecycle.Metadata, opts lifecycle.Options) (lifecycle.StoredObject, error)
	TryConsume(ctx context.Context, token string) (*lifecycle.Payload, error)
	Status(token string) lifecycle.Status
	Stats() lifecycle.Stats
}

// QRRenderer draws share links as PNG codes. Forget drops any cached image
// of a link that is gone.
type QRRenderer interface {
	PNG(url string) ([]byte, error)
	Forget(url string)
}

// Pinger is a dependency the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type BuildInfo struct {
	Version string
	Commit  string
}

type RateLimit struct {
	PerMinute     int
	UploadPerHour int
	// TrustProxy honours X-Forwarded-* headers for client ip and origin.
	TrustProxy bool
}

type Config struct {
	Addr string // e.g. ":8989"
	// BaseURL overrides the origin used in share links.
	BaseURL        string
	MaxUploadBytes int64
	Build          BuildInfo
	RateLimit      RateLimit

	Lifecycle Lifecycle
	QR        QRRenderer
	Store     blobstore.Store
	// Journal and Breaker are optional health components.
	Journal Pinger
	Breaker *blobstore.CircuitBreaker
	Metrics *metrics.Metrics
	// Gatherer backs GET /metrics; the route is absent when nil.
	Gatherer prometheus.Gatherer
	Logger   *logging.Logger

	// LANIP replaces loopback hosts in share links. Defaults to the first
	// non-loopback IPv4 address.
	LANIP func() string
	Clock func() time.Time
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler

	lc        Lifecycle
	qr        QRRenderer
	store     blobstore.Store
	journal   Pinger
	breaker   *blobstore.CircuitBreaker
	metrics   *metrics.Metrics
	log       *logging.Logger
	build     BuildInfo
	baseURL   string
	maxUpload int64
	trust     bool
	lanIP     func() string
	now       func() time.Time
	started   time.Time
}

func New(cfg Config) (*Server, error) {
	if cfg.Lifecycle == nil {
		return nil, errors.New("server: lifecycle is required")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, errors.New("server: max upload bytes must be positive")
	}

	s := &Server{
		lc:        cfg.Lifecycle,
		qr:        cfg.QR,
		store:     cfg.Store,
		journal:   cfg.Journal,
		breaker:   cfg.Breaker,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		build:     cfg.Build,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		maxUpload: cfg.MaxUploadBytes,
		trust:     cfg.RateLimit.TrustProxy,
		lanIP:     cfg.LANIP,
		now:       cfg.Clock,
	}
	if s.log == nil {
		s.log = logging.Default()
	}
	if s.lanIP == nil {
		s.lanIP = LocalIP
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.qr == nil {
		r, err := qrcode.New(qrcode.Options{})
		if err != nil {
			return nil, err
		}
		s.qr = r
	}
	s.started = s.now()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /download/{token}", s.handleDownload)
	mux.HandleFunc("HEAD /download/{token}", s.handleDownloadHead)
	mux.HandleFunc("GET /status/{token}", s.handleStatus)
	mux.HandleFunc("GET /qr/{token}", s.handleQR)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /readyz", s.HandleReady)
	mux.HandleFunc("GET /livez", s.HandleLive)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(cfg.Gatherer))
	}

	limits := NewEndpointRateLimiter(EndpointRateLimitConfig{
		UploadRate:   cfg.RateLimit.UploadPerHour,
		UploadWindow: time.Hour,
		APIRate:      cfg.RateLimit.PerMinute,
		APIWindow:    time.Minute,
		TrustProxy:   cfg.RateLimit.TrustProxy,
		Logger:       s.log,
		Clock:        s.now,
	})

	// requestID -> logging -> security headers -> rate limit -> mux
	var handler http.Handler = mux
	handler = limits.Middleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("http_listening", map[string]any{"addr": ln.Addr().String()})
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
