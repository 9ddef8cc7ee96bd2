package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quickdrop/internal/logging"
)

// EndpointRateLimiter applies a stricter class to uploads, which cost
// storage, than to the rest of the API. Probes and metrics are exempt.
type EndpointRateLimiter struct {
	uploadLimiter *rateLimiter
	apiLimiter    *rateLimiter
	trustProxy    bool
	log           *logging.Logger
}

// EndpointRateLimitConfig holds configuration for endpoint rate limits.
type EndpointRateLimitConfig struct {
	UploadRate   int           // uploads per window
	UploadWindow time.Duration // window for upload rate limiting
	APIRate      int           // other requests per window
	APIWindow    time.Duration // window for API rate limiting
	TrustProxy   bool
	Logger       *logging.Logger
	Clock        func() time.Time
}

// DefaultEndpointRateLimitConfig returns the limits used when none are
// configured.
func DefaultEndpointRateLimitConfig() EndpointRateLimitConfig {
	return EndpointRateLimitConfig{
		UploadRate:   60,
		UploadWindow: time.Hour,
		APIRate:      300,
		APIWindow:    time.Minute,
	}
}

// NewEndpointRateLimiter creates a rate limiter; zero fields take the
// defaults.
func NewEndpointRateLimiter(cfg EndpointRateLimitConfig) *EndpointRateLimiter {
	def := DefaultEndpointRateLimitConfig()
	if cfg.UploadRate <= 0 {
		cfg.UploadRate = def.UploadRate
	}
	if cfg.UploadWindow <= 0 {
		cfg.UploadWindow = def.UploadWindow
	}
	if cfg.APIRate <= 0 {
		cfg.APIRate = def.APIRate
	}
	if cfg.APIWindow <= 0 {
		cfg.APIWindow = def.APIWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &EndpointRateLimiter{
		uploadLimiter: newRateLimiter(cfg.UploadRate, cfg.UploadWindow, cfg.Clock),
		apiLimiter:    newRateLimiter(cfg.APIRate, cfg.APIWindow, cfg.Clock),
		trustProxy:    cfg.TrustProxy,
		log:           cfg.Logger,
	}
}

// Middleware returns an HTTP middleware that applies endpoint-specific rate limits.
func (erl *EndpointRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		var limiter *rateLimiter
		var limitType string
		switch {
		case path == "/health" || path == "/livez" || path == "/readyz" || path == "/metrics":
			next.ServeHTTP(w, r)
			return
		case path == "/upload" && r.Method == http.MethodPost:
			limiter = erl.uploadLimiter
			limitType = "upload"
		default:
			limiter = erl.apiLimiter
			limitType = "api"
		}

		ip := getClientIP(r, erl.trustProxy)
		if !limiter.allow(ip) {
			erl.log.Warn("rate_limit_exceeded", map[string]any{
				"request_id": RequestIDFromContext(r.Context()),
				"ip":         ip,
				"route":      routeClass(path),
				"method":     r.Method,
				"limit_type": limitType,
			})

			retry := int(math.Ceil(limiter.retryAfter(ip).Seconds()))
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("X-RateLimit-Limit-Type", limitType)
			http.Error(w, "Rate limit exceeded for "+limitType+" endpoints. Please try again later.", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// routeClass names the endpoint without the token so denied requests do
// not leak links into the logs.
func routeClass(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	head, _, _ := strings.Cut(trimmed, "/")
	return "/" + head
}
