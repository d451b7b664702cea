package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	Enabled          bool     `toml:"enabled" json:"enabled"`
	AllowedOrigins   []string `toml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `toml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `toml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool     `toml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `toml:"max_age" json:"max_age"`
}

// CORSMiddleware provides configurable CORS support
type CORSMiddleware struct {
	config CORSConfig
}

// NewCORSMiddleware creates a new CORS middleware
func NewCORSMiddleware(config CORSConfig) *CORSMiddleware {
	if len(config.AllowedMethods) == 0 {
		config.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}
	if len(config.AllowedHeaders) == 0 {
		config.AllowedHeaders = []string{"Content-Type", "Authorization"}
	}
	if config.MaxAge == 0 {
		config.MaxAge = 86400 // 24 hours
	}
	return &CORSMiddleware{config: config}
}

// Handler returns the CORS middleware handler
func (cm *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !cm.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		origin := r.Header.Get("Origin")
		allowedOrigin := ""
		for _, o := range cm.config.AllowedOrigins {
			if o == "*" {
				allowedOrigin = "*"
				break
			}
			if o == origin && origin != "" {
				allowedOrigin = origin
				break
			}
		}

		if allowedOrigin == "" && origin != "" {
			if r.Method == http.MethodOptions {
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if allowedOrigin != "" {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			if cm.config.AllowCredentials && allowedOrigin != "*" {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Allow-Methods", strings.Join(cm.config.AllowedMethods, ", "))
			h.Set("Access-Control-Allow-Headers", strings.Join(cm.config.AllowedHeaders, ", "))
			h.Set("Access-Control-Max-Age", fmt.Sprintf("%d", cm.config.MaxAge))
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool     `toml:"enabled" json:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `toml:"burst" json:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies" json:"trusted_proxies"`
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware provides per-IP rate limiting
type RateLimitMiddleware struct {
	mu             sync.Mutex
	limiters       map[string]*clientLimiter
	rate           rate.Limit
	burst          int
	idleTimeout    time.Duration
	enabled        bool
	stopCleanup    chan struct{}
	stopOnce       sync.Once
	trustedProxies []*net.IPNet
	now            func() time.Time
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(config RateLimitConfig) *RateLimitMiddleware {
	if !config.Enabled {
		return &RateLimitMiddleware{enabled: false}
	}

	requestsPerSecond := config.RequestsPerSecond
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10.0
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 20
	}

	rl := &RateLimitMiddleware{
		limiters:       make(map[string]*clientLimiter),
		rate:           rate.Limit(requestsPerSecond),
		burst:          burst,
		idleTimeout:    5 * time.Minute,
		enabled:        true,
		stopCleanup:    make(chan struct{}),
		trustedProxies: parseTrustedProxies(config.TrustedProxies),
		now:            time.Now,
	}
	go rl.cleanupLoop()
	return rl
}

func parseTrustedProxies(proxies []string) []*net.IPNet {
	var out []*net.IPNet
	for _, proxy := range proxies {
		if strings.Contains(proxy, "/") {
			if _, cidr, err := net.ParseCIDR(proxy); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		if ip := net.ParseIP(proxy); ip != nil {
			mask := net.CIDRMask(128, 128)
			if ip.To4() != nil {
				ip = ip.To4()
				mask = net.CIDRMask(32, 32)
			}
			out = append(out, &net.IPNet{IP: ip, Mask: mask})
		}
	}
	return out
}

// Stop stops the rate limiter cleanup goroutine
func (rl *RateLimitMiddleware) Stop() {
	if rl.enabled {
		rl.stopOnce.Do(func() { close(rl.stopCleanup) })
	}
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(rl.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops limiters of clients that have been idle for idleTimeout.
func (rl *RateLimitMiddleware) cleanup() {
	cutoff := rl.now().Add(-rl.idleTimeout)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, cl := range rl.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

func (rl *RateLimitMiddleware) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.limiters[ip]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = cl
	}
	cl.lastSeen = rl.now()
	return cl.limiter.Allow()
}

// Limit applies rate limiting
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(extractIP(r, rl.trustedProxies)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP returns the client IP. X-Forwarded-For and X-Real-IP are only
// trusted when the connection comes from a trusted proxy, in which case the
// rightmost untrusted address of the chain is used.
func extractIP(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}

	if len(trustedProxies) > 0 && isTrustedProxy(remoteIP, trustedProxies) {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			ips := strings.Split(forwarded, ",")
			for i := len(ips) - 1; i >= 0; i-- {
				candidate := strings.TrimSpace(ips[i])
				if candidate != "" && !isTrustedProxy(candidate, trustedProxies) {
					return candidate
				}
			}
		}
		if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
			return realIP
		}
	}
	return remoteIP
}

func isTrustedProxy(ipStr string, trustedProxies []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range trustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// LoggingMiddleware logs each request at debug level and server errors at
// error level.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapper, r)

			level := slog.LevelDebug
			if wrapper.statusCode >= 500 {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "API request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"status", wrapper.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
