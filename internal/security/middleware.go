package security

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// MiddlewareConfig configures the security middleware.
type MiddlewareConfig struct {
	Enabled    bool
	AgentWindow int
	AgentBurst  int
	APIWindow  int
	APIBurst   int
	Logger     *slog.Logger
}

type securityMiddleware struct {
	agentLimiter *RateLimiter
	apiLimiter   *RateLimiter
	logger       *slog.Logger
}

// NewMiddleware returns a chi-compatible middleware function. Two route
// categories get independent limiters: paths starting with "/agents/" and
// paths starting with "/api/". The master's router serves no "/agents/"
// path, so agent registration under /api/v1/agents counts against the API
// limiter.
func NewMiddleware(cfg *MiddlewareConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	m := &securityMiddleware{
		agentLimiter: NewRateLimiter(time.Duration(cfg.AgentWindow)*time.Second, cfg.AgentBurst),
		apiLimiter:   NewRateLimiter(time.Duration(cfg.APIWindow)*time.Second, cfg.APIBurst),
		logger:       cfg.Logger,
	}

	return m.handler
}

func (m *securityMiddleware) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		ip := r.RemoteAddr

		var limiter *RateLimiter
		switch {
		case strings.HasPrefix(path, "/agents/"):
			limiter = m.agentLimiter
		case strings.HasPrefix(path, "/api/"):
			limiter = m.apiLimiter
		}

		if limiter != nil && !limiter.Allow(ip) {
			m.logger.Warn("rate limited", "ip", ip, "path", path)
			w.Header().Set("Retry-After", "60")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
