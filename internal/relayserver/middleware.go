package relayserver

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// clientAuthMiddleware admits a request from loopback unconditionally; a
// non-loopback request must carry a correct Authorization: Bearer
// <token> header, and only when the relay was started with a token at
// all (an empty configured token means the operator opted out of remote
// exposure, so every non-loopback request is refused rather than
// silently accepted).
func (s *Server) clientAuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if isLoopback(c.Request()) {
			return next(c)
		}
		if !s.cfg.Remote || s.cfg.Token == "" {
			return echo.NewHTTPError(http.StatusForbidden, "remote access is disabled")
		}
		token := extractToken(c.Request())
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing authentication token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid authentication token")
		}
		return next(c)
	}
}

// loopbackOnlyMiddleware gates /internal/yield: it never leaves the
// loopback interface regardless of remote mode, and still requires the
// shared token when one is configured.
func (s *Server) loopbackOnlyMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !isLoopback(c.Request()) {
			return echo.NewHTTPError(http.StatusForbidden, "loopback only")
		}
		if s.cfg.Token != "" {
			token := extractToken(c.Request())
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authentication token")
			}
		}
		return next(c)
	}
}

// originMiddleware enforces the Origin check on the extension's upgrade
// request: by default any chrome-extension:// origin is accepted, but an
// operator can pin an exact origin via Config.ExtensionOrigin.
func (s *Server) originMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		origin := c.Request().Header.Get("Origin")
		if s.cfg.ExtensionOrigin != "" {
			if origin != s.cfg.ExtensionOrigin {
				return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
			}
			return next(c)
		}
		if !strings.HasPrefix(origin, "chrome-extension://") {
			return echo.NewHTTPError(http.StatusForbidden, "origin not allowed")
		}
		return next(c)
	}
}

// rateLimitMiddleware bounds admission per source IP. Disabled entirely
// returns a no-op passthrough rather than configuring the limiter with an
// unbounded rate.
func (s *Server) rateLimitMiddleware() echo.MiddlewareFunc {
	if !s.cfg.RateLimit.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	rps := s.cfg.RateLimit.RPS
	if rps <= 0 {
		rps = 20
	}
	burst := s.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 40
	}

	cfg := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(rps),
				Burst:     burst,
				ExpiresIn: 0,
			},
		),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
		},
	}
	return middleware.RateLimiterWithConfig(cfg)
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return ""
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
