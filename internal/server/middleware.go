package server

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"beacon/internal/ratelimit"
)

type originKey struct{}

// originResolver keys rate limits and logs by client address. X-Forwarded-For
// is read only when the socket peer is a trusted proxy; hops are walked from
// the right and the first untrusted one wins.
type originResolver struct {
	trusted []netip.Prefix
}

func (o originResolver) isTrusted(host string) bool {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range o.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (o originResolver) resolve(r *http.Request) string {
	peer := remoteHost(r)
	if len(o.trusted) == 0 || !o.isTrusted(peer) {
		return peer
	}
	origin := peer
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		origin = hop
		if !o.isTrusted(hop) {
			break
		}
	}
	return origin
}

func (o originResolver) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), originKey{}, o.resolve(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientOrigin returns the origin resolved for r, or its socket peer.
func clientOrigin(r *http.Request) string {
	if origin, ok := r.Context().Value(originKey{}).(string); ok {
		return origin
	}
	return remoteHost(r)
}

func newAccessLog(logger *zap.Logger, m *metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.observeRequest(r.Method, route, status, elapsed)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("origin", clientOrigin(r)),
			)
		})
	}
}

// rateClass picks the cooldown class for a request; ok is false for reads.
func rateClass(basePath string, r *http.Request) (ratelimit.Class, bool) {
	switch r.Method {
	case http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete:
	default:
		return "", false
	}
	switch r.URL.Path {
	case path.Join(basePath, "relay/register"):
		return ratelimit.Register, true
	case path.Join(basePath, "relay/heartbeat"), path.Join(basePath, "relay/ping"):
		return ratelimit.Heartbeat, true
	}
	return ratelimit.Write, true
}

func newRateLimitMiddleware(basePath string, limiter ratelimit.Limiter, logger *zap.Logger, m *metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, limited := rateClass(basePath, r)
			if !limited {
				next.ServeHTTP(w, r)
				return
			}
			origin := clientOrigin(r)
			ok, wait := limiter.Allow(class, origin)
			if ok {
				next.ServeHTTP(w, r)
				return
			}
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			m.rateLimited.WithLabelValues(string(class)).Inc()
			logger.Warn("rate limited", zap.String("class", string(class)), zap.String("origin", origin), zap.Duration("retry_after", wait))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited",
				"too many requests; retry after the cooldown",
				map[string]any{"retry_after_seconds": secs, "class": string(class)}))
		})
	}
}
