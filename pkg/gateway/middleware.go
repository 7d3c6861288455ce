package gateway

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"nodesense/pkg/apierr"
	"nodesense/pkg/metrics"
	"nodesense/pkg/structlog"
)

const maxRequestIDLen = 128

// ClientID is the rate-limit identity: X-Forwarded-For verbatim when present, otherwise
// the host part of the connection's remote address.
func ClientID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestID stamps X-Request-ID and X-Served-By on every response and puts the id in the
// context as the log correlation id. A sane inbound id is kept so traces line up with callers;
// the inbound headers themselves are left alone and reach the collector as sent.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > maxRequestIDLen {
			id = structlog.NewCorrelationID()
		}
		w.Header().Set("X-Request-ID", id)
		w.Header().Set("X-Served-By", s.cfg.ReplicaID)
		next.ServeHTTP(w, r.WithContext(structlog.ContextWithCorrelationID(r.Context(), id)))
	})
}

// observe records request metrics labelled by the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := s.metrics.TrackInFlight()
		defer done()
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "/{any}"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" && p != "/*" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
	})
}

// recoverer turns a handler panic into a logged 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.WithContext(r.Context()).Error("handler panic", structlog.Fields{
				"panic": fmt.Sprint(rec), "method": r.Method, "path": r.URL.Path,
			})
			apierr.Write(w, apierr.Internal("internal server error", nil))
		}()
		next.ServeHTTP(w, r)
	})
}

// securityHeaders sets the standard hardening headers and caps request bodies.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit admits or rejects every request before any routing or authentication.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := ClientID(r)
		d, err := s.limiter.Allow(r.Context(), clientID)
		if err != nil {
			log := s.log.WithContext(r.Context())
			s.metrics.UpstreamError("redis")
			if s.cfg.RateLimitFailOpen {
				s.metrics.RateLimit(metrics.OutcomeFailOpen)
				log.Warn("rate limit store unavailable; admitting request", structlog.Fields{"error": err})
				next.ServeHTTP(w, r)
				return
			}
			s.metrics.RateLimit(metrics.OutcomeError)
			log.Error("rate limit store unavailable", structlog.Fields{"error": err})
			apierr.Write(w, apierr.Unavailable("Rate limiter unavailable", err))
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if !d.Allowed {
			s.metrics.RateLimit(metrics.OutcomeDenied)
			h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter(s.now()))))
			s.log.WithContext(r.Context()).SecurityEvent("rate_limited", structlog.Fields{
				"client_id": clientID, "count": d.Count, "limit": d.Limit, "path": r.URL.Path,
			})
			apierr.Write(w, apierr.RateLimited())
			return
		}
		s.metrics.RateLimit(metrics.OutcomeAllowed)
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// countUpstream records err against dependency when it is an outage of that dependency.
func (s *Server) countUpstream(err error, dependency string) {
	if ae := apierr.As(err); ae != nil && ae.Kind == apierr.KindUnavailable {
		s.metrics.UpstreamError(dependency)
	}
}
