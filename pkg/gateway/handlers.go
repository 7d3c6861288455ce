package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"nodesense/pkg/apierr"
	"nodesense/pkg/auth"
	"nodesense/pkg/proxy"
	"nodesense/pkg/structlog"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "disabled"
	if s.redis != nil {
		status = "connected"
		if err := s.redis.Ping(r.Context()); err != nil {
			status = "error: " + err.Error()
		}
	}
	apierr.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "gateway",
		"redis":   status,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, map[string]string{"status": "pong", "replica": s.cfg.ReplicaID})
}

// handleLogin exchanges credentials at the identity provider and relays its answer.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.login == nil {
		apierr.Write(w, apierr.Unavailable("Auth service unavailable", errors.New("login not configured")))
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			apierr.Write(w, apierr.TooLarge(err))
			return
		}
		apierr.Write(w, apierr.Invalid("Invalid request body", err))
		return
	}
	resp, cancel, err := s.login.PasswordGrant(r.Context(), req)
	if err != nil {
		s.countUpstream(err, "idp")
		if apierr.Status(err) >= http.StatusInternalServerError {
			s.log.WithContext(r.Context()).Error("password grant failed", structlog.Fields{"error": err})
		}
		apierr.Write(w, err)
		return
	}
	defer cancel()
	if resp.StatusCode == http.StatusUnauthorized {
		s.log.WithContext(r.Context()).SecurityEvent("login_failed", structlog.Fields{
			"username": req.Username, "client_id": ClientID(r),
		})
	}
	if err := proxy.Relay(w, resp); err != nil {
		s.log.WithContext(r.Context()).Debug("relay login response", structlog.Fields{"error": err})
	}
}

// forwardTo proxies the request to a fixed collector path.
func (s *Server) forwardTo(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.forward(w, r, path)
	}
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// chi hands back the raw segment when the path carried escapes; normalize before
	// re-escaping so "%2F" is not escaped twice.
	if unescaped, err := url.PathUnescape(id); err == nil {
		id = unescaped
	}
	s.forward(w, r, "/nodes/"+url.PathEscape(id))
}

// handlePassthrough relays any unrouted request to the same path on the collector.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, r.URL.EscapedPath())
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, path string) {
	err := s.collector.Proxy(w, r, path)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
		s.log.WithContext(r.Context()).Debug("client went away during proxy", structlog.Fields{"path": path})
	default:
		s.countUpstream(err, "collector")
		if apierr.Status(err) >= http.StatusInternalServerError {
			s.log.WithContext(r.Context()).Error("collector request failed", structlog.Fields{"path": path, "error": err})
		}
	}
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	services, err := s.introspector.ListTopology(r.Context())
	if err != nil {
		s.countUpstream(err, "docker")
		s.log.WithContext(r.Context()).Error("list topology failed", structlog.Fields{"error": err})
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, services)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service")
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	tail := 0
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			apierr.Write(w, apierr.Invalid("tail must be a positive integer", err))
			return
		}
		tail = n
	}
	logs, err := s.introspector.FetchLogs(r.Context(), name, tail)
	if err != nil {
		s.countUpstream(err, "docker")
		if apierr.Status(err) >= http.StatusInternalServerError {
			s.log.WithContext(r.Context()).Error("fetch service logs failed", structlog.Fields{"service": name, "error": err})
		}
		apierr.Write(w, err)
		return
	}
	apierr.WriteJSON(w, http.StatusOK, logs)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	apierr.WriteJSON(w, http.StatusOK, s.alerts.Recent(r.Context()))
}

// handleDBError provokes a duplicate-key violation and reports the server's message.
func (s *Server) handleDBError(w http.ResponseWriter, r *http.Request) {
	if s.prober == nil {
		apierr.Write(w, apierr.Unavailable("Database unavailable", errors.New("database not configured")))
		return
	}
	ctx := r.Context()
	if s.cfg.DBTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DBTimeout)
		defer cancel()
	}
	pqErr, err := s.prober.ProbeUniqueViolation(ctx)
	if err != nil {
		s.metrics.UpstreamError("database")
		s.log.WithContext(r.Context()).Error("integrity probe failed", structlog.Fields{"error": err})
		apierr.Write(w, apierr.Unavailable("Database unavailable", err))
		return
	}
	s.log.WithContext(r.Context()).Warn("integrity violation surfaced", structlog.Fields{
		"code": string(pqErr.Code), "constraint": pqErr.Constraint,
	})
	apierr.Write(w, apierr.Internal(pqErr.Message, pqErr))
}
