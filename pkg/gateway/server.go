// Package gateway is the NodeSense edge: the HTTP surface, its middleware chain and the
// route table that ties rate limiting, token verification, authorization, proxying,
// orchestration introspection and alert reads together.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lib/pq"

	"nodesense/pkg/alerts"
	"nodesense/pkg/auth"
	"nodesense/pkg/metrics"
	otelobs "nodesense/pkg/observability/otel"
	"nodesense/pkg/orchestrator"
	"nodesense/pkg/proxy"
	"nodesense/pkg/ratelimit"
	"nodesense/pkg/structlog"
)

// ServiceName identifies the gateway in logs, traces and metrics.
const ServiceName = "nodesense-gateway"

// Pinger reports whether the shared counter store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IntegrityProber forces a unique-constraint violation on the database.
type IntegrityProber interface {
	ProbeUniqueViolation(ctx context.Context) (*pq.Error, error)
}

// Deps are the process-wide clients the gateway is built from. Limiter, Verifier and
// Collector are required; a nil Introspector, Alerts or Prober degrades the matching
// routes (503, empty list and 503 respectively).
type Deps struct {
	Log          *structlog.Logger
	Metrics      *metrics.Registry
	Limiter      *ratelimit.Limiter
	Redis        Pinger
	Verifier     *auth.Verifier
	Authorizer   *auth.Authorizer
	Login        *auth.LoginClient
	Collector    *proxy.Router
	Introspector *orchestrator.Introspector
	Alerts       *alerts.Reader
	Prober       IntegrityProber
}

// Server owns the route table.
type Server struct {
	cfg          Config
	log          *structlog.Logger
	metrics      *metrics.Registry
	limiter      *ratelimit.Limiter
	redis        Pinger
	verifier     *auth.Verifier
	authorizer   *auth.Authorizer
	login        *auth.LoginClient
	collector    *proxy.Router
	introspector *orchestrator.Introspector
	alerts       *alerts.Reader
	prober       IntegrityProber
	now          func() time.Time

	router chi.Router
}

// New wires the middleware chain and routes.
func New(cfg Config, d Deps) (*Server, error) {
	if d.Limiter == nil {
		return nil, errors.New("gateway: rate limiter is required")
	}
	if d.Verifier == nil {
		return nil, errors.New("gateway: token verifier is required")
	}
	if d.Collector == nil {
		return nil, errors.New("gateway: collector router is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	s := &Server{
		cfg:          cfg,
		log:          d.Log,
		metrics:      d.Metrics,
		limiter:      d.Limiter,
		redis:        d.Redis,
		verifier:     d.Verifier,
		authorizer:   d.Authorizer,
		login:        d.Login,
		collector:    d.Collector,
		introspector: d.Introspector,
		alerts:       d.Alerts,
		prober:       d.Prober,
		now:          time.Now,
	}
	if s.log == nil {
		s.log = structlog.Nop()
	}
	if s.authorizer == nil {
		s.authorizer = auth.NewAuthorizer(nil, s.log)
	}
	if s.introspector == nil {
		s.introspector = orchestrator.NewIntrospector(nil, 0)
	}
	if s.alerts == nil {
		s.alerts = alerts.NewReader(nil, 0, s.log)
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(otelobs.HTTPTraceLogMiddleware(s.log, ClientID))
	r.Use(s.observe)
	r.Use(s.recoverer)
	r.Use(s.securityHeaders)
	r.Use(s.rateLimit)

	r.Get("/health", s.handleHealth)
	r.Get("/ping", s.handlePing)
	r.Post("/api/login", s.handleLogin)

	authenticate := auth.Authenticate(s.verifier, s.log)
	admin := s.authorizer.Middleware(auth.RoleAdmin)

	r.Group(func(r chi.Router) {
		r.Use(authenticate)
		r.Post("/ingest", s.forwardTo("/ingest"))
		r.Get("/api/nodes", s.forwardTo("/nodes"))
		r.Get("/api/system/alerts", s.handleAlerts)
		r.Post("/api/debug/db-error", s.handleDBError)

		r.Group(func(r chi.Router) {
			r.Use(admin)
			r.Delete("/api/nodes", s.forwardTo("/nodes"))
			r.Delete("/api/nodes/{id}", s.handleDeleteNode)
			r.Get("/api/system/topology", s.handleTopology)
			r.Get("/api/system/logs/{service}", s.handleLogs)
		})
	})

	// Anything else, including a known path with an unrouted method, goes to the collector.
	// Collector operations behind admin-only routes keep their admin check there too.
	passthrough := authenticate(guardAdminTargets(admin, http.HandlerFunc(s.handlePassthrough)))
	r.NotFound(passthrough.ServeHTTP)
	r.MethodNotAllowed(passthrough.ServeHTTP)
	return r
}

// adminTargets are the collector operations that the named routes only expose to admins.
var adminTargets = []struct{ method, path string }{
	{http.MethodDelete, "/nodes"},
}

// isAdminTarget reports whether r, forwarded as is, would reach one of adminTargets.
// The path is decoded and cleaned first so escapes, dot segments and trailing slashes
// cannot dodge the match.
func isAdminTarget(r *http.Request) bool {
	p := path.Clean("/" + r.URL.Path)
	for _, t := range adminTargets {
		if strings.EqualFold(r.Method, t.method) && (p == t.path || strings.HasPrefix(p, t.path+"/")) {
			return true
		}
	}
	return false
}

func guardAdminTargets(admin func(http.Handler) http.Handler, next http.Handler) http.Handler {
	guarded := admin(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAdminTarget(r) {
			guarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler is the traced root handler for the main listener.
func (s *Server) Handler() http.Handler {
	return otelobs.WrapHTTPHandler(ServiceName, s.router)
}
