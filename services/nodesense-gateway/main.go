package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"nodesense/pkg/alerts"
	"nodesense/pkg/auth"
	"nodesense/pkg/database"
	"nodesense/pkg/gateway"
	"nodesense/pkg/metrics"
	otelobs "nodesense/pkg/observability/otel"
	"nodesense/pkg/orchestrator"
	"nodesense/pkg/policy"
	"nodesense/pkg/proxy"
	"nodesense/pkg/ratelimit"
	"nodesense/pkg/structlog"
)

func main() {
	cfg := gateway.LoadConfig()
	log := structlog.NewLogger(gateway.ServiceName, structlog.ParseLevel(cfg.LogLevel), os.Stdout)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("gateway stopped with error", structlog.Fields{"error": err})
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("gateway stopped", nil)
}

func run(cfg gateway.Config, log *structlog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := otelobs.InitTracer(ctx, gateway.ServiceName, cfg.OTLPEndpoint, log)
	defer flush(log, "tracer", shutdownTracer)
	if cfg.OTLPEndpoint != "" {
		exp, err := metrics.NewOTelExporter(ctx, gateway.ServiceName, cfg.OTLPEndpoint, 30*time.Second)
		if err != nil {
			log.Warn("otel metrics exporter disabled", structlog.Fields{"error": err})
		} else {
			defer flush(log, "otel metrics", exp.Shutdown)
		}
	}
	reg := metrics.NewRegistry("nodesense")

	deps := gateway.Deps{Log: log, Metrics: reg}

	store, closeStore, err := counterStore(cfg, &deps)
	if err != nil {
		return err
	}
	defer closeStore()
	deps.Limiter, err = ratelimit.NewLimiter(store, cfg.RateLimitMax, cfg.RateLimitWindow)
	if err != nil {
		return err
	}

	idpClient := &http.Client{Transport: otelobs.WrapHTTPTransport(http.DefaultTransport.(*http.Transport).Clone())}
	deps.Verifier = auth.NewVerifier(auth.VerifierConfig{
		IssuerURL:      cfg.IdPURL,
		Realm:          cfg.Realm,
		HTTPClient:     idpClient,
		Timeout:        cfg.IdPTimeout,
		VerifyAudience: cfg.VerifyAudience,
		Audience:       cfg.Audience,
		CacheTTL:       cfg.JWKSCacheTTL,
	})
	deps.Login = auth.NewLoginClient(cfg.IdPURL, cfg.Realm, cfg.ClientID, cfg.ClientSecret, idpClient, cfg.IdPTimeout)

	var engine policy.Engine
	if cfg.PolicyFile != "" {
		rego, err := policy.LoadRego(ctx, cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("load authorization policy: %w", err)
		}
		engine = rego
		log.Info("authorization policy loaded", structlog.Fields{"file": cfg.PolicyFile})
	}
	deps.Authorizer = auth.NewAuthorizer(engine, log)

	deps.Collector, err = proxy.NewRouter(proxy.Config{
		BaseURL:   cfg.CollectorURL,
		Transport: otelobs.WrapHTTPTransport(proxy.NewTransport()),
		Timeout:   cfg.UpstreamTimeout,
	})
	if err != nil {
		return err
	}

	if cfg.Orchestrator {
		swarm, err := orchestrator.NewSwarmBackend(orchestrator.SwarmConfig{
			Host:    cfg.DockerHost,
			TLSCA:   cfg.DockerTLSCA,
			TLSCert: cfg.DockerTLSCert,
			TLSKey:  cfg.DockerTLSKey,
		})
		if err != nil {
			log.Warn("orchestrator introspection disabled", structlog.Fields{"error": err})
		} else {
			defer swarm.Close()
			deps.Introspector = orchestrator.NewIntrospector(swarm, cfg.DockerTimeout)
		}
	}

	db, err := database.Open(database.DBConfig{
		Host:           cfg.DBHost,
		Port:           cfg.DBPort,
		User:           cfg.DBUser,
		Password:       cfg.DBPassword,
		DBName:         cfg.DBName,
		SSLMode:        cfg.DBSSLMode,
		ConnectTimeout: cfg.DBTimeout,
		ReplicaHosts:   cfg.DBReplicaHosts,
	})
	if err != nil {
		log.Warn("database disabled; alerts will be empty", structlog.Fields{"error": err})
		deps.Alerts = alerts.NewReader(nil, cfg.DBTimeout, log)
	} else {
		defer db.Close()
		deps.Alerts = alerts.NewReader(alerts.NewPostgresStore(db), cfg.DBTimeout, log)
		deps.Prober = db
	}

	srv, err := gateway.New(cfg, deps)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, log, srv.Handler(), reg.Handler())
}

// counterStore builds the rate-limit backend and, for Redis, the health pinger.
func counterStore(cfg gateway.Config, deps *gateway.Deps) (ratelimit.CounterStore, func(), error) {
	if cfg.RateLimitBackend == "memory" {
		deps.Log.Warn("in-memory rate limiting: counts are not shared between replicas", nil)
		return ratelimit.NewMemoryStore(nil), func() {}, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opt.DialTimeout = cfg.RedisTimeout
	opt.ReadTimeout = cfg.RedisTimeout
	opt.WriteTimeout = cfg.RedisTimeout
	rdb := redis.NewClient(opt)
	store := ratelimit.NewRedisStore(rdb, cfg.RateLimitAtomic, cfg.RedisTimeout)
	deps.Redis = store
	return store, func() { _ = rdb.Close() }, nil
}

func serve(ctx context.Context, cfg gateway.Config, log *structlog.Logger, handler, metricsHandler http.Handler) error {
	api := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsHandler)
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}

	var h3 *http3.Server
	if cfg.HTTP3Addr != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load tls key pair: %w", err)
		}
		h3 = &http3.Server{
			Addr:      cfg.HTTP3Addr,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}),
			QUICConfig: &quic.Config{
				MaxIdleTimeout:  30 * time.Second,
				KeepAlivePeriod: 10 * time.Second,
			},
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", structlog.Fields{"addr": cfg.Addr, "tls": cfg.TLSCert != "", "replica": cfg.ReplicaID})
		var err error
		if cfg.TLSCert != "" {
			err = api.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = api.ListenAndServe()
		}
		return ignoreClosed(err)
	})
	g.Go(func() error {
		log.Info("metrics listening", structlog.Fields{"addr": cfg.MetricsAddr})
		return ignoreClosed(metricsSrv.ListenAndServe())
	})
	if h3 != nil {
		g.Go(func() error {
			log.Info("http/3 listening", structlog.Fields{"addr": cfg.HTTP3Addr})
			err := h3.ListenAndServe()
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", structlog.Fields{"timeout": cfg.ShutdownTimeout.String()})
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		errs := []error{api.Shutdown(sctx), metricsSrv.Shutdown(sctx)}
		if h3 != nil {
			errs = append(errs, h3.Close())
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func flush(log *structlog.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn("flush failed", structlog.Fields{"component": what, "error": err})
	}
}
