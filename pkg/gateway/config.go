package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"nodesense/shared/config"
)

// Config is the full gateway configuration, read from the environment.
type Config struct {
	Addr        string
	MetricsAddr string
	HTTP3Addr   string
	TLSCert     string
	TLSKey      string
	ReplicaID   string
	LogLevel    string

	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	RedisURL          string
	RedisTimeout      time.Duration
	RateLimitBackend  string // "redis" or "memory"
	RateLimitWindow   time.Duration
	RateLimitMax      int64
	RateLimitAtomic   bool
	RateLimitFailOpen bool

	CollectorURL    string
	UpstreamTimeout time.Duration

	IdPURL         string
	Realm          string
	ClientID       string
	ClientSecret   string
	IdPTimeout     time.Duration
	VerifyAudience bool
	Audience       string
	JWKSCacheTTL   time.Duration
	PolicyFile     string

	DockerHost    string
	DockerTLSCA   string
	DockerTLSCert string
	DockerTLSKey  string
	DockerTimeout time.Duration
	Orchestrator  bool

	DBHost         string
	DBPort         int
	DBName         string
	DBUser         string
	DBPassword     string
	DBSSLMode      string
	DBReplicaHosts []string
	DBTimeout      time.Duration

	OTLPEndpoint string

	// loadErr holds variables that were set but unparsable.
	loadErr error
}

// LoadConfig reads the environment. Defaults match the compose deployment.
func LoadConfig() Config {
	replica, _ := os.Hostname()
	env := config.NewLoader()
	cfg := Config{
		Addr:            env.Get("GATEWAY_ADDR", ":8000"),
		MetricsAddr:     env.Get("METRICS_ADDR", ":9090"),
		HTTP3Addr:       env.Get("GATEWAY_HTTP3_ADDR", ""),
		TLSCert:         env.Get("GATEWAY_TLS_CERT", ""),
		TLSKey:          env.Get("GATEWAY_TLS_KEY", ""),
		ReplicaID:       env.Get("REPLICA_ID", env.Get("HOSTNAME", replica)),
		LogLevel:        env.Get("LOG_LEVEL", "info"),
		ShutdownTimeout: env.Duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    env.Int64("MAX_BODY_BYTES", 10<<20),

		RedisURL:          env.Get("REDIS_URL", "redis://redis:6379"),
		RedisTimeout:      env.Duration("REDIS_TIMEOUT", 2*time.Second),
		RateLimitBackend:  env.Get("RATE_LIMIT_BACKEND", "redis"),
		RateLimitWindow:   env.Duration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitMax:      env.Int64("RATE_LIMIT_MAX_REQUESTS", 100),
		RateLimitAtomic:   env.Bool("RATE_LIMIT_ATOMIC", false),
		RateLimitFailOpen: env.Bool("RATE_LIMIT_FAIL_OPEN", false),

		CollectorURL:    env.Get("COLLECTOR_URL", "http://collector:3000"),
		UpstreamTimeout: env.Duration("UPSTREAM_TIMEOUT", 5*time.Second),

		IdPURL:         env.Get("IDP_URL", env.Get("KEYCLOAK_URL", "http://keycloak:8080")),
		Realm:          env.Get("REALM", "NodeSense"),
		ClientID:       env.Get("CLIENT_ID", "gateway-client"),
		ClientSecret:   env.Get("CLIENT_SECRET", ""),
		IdPTimeout:     env.Duration("IDP_TIMEOUT", 5*time.Second),
		VerifyAudience: env.Bool("AUTH_VERIFY_AUDIENCE", false),
		Audience:       env.Get("AUTH_AUDIENCE", "account"),
		JWKSCacheTTL:   env.Duration("JWKS_CACHE_TTL", 0),
		PolicyFile:     env.Get("AUTHZ_POLICY_FILE", ""),

		DockerHost:    env.Get("DOCKER_HOST", ""),
		DockerTLSCA:   env.Get("DOCKER_TLS_CA", ""),
		DockerTLSCert: env.Get("DOCKER_TLS_CERT", ""),
		DockerTLSKey:  env.Get("DOCKER_TLS_KEY", ""),
		DockerTimeout: env.Duration("DOCKER_TIMEOUT", 5*time.Second),
		Orchestrator:  env.Bool("ORCHESTRATOR_ENABLED", true),

		DBHost:         env.Get("DB_HOST", "timescaledb"),
		DBPort:         env.Int("DB_PORT", 5432),
		DBName:         env.Get("DB_NAME", "nodesense"),
		DBUser:         env.Get("DB_USER", "nodesense"),
		DBPassword:     env.Get("DB_PASS", "nodesensepass"),
		DBSSLMode:      env.Get("DB_SSLMODE", "disable"),
		DBReplicaHosts: env.List("DB_REPLICA_HOSTS"),
		DBTimeout:      env.Duration("DB_TIMEOUT", 3*time.Second),

		OTLPEndpoint: env.Get("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
	cfg.loadErr = env.Err()
	return cfg
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.loadErr != nil {
		errs = append(errs, c.loadErr)
	}
	if c.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be positive, got %s", c.RateLimitWindow))
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX_REQUESTS must be positive, got %d", c.RateLimitMax))
	}
	switch c.RateLimitBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be redis or memory, got %q", c.RateLimitBackend))
	}
	for name, raw := range map[string]string{"COLLECTOR_URL": c.CollectorURL, "IDP_URL": c.IdPURL} {
		if err := checkURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.RateLimitBackend == "redis" {
		if _, err := url.Parse(c.RedisURL); err != nil || c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL %q is not a valid url", c.RedisURL))
		}
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("GATEWAY_TLS_CERT and GATEWAY_TLS_KEY must be set together"))
	}
	if c.HTTP3Addr != "" && c.TLSCert == "" {
		errs = append(errs, errors.New("GATEWAY_HTTP3_ADDR requires GATEWAY_TLS_CERT and GATEWAY_TLS_KEY"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes))
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q needs scheme and host", raw)
	}
	return nil
}
