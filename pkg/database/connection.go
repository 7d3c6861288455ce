package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// ErrUnavailable wraps failures to reach the database at all.
var ErrUnavailable = errors.New("database unavailable")

// DBConfig configuration for database connection
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	ConnectTimeout time.Duration

	// Read replicas share port, credentials and database name with the primary.
	ReplicaHosts []string
}

// Database is a primary plus optional read replicas. Connections are opened lazily, so an
// unreachable server only surfaces on the first query.
type Database struct {
	Primary  *sql.DB
	Replicas []*sql.DB
	config   DBConfig

	mu      sync.Mutex
	rrIndex int
}

func (c *DBConfig) applyDefaults() {
	if c.Port == 0 {
		c.Port = 5432
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = time.Minute
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// Open prepares pools for the primary and every replica without connecting.
func Open(config DBConfig) (*Database, error) {
	config.applyDefaults()
	db := &Database{config: config}

	primary, err := db.open(config.Host)
	if err != nil {
		return nil, err
	}
	db.Primary = primary
	for _, host := range config.ReplicaHosts {
		replica, err := db.open(host)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("replica %s: %w", host, err)
		}
		db.Replicas = append(db.Replicas, replica)
	}
	return db, nil
}

func (db *Database) open(host string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", db.config.DSN(host))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	conn.SetMaxOpenConns(db.config.MaxOpenConns)
	conn.SetMaxIdleConns(db.config.MaxIdleConns)
	conn.SetConnMaxLifetime(db.config.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(db.config.ConnMaxIdleTime)
	return conn, nil
}

// DSN renders a lib/pq key=value connection string for host.
func (c DBConfig) DSN(host string) string {
	pairs := []struct{ k, v string }{
		{"host", host},
		{"port", strconv.Itoa(c.Port)},
		{"user", c.User},
		{"password", c.Password},
		{"dbname", c.DBName},
		{"sslmode", c.SSLMode},
		{"connect_timeout", strconv.Itoa(max(1, int(c.ConnectTimeout.Seconds())))},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		parts = append(parts, p.k+"="+quoteDSNValue(p.v))
	}
	return strings.Join(parts, " ")
}

func quoteDSNValue(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// Reader returns a replica (round-robin) or the primary when none is configured.
func (db *Database) Reader() *sql.DB {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.Replicas) == 0 {
		return db.Primary
	}
	r := db.Replicas[db.rrIndex]
	db.rrIndex = (db.rrIndex + 1) % len(db.Replicas)
	return r
}

// Query executes a read query on a replica (or primary if no replicas)
func (db *Database) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.Reader().QueryContext(ctx, query, args...)
}

// Ping checks connectivity to all databases
func (db *Database) Ping(ctx context.Context) error {
	if err := db.Primary.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: primary: %v", ErrUnavailable, err)
	}
	for i, replica := range db.Replicas {
		if err := replica.PingContext(ctx); err != nil {
			return fmt.Errorf("%w: replica %d: %v", ErrUnavailable, i, err)
		}
	}
	return nil
}

// Close closes all database connections
func (db *Database) Close() error {
	var errs []error
	if db.Primary != nil {
		if err := db.Primary.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close primary: %w", err))
		}
	}
	for i, replica := range db.Replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close replica %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
