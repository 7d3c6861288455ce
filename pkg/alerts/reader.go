// Package alerts reads alert records written by the alerting service.
package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"nodesense/pkg/database"
	"nodesense/pkg/structlog"
)

// RecentLimit caps how many alerts a read returns.
const RecentLimit = 50

const recentQuery = `SELECT id, node_id, message, timestamp, read FROM alerts ORDER BY timestamp DESC LIMIT $1`

// Alert is one persisted alert. The gateway never writes alerts.
type Alert struct {
	ID        int64     `json:"id"`
	NodeID    string    `json:"node_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

// Store fetches the newest alerts first.
type Store interface {
	Recent(ctx context.Context, limit int) ([]Alert, error)
}

// PostgresStore reads the alerts table, from a replica when one is configured.
type PostgresStore struct {
	db *database.Database
}

func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.db.Query(ctx, recentQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]Alert, 0, limit)
	for rows.Next() {
		var (
			a       Alert
			nodeID  sql.NullString
			message sql.NullString
			read    sql.NullBool
		)
		if err := rows.Scan(&a.ID, &nodeID, &message, &a.Timestamp, &read); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.NodeID, a.Message, a.Read = nodeID.String, message.String, read.Bool
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// Reader is the degradation boundary: a failed read is logged and reported as no alerts.
type Reader struct {
	store   Store
	timeout time.Duration
	log     *structlog.Logger
}

// NewReader wraps store; a nil store always yields an empty list.
func NewReader(store Store, timeout time.Duration, log *structlog.Logger) *Reader {
	if log == nil {
		log = structlog.Nop()
	}
	return &Reader{store: store, timeout: timeout, log: log}
}

// Recent never fails. The result is non-nil so it encodes as [].
func (r *Reader) Recent(ctx context.Context) []Alert {
	if r.store == nil {
		return []Alert{}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	alerts, err := r.store.Recent(ctx, RecentLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.log.WithContext(ctx).Warn("alert read failed; returning empty list", structlog.Fields{"error": err})
		}
		return []Alert{}
	}
	if alerts == nil {
		return []Alert{}
	}
	if len(alerts) > RecentLimit {
		alerts = alerts[:RecentLimit]
	}
	return alerts
}
