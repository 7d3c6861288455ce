package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const uniqueViolation = pq.ErrorCode("23505")

// ProbeUniqueViolation inserts the same key twice into a transaction-scoped temporary
// table and returns the server's unique-violation error. Nothing persists: the
// transaction is always rolled back. A non-nil error means the probe itself failed.
func (db *Database) ProbeUniqueViolation(ctx context.Context) (*pq.Error, error) {
	tx, err := db.Primary.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE integrity_probe (id integer PRIMARY KEY) ON COMMIT DROP`); err != nil {
		return nil, fmt.Errorf("create probe table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO integrity_probe (id) VALUES (1)`); err != nil {
		return nil, fmt.Errorf("first probe insert: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO integrity_probe (id) VALUES (1)`)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr, nil
	}
	if err == nil {
		return nil, errors.New("duplicate insert unexpectedly succeeded")
	}
	return nil, fmt.Errorf("second probe insert: %w", err)
}
