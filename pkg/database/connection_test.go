package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	cfg := DBConfig{Port: 5432, User: "admin", Password: "it's secret", DBName: "nodesense", SSLMode: "disable", ConnectTimeout: 3 * time.Second}
	assert.Equal(t,
		`host=timescaledb port=5432 user=admin password='it\'s secret' dbname=nodesense sslmode=disable connect_timeout=3`,
		cfg.DSN("timescaledb"))

	cfg.Password = ""
	cfg.ConnectTimeout = 100 * time.Millisecond
	assert.Equal(t, "host=db port=5432 user=admin dbname=nodesense sslmode=disable connect_timeout=1", cfg.DSN("db"))
}

func TestOpenIsLazyAndReplicasRoundRobin(t *testing.T) {
	db, err := Open(DBConfig{Host: "127.0.0.1", Port: 1, DBName: "x", ReplicaHosts: []string{"r1", "r2"}})
	require.NoError(t, err)
	defer db.Close()

	require.Len(t, db.Replicas, 2)
	assert.Same(t, db.Replicas[0], db.Reader())
	assert.Same(t, db.Replicas[1], db.Reader())
	assert.Same(t, db.Replicas[0], db.Reader())
}

func TestReaderFallsBackToPrimary(t *testing.T) {
	db, err := Open(DBConfig{Host: "127.0.0.1", Port: 1, DBName: "x"})
	require.NoError(t, err)
	defer db.Close()
	assert.Same(t, db.Primary, db.Reader())
}

func TestUnreachableDatabase(t *testing.T) {
	db, err := Open(DBConfig{Host: "127.0.0.1", Port: 1, DBName: "x", User: "u", ConnectTimeout: time.Second})
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.ErrorIs(t, db.Ping(ctx), ErrUnavailable)

	pqErr, err := db.ProbeUniqueViolation(ctx)
	assert.Nil(t, pqErr)
	assert.ErrorIs(t, err, ErrUnavailable)
}
