// Package resource provisions the runtime's pooled external resources: the
// relational database, the Redis connection pool and the pub/sub client.
package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/dorcha-inc/burrow/internal/config"
	"github.com/dorcha-inc/burrow/internal/core"
	"github.com/dorcha-inc/burrow/internal/pool"
)

// DatabasePoolName labels the database pool in logs and metrics.
const DatabasePoolName = "database"

// Database is a database handle with a bounded pool of dedicated connections.
type Database struct {
	db   *sql.DB
	pool *pool.Pool[*sql.Conn]
}

type sqlConnFactory struct {
	db *sql.DB
}

func (f sqlConnFactory) Dial(ctx context.Context) (*sql.Conn, error) {
	return f.db.Conn(ctx)
}

func (f sqlConnFactory) Alive(ctx context.Context, conn *sql.Conn) error {
	return conn.PingContext(ctx)
}

func (f sqlConnFactory) Close(conn *sql.Conn) error {
	return conn.Close()
}

// OpenDatabase opens the configured database and verifies it is reachable.
func OpenDatabase(ctx context.Context, s config.Settings, clock clockwork.Clock) (*Database, error) {
	if _, ok := config.ValidDatabaseDrivers()[s.DatabaseDriver]; !ok {
		return nil, core.NewConfigError("database_driver must be one of: %s, got '%s'",
			core.JoinMapKeys(config.ValidDatabaseDrivers()), s.DatabaseDriver)
	}

	db, err := sql.Open(string(s.DatabaseDriver), s.DatabaseURL)
	if err != nil {
		return nil, core.NewConfigError("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(s.DatabasePoolSize)
	db.SetMaxIdleConns(s.DatabasePoolSize)

	pingCtx, cancel := clockwork.WithTimeout(ctx, clock, s.PoolWaitTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		core.LogDeferredError(db.Close)
		return nil, core.WrapError(core.KindConnectionBroken, "connect database", err)
	}

	p, err := pool.New[*sql.Conn](sqlConnFactory{db: db}, pool.Options{
		Name:        DatabasePoolName,
		Size:        s.DatabasePoolSize,
		WaitTimeout: s.PoolWaitTimeout,
		Clock:       clock,
	})
	if err != nil {
		core.LogDeferredError(db.Close)
		return nil, err
	}

	zap.L().Info("Database pool ready",
		zap.String("driver", string(s.DatabaseDriver)),
		zap.Int("pool_size", s.DatabasePoolSize))

	return &Database{db: db, pool: p}, nil
}

// Pool returns the connection pool.
func (d *Database) Pool() *pool.Pool[*sql.Conn] {
	return d.pool
}

// DB returns the underlying handle.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close closes the pool, then the handle.
func (d *Database) Close() error {
	return errors.Join(d.pool.Close(), d.db.Close())
}

// QueryResult is the JSON shape of a query returned to guest code.
type QueryResult struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

// Query runs query on conn and collects every row keyed by column name.
func Query(ctx context.Context, conn *sql.Conn, query string, args ...any) (*QueryResult, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer core.LogDeferredError(rows.Close)

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	result := &QueryResult{Columns: columns, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
