// Package store provides the bounded connection pool and blocking command
// executor bridging the service's async surface and the synchronous datastore.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Rows is the cursor surface of a multi-row query result.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Row is the scan surface of a single-row query result.
type Row interface {
	Scan(dest ...any) error
}

// Conn is the command surface of one exclusively-owned physical connection.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Dialer establishes new physical connections for the pool.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// PgxDialer dials Postgres connections via pgx.
type PgxDialer struct {
	URL string
}

// Dial opens one pgx connection to the configured endpoint.
func (d PgxDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, d.URL)
	if err != nil {
		return nil, fmt.Errorf("dial postgres: %w", err)
	}
	return &pgxConn{conn: conn}, nil
}

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c *pgxConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *pgxConn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *pgxConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
