package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wandererhq/connector/errs"
	"github.com/wandererhq/connector/lib/async"
)

// Command is one blocking round-trip executed against an exclusively-owned
// connection. The context is the caller's; the connection must not outlive the call.
type Command func(ctx context.Context, conn Conn) error

// Executor runs blocking datastore commands on a bounded worker pool so the
// calling goroutine awaits the result without executing the round-trip inline.
type Executor struct {
	pool    *Pool
	workers *async.Pool
}

// NewExecutor wires the connection pool to the worker pool.
func NewExecutor(pool *Pool, workers *async.Pool) (*Executor, error) {
	if pool == nil {
		return nil, errs.New("store/executor", errs.CodeConfiguration, errs.WithMessage("connection pool required"))
	}
	if workers == nil {
		return nil, errs.New("store/executor", errs.CodeConfiguration, errs.WithMessage("worker pool required"))
	}
	return &Executor{pool: pool, workers: workers}, nil
}

// Execute offloads cmd to a worker, scoped to one pooled connection that is
// released on every exit path including panics. Once dispatched the command
// runs to completion; there is no mid-flight cancellation. Cancelling ctx
// stops waiting for acquisition, and makes the caller stop awaiting a command
// already in flight, but the round-trip itself finishes on the worker.
func (e *Executor) Execute(ctx context.Context, cmd Command) error {
	if cmd == nil {
		return errs.New("store/execute", errs.CodeInternal, errs.WithMessage("command must not be nil"))
	}
	return e.workers.Do(ctx, func(taskCtx context.Context) error {
		return e.run(taskCtx, cmd)
	})
}

func (e *Executor) run(ctx context.Context, cmd Command) (err error) {
	conn, acquireErr := e.pool.Acquire(ctx)
	if acquireErr != nil {
		return acquireErr
	}
	defer func() {
		if r := recover(); r != nil {
			conn.MarkBroken()
			err = errs.New("store/execute", errs.CodeInternal,
				errs.WithMessage(fmt.Sprintf("command panic: %v", r)))
		}
		e.pool.Release(conn)
	}()

	// Acquisition honours the caller's deadline; the round-trip itself must
	// not be torn down by a caller disconnect.
	if err := cmd(context.WithoutCancel(ctx), conn); err != nil {
		if isConnFailure(err) {
			conn.MarkBroken()
		}
		return err
	}
	return nil
}

// Classify maps a datastore-level failure onto the connector error taxonomy.
// Already-classified errors pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *errs.E
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New(op, errs.CodeNotFound, errs.WithCause(err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgerrcode.UniqueViolation:
			return errs.New(op, errs.CodeConflict,
				errs.WithMessage(pgErr.ConstraintName), errs.WithCause(err))
		case pgerrcode.IsConnectionException(pgErr.Code):
			return errs.New(op, errs.CodeConnectionLost, errs.WithCause(err))
		}
	}
	if isConnFailure(err) {
		return errs.New(op, errs.CodeConnectionLost, errs.WithCause(err))
	}
	return errs.New(op, errs.CodeInternal, errs.WithCause(err))
}

func isConnFailure(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code)
	}
	return pgconn.Timeout(err)
}
