package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wandererhq/connector/errs"
)

type fakeConn struct {
	mu     sync.Mutex
	closed bool

	execSQL      []string
	execArgs     [][]any
	execAffected int64
	execErr      error

	queryFn    func(sql string, args []any) (Rows, error)
	queryRowFn func(sql string, args []any) Row
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execSQL = append(c.execSQL, sql)
	c.execArgs = append(c.execArgs, args)
	return c.execAffected, c.execErr
}

func (c *fakeConn) Query(_ context.Context, sql string, args ...any) (Rows, error) {
	if c.queryFn == nil {
		return nil, errors.New("query not scripted")
	}
	return c.queryFn(sql, args)
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, args ...any) Row {
	if c.queryRowFn == nil {
		panic("query row not scripted")
	}
	return c.queryRowFn(sql, args)
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	conn := &fakeConn{}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestPool(t *testing.T, dialer Dialer, capacity int, timeout time.Duration) *Pool {
	t.Helper()
	p, err := NewPool(dialer, capacity, timeout, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool(nil, 1, time.Second, nil); !errs.HasCode(err, errs.CodeConfiguration) {
		t.Fatalf("expected configuration error for nil dialer, got %v", err)
	}
	if _, err := NewPool(&fakeDialer{}, 0, time.Second, nil); !errs.HasCode(err, errs.CodeConfiguration) {
		t.Fatalf("expected configuration error for zero capacity, got %v", err)
	}
	if _, err := NewPool(&fakeDialer{}, 1, 0, nil); !errs.HasCode(err, errs.CodeConfiguration) {
		t.Fatalf("expected configuration error for zero timeout, got %v", err)
	}
}

func TestAcquireExhaustion(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, 2, 30*time.Millisecond)
	defer pool.Close()

	first, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	second, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	// Capacity is two; a third acquire must time out, never over-allocate.
	if _, err := pool.Acquire(context.Background()); !errs.HasCode(err, errs.CodePoolExhausted) {
		t.Fatalf("expected pool_exhausted, got %v", err)
	}

	pool.Release(first)
	third, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	pool.Release(second)
	pool.Release(third)
}

func TestAcquireReusesIdleConnection(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, 2, time.Second)
	defer pool.Close()

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(conn)

	again, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire again: %v", err)
	}
	pool.Release(again)

	if got := dialer.dialCount(); got != 1 {
		t.Fatalf("expected a single dial for reused connection, got %d", got)
	}
}

func TestBrokenConnectionReplaced(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, 1, time.Second)
	defer pool.Close()

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	conn.MarkBroken()
	pool.Release(conn)

	if !dialer.conns[0].isClosed() {
		t.Fatal("broken connection should be closed on release")
	}

	replacement, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire replacement: %v", err)
	}
	pool.Release(replacement)

	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("expected a fresh dial after broken release, got %d dials", got)
	}
}

func TestDialFailureReleasesCapacity(t *testing.T) {
	dialer := &fakeDialer{dialErr: errors.New("connection refused")}
	pool := newTestPool(t, dialer, 1, 50*time.Millisecond)
	defer pool.Close()

	if _, err := pool.Acquire(context.Background()); !errs.HasCode(err, errs.CodeConnectionLost) {
		t.Fatalf("expected connection_lost on dial failure, got %v", err)
	}

	// Failed dial must not leak the capacity slot.
	dialer.mu.Lock()
	dialer.dialErr = nil
	dialer.mu.Unlock()
	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after dialer recovered: %v", err)
	}
	pool.Release(conn)
}

func TestAcquireCancelled(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, 1, time.Second)
	defer pool.Close()

	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.Release(held)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Acquire(ctx); err == nil {
		t.Fatal("expected error for cancelled acquire")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, 1, time.Second)
	defer pool.Close()

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(conn)
	// A second release of the same handle must not free extra capacity.
	pool.Release(conn)

	first, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer pool.Release(first)

	shortPool := pool
	if _, err := shortPool.Acquire(cancelledContext()); err == nil {
		t.Fatal("expected second concurrent acquire to fail at capacity one")
	}
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func TestCloseDrainsIdle(t *testing.T) {
	dialer := &fakeDialer{}
	pool := newTestPool(t, dialer, 2, time.Second)

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	pool.Release(conn)

	pool.Close()
	if !dialer.conns[0].isClosed() {
		t.Fatal("idle connection should be closed by pool close")
	}

	if _, err := pool.Acquire(context.Background()); err == nil {
		t.Fatal("expected acquire on closed pool to fail")
	}
}
