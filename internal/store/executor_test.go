package store

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wandererhq/connector/errs"
	"github.com/wandererhq/connector/lib/async"
)

func newTestExecutor(t *testing.T, dialer Dialer) (*Executor, *Pool) {
	t.Helper()
	pool := newTestPool(t, dialer, 1, 100*time.Millisecond)
	workers, err := async.NewPool(2, 4)
	if err != nil {
		t.Fatalf("new worker pool: %v", err)
	}
	t.Cleanup(func() {
		workers.Close()
		pool.Close()
	})
	exec, err := NewExecutor(pool, workers)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return exec, pool
}

func TestExecuteRunsCommand(t *testing.T) {
	dialer := &fakeDialer{}
	exec, _ := newTestExecutor(t, dialer)

	ran := false
	err := exec.Execute(context.Background(), func(_ context.Context, conn Conn) error {
		if conn == nil {
			t.Error("command received nil connection")
		}
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ran {
		t.Fatal("command did not run")
	}
}

func TestExecuteReleasesOnError(t *testing.T) {
	dialer := &fakeDialer{}
	exec, pool := newTestExecutor(t, dialer)

	want := errors.New("command failed")
	if err := exec.Execute(context.Background(), func(context.Context, Conn) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected command error relayed, got %v", err)
	}

	// Capacity one: the connection must have been released.
	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("pool leaked its connection: %v", err)
	}
	pool.Release(conn)
}

func TestExecuteReleasesOnPanic(t *testing.T) {
	dialer := &fakeDialer{}
	exec, pool := newTestExecutor(t, dialer)

	err := exec.Execute(context.Background(), func(context.Context, Conn) error {
		panic("command exploded")
	})
	if !errs.HasCode(err, errs.CodeInternal) {
		t.Fatalf("expected internal error from panicking command, got %v", err)
	}

	conn, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("pool leaked its connection after panic: %v", err)
	}
	pool.Release(conn)
}

func TestExecuteMarksBrokenOnConnFailure(t *testing.T) {
	dialer := &fakeDialer{}
	exec, _ := newTestExecutor(t, dialer)

	if err := exec.Execute(context.Background(), func(context.Context, Conn) error {
		return net.ErrClosed
	}); err == nil {
		t.Fatal("expected error relayed")
	}

	if !dialer.conns[0].isClosed() {
		t.Fatal("connection should be closed after transport failure")
	}

	// Next command gets a fresh connection.
	if err := exec.Execute(context.Background(), func(context.Context, Conn) error { return nil }); err != nil {
		t.Fatalf("execute after broken connection: %v", err)
	}
	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("expected replacement dial, got %d dials", got)
	}
}

func TestExecuteCommandSurvivesCallerCancellation(t *testing.T) {
	dialer := &fakeDialer{}
	exec, pool := newTestExecutor(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	release := make(chan struct{})
	cmdCtxErr := make(chan error, 1)
	go func() {
		_ = exec.Execute(ctx, func(cmdCtx context.Context, _ Conn) error {
			close(started)
			<-release
			cmdCtxErr <- cmdCtx.Err()
			return nil
		})
	}()

	<-started
	cancel()
	close(release)

	// The dispatched round-trip keeps its context alive past the caller's
	// disconnect.
	select {
	case err := <-cmdCtxErr:
		if err != nil {
			t.Fatalf("command context cancelled mid-flight: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("command did not run to completion")
	}

	// And the connection still comes back to the pool.
	deadline := time.Now().Add(time.Second)
	for {
		conn, err := pool.Acquire(context.Background())
		if err == nil {
			pool.Release(conn)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool leaked its connection: %v", err)
		}
	}
}

func TestExecuteNilCommand(t *testing.T) {
	dialer := &fakeDialer{}
	exec, _ := newTestExecutor(t, dialer)
	if err := exec.Execute(context.Background(), nil); !errs.HasCode(err, errs.CodeInternal) {
		t.Fatalf("expected internal error for nil command, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	classified := errs.New("user/get", errs.CodeNotFound)
	cases := []struct {
		name string
		err  error
		want errs.Code
	}{
		{"pass-through", classified, errs.CodeNotFound},
		{"no rows", pgx.ErrNoRows, errs.CodeNotFound},
		{"unique violation", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "users_email_key"}, errs.CodeConflict},
		{"connection exception", &pgconn.PgError{Code: pgerrcode.ConnectionFailure}, errs.CodeConnectionLost},
		{"net closed", net.ErrClosed, errs.CodeConnectionLost},
		{"generic", errors.New("unexpected"), errs.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify("op", tc.err)
			if !errs.HasCode(got, tc.want) {
				t.Fatalf("Classify(%v) = %v, want code %s", tc.err, got, tc.want)
			}
		})
	}

	if got := Classify("op", classified); got != classified {
		t.Fatal("already-classified errors must pass through unchanged")
	}
	if Classify("op", nil) != nil {
		t.Fatal("nil error must classify to nil")
	}
}

func TestClassifyConflictCarriesConstraint(t *testing.T) {
	err := Classify("user/create", &pgconn.PgError{Code: pgerrcode.UniqueViolation, ConstraintName: "users_email_key"})
	var e *errs.E
	if !errors.As(err, &e) {
		t.Fatalf("expected structured error, got %v", err)
	}
	if e.Message != "users_email_key" {
		t.Fatalf("expected constraint name in message, got %q", e.Message)
	}
}
