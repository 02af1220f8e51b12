// Package listener owns the dedicated notification connection and relays
// LISTEN/NOTIFY messages into the router.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wandererhq/connector/config"
	"github.com/wandererhq/connector/errs"
	"github.com/wandererhq/connector/internal/router"
)

const closeTimeout = 2 * time.Second

// State is the lifecycle state of the notification channel.
type State int32

const (
	// StateDisconnected means no socket is open.
	StateDisconnected State = iota
	// StateConnecting means the dedicated connection is being established and
	// subscribe commands are being issued.
	StateConnecting
	// StateListening means protocol frames are being read; this is the only
	// state that yields notifications.
	StateListening
	// StateReconnecting means a read or dial error occurred and backoff is in
	// progress before the next connection attempt.
	StateReconnecting
	// StateShuttingDown is terminal; the socket is closed and no further
	// notifications are produced.
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Conn is the notification surface of one dedicated connection. It is never
// drawn from the command pool; the two connection populations are disjoint.
type Conn interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (router.Notification, error)
	Close(ctx context.Context) error
}

// Dialer establishes dedicated notification connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Publisher receives notifications read off the wire, in arrival order.
type Publisher interface {
	Publish(ctx context.Context, n router.Notification) error
}

// Listener converts the datastore's notification protocol into router
// publishes, reconnecting with exponential backoff on transient failures.
//
// Delivery is at-most-once and best-effort: subscriptions are re-issued after
// every reconnect, but notifications emitted during an outage are not buffered
// anywhere and are lost.
type Listener struct {
	dialer    Dialer
	publisher Publisher
	channels  []string
	backoff   config.BackoffSettings
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	startOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	fatalErr error
}

// New constructs a listener for the configured channels. Start must be called
// to open the connection.
func New(dialer Dialer, publisher Publisher, channels []string, backoffCfg config.BackoffSettings, logger *log.Logger) (*Listener, error) {
	if dialer == nil {
		return nil, errs.New("listener", errs.CodeConfiguration, errs.WithMessage("dialer required"))
	}
	if publisher == nil {
		return nil, errs.New("listener", errs.CodeConfiguration, errs.WithMessage("publisher required"))
	}
	if len(channels) == 0 {
		return nil, errs.New("listener", errs.CodeConfiguration, errs.WithMessage("at least one channel required"))
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := new(Listener)
	l.dialer = dialer
	l.publisher = publisher
	l.channels = append([]string(nil), channels...)
	l.backoff = backoffCfg
	l.logger = logger
	l.ctx = ctx
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state.Store(int32(StateDisconnected))
	return l, nil
}

// State reports the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Start launches the receive loop in a background goroutine.
func (l *Listener) Start() {
	l.startOnce.Do(func() {
		go l.run()
	})
}

// Stop requests shutdown and waits for the receive loop to exit or the
// context to expire.
func (l *Listener) Stop(ctx context.Context) error {
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop listener: %w", ctx.Err())
	}
}

// Done is closed when the receive loop has terminated. A non-nil Err after
// Done means the listener failed permanently and requires supervisor action.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the fatal error that terminated the listener, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatalErr
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	l.fatalErr = err
	l.mu.Unlock()
}

// run keeps one dedicated notification session alive until shutdown. Each
// iteration dials, re-issues LISTEN for every configured channel, and reads
// frames until the connection breaks.
//
// The retry budget resets only once a connection has actually relayed a
// notification. A connection that dials and subscribes cleanly but fails on
// every read (a persistent protocol error, for instance) still counts toward
// MaxRetries and eventually terminates the listener with a fatal error.
func (l *Listener) run() {
	defer close(l.done)
	defer l.setState(StateDisconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.backoff.InitialInterval
	bo.Multiplier = l.backoff.Multiplier
	bo.MaxInterval = l.backoff.MaxInterval

	attempts := 0
	for {
		select {
		case <-l.ctx.Done():
			l.setState(StateShuttingDown)
			return
		default:
		}

		l.setState(StateConnecting)
		conn, err := l.dialer.Dial(l.ctx)
		if err == nil {
			err = l.subscribeAll(conn)
			if err != nil {
				l.closeConn(conn)
				conn = nil
			}
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				l.setState(StateShuttingDown)
				return
			}
			attempts++
			if l.exhausted(attempts, err) {
				return
			}
			l.logf("listener: connect failed (attempt %d): %v", attempts, err)
			if !l.sleep(bo) {
				return
			}
			continue
		}

		l.setState(StateListening)

		relayed, err := l.receive(conn)
		l.closeConn(conn)

		if errors.Is(err, context.Canceled) {
			l.setState(StateShuttingDown)
			return
		}

		if relayed {
			bo.Reset()
			attempts = 0
		}

		l.setState(StateReconnecting)
		attempts++
		if l.exhausted(attempts, err) {
			return
		}
		l.logf("listener: connection lost, reconnecting: %v", classifyReceiveErr(err))
		if !l.sleep(bo) {
			return
		}
	}
}

// subscribeAll issues LISTEN for every configured channel. Subscriptions do
// not persist across reconnection, so this runs on every new connection.
func (l *Listener) subscribeAll(conn Conn) error {
	for _, channel := range l.channels {
		if err := conn.Listen(l.ctx, channel); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	return nil
}

// receive reads frames until the connection fails, reporting whether at least
// one notification was relayed before the failure.
func (l *Listener) receive(conn Conn) (bool, error) {
	relayed := false
	for {
		n, err := conn.WaitForNotification(l.ctx)
		if err != nil {
			return relayed, err
		}
		relayed = true
		if err := l.publisher.Publish(l.ctx, n); err != nil {
			l.logf("listener: publish notification channel=%s: %v", n.Channel, err)
		}
	}
}

func (l *Listener) exhausted(attempts int, cause error) bool {
	if l.backoff.MaxRetries <= 0 || attempts <= l.backoff.MaxRetries {
		return false
	}
	err := errs.New("listener", errs.CodeFatal,
		errs.WithMessage(fmt.Sprintf("exceeded %d reconnect attempts", l.backoff.MaxRetries)),
		errs.WithCause(cause))
	l.fail(err)
	l.logf("listener: %v", err)
	l.setState(StateShuttingDown)
	return true
}

func (l *Listener) sleep(bo *backoff.ExponentialBackOff) bool {
	l.setState(StateReconnecting)
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		wait = l.backoff.MaxInterval
	}
	select {
	case <-l.ctx.Done():
		l.setState(StateShuttingDown)
		return false
	case <-time.After(wait):
		return true
	}
}

func (l *Listener) closeConn(conn Conn) {
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		l.logf("listener: close connection: %v", err)
	}
}

func (l *Listener) logf(format string, args ...any) {
	if l.logger != nil {
		l.logger.Printf(format, args...)
	}
}

// classifyReceiveErr sorts receive-loop failures into the error taxonomy for
// logging. Server-sent protocol errors and transport failures both trigger
// reconnection; only retry exhaustion is fatal.
func classifyReceiveErr(err error) error {
	if err == nil {
		return nil
	}
	var classified *errs.E
	if errors.As(err, &classified) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errs.New("listener/receive", errs.CodeProtocolError, errs.WithCause(err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
		return errs.New("listener/receive", errs.CodeConnectionLost, errs.WithCause(err))
	}
	return errs.New("listener/receive", errs.CodeConnectionLost, errs.WithCause(err))
}

// PgxDialer dials dedicated pgx connections for notification consumption.
type PgxDialer struct {
	URL string
}

// Dial opens one pgx connection reserved for LISTEN traffic.
func (d PgxDialer) Dial(ctx context.Context) (Conn, error) {
	conn, err := pgx.Connect(ctx, d.URL)
	if err != nil {
		return nil, fmt.Errorf("dial notification connection: %w", err)
	}
	return &pgxNotifyConn{conn: conn}, nil
}

type pgxNotifyConn struct {
	conn *pgx.Conn
}

func (c *pgxNotifyConn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	return err
}

func (c *pgxNotifyConn) WaitForNotification(ctx context.Context) (router.Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return router.Notification{}, err
	}
	return router.Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID}, nil
}

func (c *pgxNotifyConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
