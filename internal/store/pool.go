package store

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wandererhq/connector/errs"
)

// PooledConn is an exclusively-owned handle to one physical connection. It is
// owned by exactly one in-flight command between Acquire and Release.
type PooledConn struct {
	Conn

	pool     *Pool
	broken   bool
	released bool
}

// MarkBroken flags the underlying connection for replacement. The pool closes
// it on release and dials a fresh connection on the next checkout that needs one.
func (c *PooledConn) MarkBroken() {
	if c != nil {
		c.broken = true
	}
}

// Pool is a bounded set of reusable synchronous connections. Capacity is
// enforced by a counting semaphore; physical connections are dialed lazily on
// first use and replaced on error rather than health-checked proactively.
type Pool struct {
	dialer  Dialer
	timeout time.Duration
	logger  *log.Logger

	sem chan struct{}

	mu     sync.Mutex
	idle   []Conn
	closed bool
}

// NewPool constructs a pool with the given fixed capacity and acquire timeout.
func NewPool(dialer Dialer, capacity int, timeout time.Duration, logger *log.Logger) (*Pool, error) {
	if dialer == nil {
		return nil, errs.New("store/pool", errs.CodeConfiguration, errs.WithMessage("dialer required"))
	}
	if capacity <= 0 {
		return nil, errs.New("store/pool", errs.CodeConfiguration, errs.WithMessage("capacity must be positive"))
	}
	if timeout <= 0 {
		return nil, errs.New("store/pool", errs.CodeConfiguration, errs.WithMessage("acquire timeout must be positive"))
	}
	p := new(Pool)
	p.dialer = dialer
	p.timeout = timeout
	p.logger = logger
	p.sem = make(chan struct{}, capacity)
	for i := 0; i < capacity; i++ {
		p.sem <- struct{}{}
	}
	return p, nil
}

// Acquire checks out one connection, blocking up to the configured timeout
// when the pool is at capacity. The caller must Release the handle on every
// exit path.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-p.sem:
	case <-ctx.Done():
		return nil, errs.New("store/acquire", errs.CodeInternal,
			errs.WithMessage("acquire cancelled"), errs.WithCause(ctx.Err()))
	case <-timer.C:
		return nil, errs.New("store/acquire", errs.CodePoolExhausted,
			errs.WithMessage("no connection available within acquire timeout"))
	}

	conn, err := p.checkout(ctx)
	if err != nil {
		p.replenish()
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: p, broken: false, released: false}, nil
}

// Release returns the handle's capacity to the pool. Broken connections are
// closed instead of being reused. Release is idempotent per handle.
func (p *Pool) Release(c *PooledConn) {
	if c == nil || c.pool != p || c.released {
		return
	}
	c.released = true

	p.mu.Lock()
	closed := p.closed
	if !closed && !c.broken {
		p.idle = append(p.idle, c.Conn)
	}
	p.mu.Unlock()

	if closed || c.broken {
		p.closeConn(c.Conn)
	}
	p.replenish()
}

// Close drains the idle connections and marks the pool closed. Outstanding
// handles are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		p.closeConn(conn)
	}
}

func (p *Pool) checkout(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New("store/acquire", errs.CodeInternal, errs.WithMessage("pool closed"))
	}
	var conn Conn
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if conn != nil {
		return conn, nil
	}

	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		return nil, errs.New("store/acquire", errs.CodeConnectionLost,
			errs.WithMessage("establish pooled connection"), errs.WithCause(err))
	}
	return conn, nil
}

func (p *Pool) replenish() {
	select {
	case p.sem <- struct{}{}:
	default:
		// Release/Acquire bookkeeping bug; capacity must never exceed the semaphore.
		panic("store: pool semaphore overflow")
	}
}

func (p *Pool) closeConn(conn Conn) {
	if conn == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Close(closeCtx); err != nil && p.logger != nil {
		p.logger.Printf("pool: close connection: %v", err)
	}
}
