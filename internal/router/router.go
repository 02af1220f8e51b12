// Package router fans out datastore change notifications to channel subscribers.
package router

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wandererhq/connector/errs"
)

// Notification is an immutable change event received from the datastore's
// notification wire protocol. Payload is opaque to the router, conventionally
// a JSON serialization of the inserted row.
type Notification struct {
	Channel string
	Payload string
	// PID identifies the backend session that emitted the notification.
	PID uint32
}

// SubscriptionID identifies one live subscriber registration.
type SubscriptionID string

// Config tunes router fan-out behaviour.
type Config struct {
	// BufferSize is the per-subscriber channel depth. When a subscriber falls
	// behind, the oldest buffered notification is dropped to admit the newest;
	// a slow subscriber never blocks delivery to others.
	BufferSize int
	// FanoutWorkers bounds concurrent deliveries within one publish. Publish
	// returns only after all deliveries complete, so per-channel ordering is
	// preserved for every subscriber.
	FanoutWorkers int
}

func (c Config) normalize() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 1
	}
	return c
}

// Router maintains the routing table from channel names to live subscribers.
type Router struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[string]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
	logger       *log.Logger

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc

	// mu serialises sends against close so a publish racing an unsubscribe
	// can never send on a closed channel.
	mu     sync.Mutex
	ch     chan Notification
	closed bool
}

// New constructs a router with the provided configuration.
func New(cfg Config, logger *log.Logger) *Router {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	r := new(Router)
	r.cfg = cfg
	r.ctx = ctx
	r.cancel = cancel
	r.subscribers = make(map[string]map[SubscriptionID]*subscriber)
	r.logger = logger

	meter := otel.Meter("router")
	r.publishedCounter, _ = meter.Int64Counter("router.notifications.published",
		metric.WithDescription("Number of notifications published to the router"),
		metric.WithUnit("{notification}"))
	r.subscriberGauge, _ = meter.Int64UpDownCounter("router.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	r.droppedCounter, _ = meter.Int64Counter("router.delivery.dropped",
		metric.WithDescription("Number of notifications dropped due to subscriber backpressure"),
		metric.WithUnit("{notification}"))

	return r
}

// Publish fans the notification out to every subscriber of its channel. Each
// subscriber receives its own copy; subscribers on other channels receive nothing.
func (r *Router) Publish(ctx context.Context, n Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if n.Channel == "" {
		return errs.New("router/publish", errs.CodeProtocolError, errs.WithMessage("channel name required"))
	}

	r.mu.RLock()
	subMap := r.subscribers[n.Channel]
	targets := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	if r.publishedCounter != nil {
		r.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", n.Channel),
			attribute.Int("subscribers", len(targets))))
	}

	if len(targets) == 0 {
		return nil
	}

	workerLimit := r.cfg.FanoutWorkers
	if workerLimit > len(targets) {
		workerLimit = len(targets)
	}
	p := concpool.New().WithMaxGoroutines(workerLimit)
	for _, target := range targets {
		sub := target
		p.Go(func() {
			r.deliver(ctx, sub, n)
		})
	}
	p.Wait()
	return nil
}

// Subscribe registers for notifications on the given channel name. The
// returned channel yields messages until Unsubscribe, context cancellation,
// or router shutdown closes it.
func (r *Router) Subscribe(ctx context.Context, channel string) (SubscriptionID, <-chan Notification, error) {
	if channel == "" {
		return "", nil, errs.New("router/subscribe", errs.CodeInternal, errs.WithMessage("channel name required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.ctx.Done():
		return "", nil, errs.New("router/subscribe", errs.CodeInternal, errs.WithMessage("router closed"))
	default:
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan Notification, r.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&r.nextID, 1)))

	r.mu.Lock()
	if _, ok := r.subscribers[channel]; !ok {
		r.subscribers[channel] = make(map[SubscriptionID]*subscriber)
	}
	r.subscribers[channel][id] = sub
	r.mu.Unlock()

	if r.subscriberGauge != nil {
		r.subscriberGauge.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}

	go r.observe(channel, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe stops delivery and releases the routing table entry. It is
// immediate and idempotent; buffered undelivered messages are discarded.
func (r *Router) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	r.mu.Lock()
	for channel, subs := range r.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.subscribers, channel)
			}
			r.mu.Unlock()
			if r.subscriberGauge != nil {
				r.subscriberGauge.Add(context.Background(), -1,
					metric.WithAttributes(attribute.String("channel", channel)))
			}
			sub.close()
			return
		}
	}
	r.mu.Unlock()
}

// Close shuts down the router and terminates every subscription stream.
func (r *Router) Close() {
	r.shutdownOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		for channel, subs := range r.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
				}
				delete(subs, id)
			}
			delete(r.subscribers, channel)
		}
		r.mu.Unlock()
	})
}

func (r *Router) observe(channel string, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	r.mu.Lock()
	subs := r.subscribers[channel]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.subscribers, channel)
			}
		}
	}
	r.mu.Unlock()
	sub.close()
}

// deliver hands the notification to one subscriber without blocking on a full
// buffer: the oldest buffered message is dropped to admit the newest.
func (r *Router) deliver(ctx context.Context, sub *subscriber, n Notification) {
	if sub.ctx.Err() != nil || r.ctx.Err() != nil || ctx.Err() != nil {
		return
	}
	dropped := sub.trySend(n)
	if !dropped {
		return
	}
	if r.logger != nil {
		r.logger.Printf("router: subscriber buffer full; dropped oldest notification channel=%s", n.Channel)
	}
	if r.droppedCounter != nil {
		r.droppedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", n.Channel)))
	}
}

// trySend buffers the notification, evicting the oldest buffered message when
// full. It reports whether an eviction happened. Sends on a closed
// subscription are discarded.
func (s *subscriber) trySend(n Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- n:
		return false
	default:
	}
	dropped := false
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- n:
	default:
	}
	return dropped
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	s.cancel()
}
