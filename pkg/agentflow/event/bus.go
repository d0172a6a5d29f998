package event

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Bus provides pub/sub event distribution with fan-out support.
type Bus interface {
	Publisher

	// Subscribe creates a subscription for specific event types.
	Subscribe(types []string, handler Handler) Subscription

	// SubscribeAll subscribes to all events.
	SubscribeAll(handler Handler) Subscription

	// Close stops accepting events, delivers what subscribers have
	// buffered and shuts them down.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops delivery immediately. Buffered events are dropped.
	Unsubscribe()

	// Pause skips events until Resume.
	Pause()
	Resume()
	IsPaused() bool
}

// BusConfig configures a LocalBus.
type BusConfig struct {
	// BufferSize is the per-subscription queue length. Default 256.
	BufferSize int

	// MaxSubscribers limits live subscriptions. 0 is unlimited.
	MaxSubscribers int

	// NonBlocking drops an event for a subscriber whose queue is full
	// instead of waiting. Event-loop nodes publish from their turn, so a
	// slow subscriber otherwise slows the model loop.
	NonBlocking bool

	// DeduplicateTTL drops events whose ID was published within the TTL.
	// 0 disables it.
	DeduplicateTTL time.Duration

	// OnDrop is called for each event dropped in non-blocking mode.
	OnDrop func(evt Event, subscriberID string)

	// OnError is called when a handler returns an error.
	OnError func(evt Event, subscriberID string, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
}

var _ Bus = (*LocalBus)(nil)

// LocalBus is an in-memory event bus. Each subscription has its own
// buffered queue and goroutine, so one subscriber sees events in the order
// they were published.
type LocalBus struct {
	config BusConfig

	mu   sync.RWMutex
	subs map[string]*subscription

	dedupeMu sync.Mutex
	dedupe   map[string]time.Time

	nextID  atomic.Int64
	closed  atomic.Bool
	closeCh chan struct{}
	workers sync.WaitGroup
}

// NewBus creates a new local event bus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}
	b := &LocalBus{
		config:  config,
		subs:    make(map[string]*subscription),
		closeCh: make(chan struct{}),
	}
	if config.DeduplicateTTL > 0 {
		b.dedupe = make(map[string]time.Time)
		go b.expireDedupe()
	}
	return b
}

// Publish queues evt for every matching subscriber.
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return &EventError{Event: evt, Message: "publish", Err: ErrBusClosed}
	}
	if b.dedupe != nil && b.seen(evt) {
		return nil
	}

	for _, sub := range b.matching(evt.Type()) {
		if sub.paused.Load() {
			continue
		}
		if b.config.NonBlocking {
			select {
			case sub.events <- evt:
			default:
				if b.config.OnDrop != nil {
					b.config.OnDrop(evt, sub.id)
				}
			}
			continue
		}
		select {
		case sub.events <- evt:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return &EventError{Event: evt, Message: "publish", Err: ErrBusClosed}
		}
	}
	return nil
}

// matching returns the subscriptions for eventType in subscription order.
func (b *LocalBus) matching(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(eventType) {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(x, y *subscription) int { return int(x.seq - y.seq) })
	return out
}

// Subscribe creates a subscription for specific event types. It returns
// nil when the bus is closed or the subscriber limit is reached.
func (b *LocalBus) Subscribe(types []string, handler Handler) Subscription {
	return b.subscribe(types, handler)
}

// SubscribeAll subscribes to all events.
func (b *LocalBus) SubscribeAll(handler Handler) Subscription {
	return b.subscribe(nil, handler)
}

func (b *LocalBus) subscribe(types []string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return nil
	}
	if b.config.MaxSubscribers > 0 && len(b.subs) >= b.config.MaxSubscribers {
		return nil
	}

	seq := b.nextID.Add(1)
	sub := &subscription{
		id:      "sub-" + strconv.FormatInt(seq, 10),
		seq:     seq,
		handler: handler,
		events:  make(chan Event, b.config.BufferSize),
		done:    make(chan struct{}),
		flush:   make(chan struct{}),
		bus:     b,
	}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}
	b.subs[sub.id] = sub

	b.workers.Add(1)
	go sub.run()
	return sub
}

// Close stops the bus. Events already queued are delivered before Close
// returns; Publish fails from the moment Close is called.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if !b.closed.CompareAndSwap(false, true) {
		b.mu.Unlock()
		return nil
	}
	close(b.closeCh)
	for _, sub := range b.subs {
		close(sub.flush)
	}
	b.mu.Unlock()

	b.workers.Wait()
	return nil
}

type subscription struct {
	id      string
	seq     int64
	types   map[string]bool // nil = all types
	handler Handler
	events  chan Event
	paused  atomic.Bool
	bus     *LocalBus

	done     chan struct{} // unsubscribed: stop now
	flush    chan struct{} // bus closed: drain, then stop
	stopOnce sync.Once
}

func (s *subscription) wants(eventType string) bool {
	return s.types == nil || s.types[eventType]
}

func (s *subscription) run() {
	defer s.bus.workers.Done()
	for {
		if s.stopped() {
			return
		}
		select {
		case evt := <-s.events:
			s.deliver(evt)
		case <-s.done:
			return
		case <-s.flush:
			for !s.stopped() {
				select {
				case evt := <-s.events:
					s.deliver(evt)
				default:
					return
				}
			}
			return
		}
	}
}

func (s *subscription) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *subscription) deliver(evt Event) {
	if s.paused.Load() {
		return
	}
	if err := s.handler.Handle(context.Background(), evt); err != nil && s.bus.config.OnError != nil {
		s.bus.config.OnError(evt, s.id, err)
	}
}

// Unsubscribe implements Subscription.
func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.stopOnce.Do(func() { close(s.done) })
}

// Pause implements Subscription.
func (s *subscription) Pause() { s.paused.Store(true) }

// Resume implements Subscription.
func (s *subscription) Resume() { s.paused.Store(false) }

// IsPaused implements Subscription.
func (s *subscription) IsPaused() bool { return s.paused.Load() }

// seen reports whether evt was already published within the TTL and
// records it otherwise.
func (b *LocalBus) seen(evt Event) bool {
	b.dedupeMu.Lock()
	defer b.dedupeMu.Unlock()

	if _, ok := b.dedupe[evt.ID()]; ok {
		return true
	}
	b.dedupe[evt.ID()] = time.Now()
	return false
}

func (b *LocalBus) expireDedupe() {
	ticker := time.NewTicker(b.config.DeduplicateTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			cutoff := now.Add(-b.config.DeduplicateTTL)
			b.dedupeMu.Lock()
			for id, ts := range b.dedupe {
				if ts.Before(cutoff) {
					delete(b.dedupe, id)
				}
			}
			b.dedupeMu.Unlock()
		case <-b.closeCh:
			return
		}
	}
}
