// Package notify fans registry deltas out to presentation-layer
// subscribers. Each subscriber drains its own FIFO queue on a dedicated
// goroutine, so publishing never blocks the ingestion loop and successive
// deltas for one device are always delivered in publish order.
package notify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
)

// Handler receives deltas on the subscriber's dispatch goroutine, never on
// the publisher's.
type Handler func(models.Delta)

// Subscription identifies one registered handler.
type Subscription struct {
	ID uuid.UUID
}

// Bus is a thread-safe publish/subscribe channel for registry deltas.
type Bus struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*subscriber
	closed bool
	logger logger.Logger
}

// NewBus creates an empty bus.
func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Bus{
		subs:   make(map[uuid.UUID]*subscriber),
		logger: log,
	}
}

// Subscribe registers a handler and starts its dispatcher. Handlers
// registered after a delta was published do not receive it.
func (b *Bus) Subscribe(handler Handler) Subscription {
	sub := newSubscriber(handler)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		// Never started; hand back an inert handle.
		close(sub.done)
		return Subscription{ID: sub.id}
	}

	b.subs[sub.id] = sub

	go sub.run()

	return Subscription{ID: sub.id}
}

// Unsubscribe removes a handler. Deltas already queued for it are still
// delivered before its dispatcher exits.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	sub, ok := b.subs[s.ID]
	delete(b.subs, s.ID)
	b.mu.Unlock()

	if ok {
		sub.stop()
	}
}

// Publish enqueues the delta for every current subscriber and returns
// immediately. Delivery order across subscribers is unspecified; per
// subscriber it matches publish order.
func (b *Bus) Publish(delta models.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.logger.Debug().Str("device", delta.Key.String()).Msg("Delta dropped, bus closed")
		return
	}

	for _, sub := range b.subs {
		sub.enqueue(delta)
	}
}

// Close stops all dispatchers after their queues drain. The bus accepts no
// further publishes or subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return
	}

	b.closed = true
	subs := make([]*subscriber, 0, len(b.subs))

	for _, sub := range b.subs {
		subs = append(subs, sub)
	}

	b.subs = make(map[uuid.UUID]*subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// subscriber owns an unbounded FIFO so a slow handler can never stall the
// publisher or reorder deliveries.
type subscriber struct {
	id      uuid.UUID
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending []models.Delta
	stopped bool
	done    chan struct{}
}

func newSubscriber(handler Handler) *subscriber {
	sub := &subscriber{
		id:      uuid.New(),
		handler: handler,
		done:    make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)

	return sub
}

func (s *subscriber) enqueue(delta models.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.pending = append(s.pending, delta)
	s.cond.Signal()
}

func (s *subscriber) run() {
	defer close(s.done)

	for {
		s.mu.Lock()

		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}

		if len(s.pending) == 0 && s.stopped {
			s.mu.Unlock()
			return
		}

		delta := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handler(delta)
	}
}

// stop lets the dispatcher drain its queue, then waits for it to exit.
func (s *subscriber) stop() {
	s.mu.Lock()

	if s.stopped {
		s.mu.Unlock()
		<-s.done

		return
	}

	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()

	<-s.done
}
