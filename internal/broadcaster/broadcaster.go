// Package broadcaster implements the generic bounded multi-subscriber
// fan-out used by every stage of the pipeline (IQ, audio, waterfall rows).
//
// It is a direct generalization of this codebase's per-message-type
// broadcasters (an IQ broadcaster feeding demodulators/FFT/recorders, an
// audio broadcaster feeding playback/recording/decoders): one dedicated
// goroutine drains an input channel and, holding a read lock on the
// subscriber table, attempts a non-blocking enqueue per subscriber. A full
// subscriber queue only drops that subscriber's message; it never blocks
// the producer or any other subscriber.
package broadcaster

import (
	"log"
	"sync"
	"sync/atomic"
)

// Cloner lets a message type control how it is duplicated per subscriber.
// Large immutable buffers (IQ) typically return themselves (shared,
// refcounted ownership); small mutable ones (audio) return a real copy.
type Cloner[T any] interface {
	Clone() T
}

// SubscriberStats is the public, read-only snapshot of one subscriber's
// counters.
type SubscriberStats struct {
	Name      string
	Capacity  int
	Delivered uint64
	Dropped   uint64
	Errors    uint64
}

// Stats is the aggregate stats() response for a Broadcaster.
type Stats struct {
	Received   uint64
	Broadcast  uint64
	Errors     uint64
	Subscriber []SubscriberStats
}

type subscriber[T any] struct {
	name      string
	queue     chan T
	capacity  int
	delivered uint64
	dropped   uint64
	errors    uint64
}

// Broadcaster fans out values of type T (which must know how to Clone
// itself) to any number of named, bounded subscriber queues.
type Broadcaster[T Cloner[T]] struct {
	name string
	log  *log.Logger

	input chan T

	mu          sync.RWMutex
	subscribers map[string]*subscriber[T]

	received  uint64
	broadcast uint64
	errors    uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Broadcaster named name (used only in log lines) with an
// input channel of the given capacity. Call Run in its own goroutine, or
// rely on Start.
func New[T Cloner[T]](name string, inputCapacity int, logger *log.Logger) *Broadcaster[T] {
	if logger == nil {
		logger = log.Default()
	}
	return &Broadcaster[T]{
		name:        name,
		log:         logger,
		input:       make(chan T, inputCapacity),
		subscribers: make(map[string]*subscriber[T]),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Input returns the channel producers publish onto. Publish is simply
// `b.Input() <- msg`; the dedicated loop goroutine does the rest.
func (b *Broadcaster[T]) Input() chan<- T {
	return b.input
}

// Start launches the dedicated fan-out goroutine. Safe to call once.
func (b *Broadcaster[T]) Start() {
	go b.run()
}

// run is the dedicated worker: dequeue from input, fan out under the
// subscriber table's read lock so Subscribe/Unsubscribe never stalls behind
// an in-flight publish to unrelated subscribers.
func (b *Broadcaster[T]) run() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			// Drain once, then close.
			for {
				select {
				case msg := <-b.input:
					b.deliver(msg)
				default:
					return
				}
			}
		case msg := <-b.input:
			b.deliver(msg)
		}
	}
}

func (b *Broadcaster[T]) deliver(msg T) {
	atomic.AddUint64(&b.received, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for name, sub := range b.subscribers {
		clone := msg.Clone()
		select {
		case sub.queue <- clone:
			atomic.AddUint64(&sub.delivered, 1)
			atomic.AddUint64(&b.broadcast, 1)
		default:
			dropped := atomic.AddUint64(&sub.dropped, 1)
			if dropped%100 == 0 {
				b.log.Printf("%s: subscriber %q queue full, dropped %d messages total", b.name, name, dropped)
			}
		}
	}
}

// Subscribe registers a new bounded queue under name and returns the
// receive side. Re-subscribing under an already-live name replaces it.
func (b *Broadcaster[T]) Subscribe(name string, capacity int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber[T]{
		name:     name,
		queue:    make(chan T, capacity),
		capacity: capacity,
	}
	b.subscribers[name] = sub
	b.log.Printf("%s: new subscriber %q (capacity=%d, total=%d)", b.name, name, capacity, len(b.subscribers))
	return sub.queue
}

// Unsubscribe detaches and drains the named subscriber. Idempotent.
func (b *Broadcaster[T]) Unsubscribe(name string) {
	b.mu.Lock()
	sub, ok := b.subscribers[name]
	if ok {
		delete(b.subscribers, name)
	}
	remaining := len(b.subscribers)
	b.mu.Unlock()

	if !ok {
		return
	}
	for {
		select {
		case <-sub.queue:
		default:
			b.log.Printf("%s: subscriber %q removed (remaining=%d)", b.name, name, remaining)
			return
		}
	}
}

// HasSubscriber reports whether name is currently subscribed.
func (b *Broadcaster[T]) HasSubscriber(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subscribers[name]
	return ok
}

// SubscriberCount returns the number of live subscribers.
func (b *Broadcaster[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stats returns a point-in-time snapshot of overall and per-subscriber
// counters.
func (b *Broadcaster[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Received:  atomic.LoadUint64(&b.received),
		Broadcast: atomic.LoadUint64(&b.broadcast),
		Errors:    atomic.LoadUint64(&b.errors),
	}
	for name, sub := range b.subscribers {
		s.Subscriber = append(s.Subscriber, SubscriberStats{
			Name:      name,
			Capacity:  sub.capacity,
			Delivered: atomic.LoadUint64(&sub.delivered),
			Dropped:   atomic.LoadUint64(&sub.dropped),
			Errors:    atomic.LoadUint64(&sub.errors),
		})
	}
	return s
}

// Stop signals the dedicated goroutine to drain and exit, and blocks until
// it has. Safe to call more than once.
func (b *Broadcaster[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}
