// Package pubsub is a typed in-process event bus. The node publishes replica lifecycle events on it (view
// changes, commits, reconfigurations, halts) and tests or the CLI subscribe to the ones they care about.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

var plog = logger.GetLogger("node")

// EventType is the type of event subscribers are listening for
type EventType int

// SubscriptionOptions configures the behavior of a subscription
type SubscriptionOptions struct {
	// IsBlocking makes the broker wait for a full subscriber channel instead of dropping the event. It stalls
	// every other subscriber while it waits.
	IsBlocking bool
}

// SubscriberID identifies a subscription and is required to unsubscribe
type SubscriberID uint64

var nextSubscriberID atomic.Uint64

// Event carries a typed payload. Each instantiation is a distinct type.
type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber erases the channel type: sendFunc and closeFunc capture a chan *Event[T] so subscribers of
// different payload types share one registry
type subscriber struct {
	sendFunc  func(eventType EventType, payload any) bool
	closeFunc func()
	opts      SubscriptionOptions
	dropped   atomic.Uint64
}

type published struct {
	eventType EventType
	payload   any
}

// Broker fans published events out to their subscribers from a single goroutine
type Broker struct {
	mu sync.RWMutex
	wg sync.WaitGroup

	registry map[EventType]map[SubscriberID]*subscriber

	// buffered so Publish does not wait for the fan-out of the previous event, and so a graceful shutdown can
	// drain what is in flight
	publishChan chan published

	shuttingDown atomic.Bool
}

// NewBroker starts a broker whose publish queue holds buffer events
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 100
	}
	b := &Broker{
		registry:    make(map[EventType]map[SubscriberID]*subscriber),
		publishChan: make(chan published, buffer),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers ch for eventType. The caller owns the channel size; the channel is closed on Unsubscribe or
// shutdown. It is a free function because methods cannot declare type parameters.
func Subscribe[T any](b *Broker, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(nextSubscriberID.Add(1))
	sub := &subscriber{
		opts: opts,
		sendFunc: func(evType EventType, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				plog.Warningf("[PubSub] type mismatch for event %d: expected %T, got %T", evType, *new(T), payload)
				return false
			}
			event := &Event[T]{Type: evType, Payload: typed}
			if opts.IsBlocking {
				ch <- event
				return true
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
		closeFunc: func() { close(ch) },
	}
	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes the subscription and closes its channel
func (b *Broker) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}
	delete(subscribers, id)
	sub.closeFunc()
	if len(subscribers) == 0 {
		delete(b.registry, eventType)
	}
	plog.Debugf("[PubSub] unsubscribed %d from event type %d", id, eventType)
}

// Dropped reports how many events a non-blocking subscriber missed because its channel was full
func (b *Broker) Dropped(eventType EventType, id SubscriberID) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub, ok := b.registry[eventType][id]; ok {
		return sub.dropped.Load()
	}
	return 0
}

// Publish queues event for fan-out. Events published after shutdown began are dropped.
func Publish[T any](b *Broker, event *Event[T]) {
	// holding the read lock keeps a concurrent shutdown from closing publishChan between the check and the send
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		plog.Debugf("[PubSub] dropping event %d, broker is shutting down", event.Type)
		return
	}
	b.publishChan <- published{eventType: event.Type, payload: event.Payload}
}

// ForceShutdown stops accepting events and returns without waiting for the queue to drain
func (b *Broker) ForceShutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shuttingDown.Swap(true) {
		return
	}
	close(b.publishChan)
}

// GracefulShutdown stops accepting events, delivers the queued ones, then closes every subscriber channel
func (b *Broker) GracefulShutdown() {
	b.mu.Lock()
	if b.shuttingDown.Swap(true) {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	close(b.publishChan)
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Broker) run() {
	defer b.wg.Done()
	defer b.closeAll()

	for msg := range b.publishChan {
		b.mu.RLock()
		for id, sub := range b.registry[msg.eventType] {
			if !sub.sendFunc(msg.eventType, msg.payload) && !sub.opts.IsBlocking {
				n := sub.dropped.Add(1)
				plog.Debugf("[PubSub] dropped event %d for subscriber %d, %d dropped so far", msg.eventType, id, n)
			}
		}
		b.mu.RUnlock()
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subscribers := range b.registry {
		for _, sub := range subscribers {
			sub.closeFunc()
		}
		delete(b.registry, eventType)
	}
}
