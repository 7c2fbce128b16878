package events

import (
	"context"
	"sync"
	"time"

	"github.com/qcforge/qcforge/pkg/types"
)

// Event is one terminal record transition, published after the
// transaction that produced it committed.
type Event struct {
	RecordID  int64
	Status    types.RecordStatus
	Timestamp time.Time
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages completion subscriptions and distribution. Consumers
// poll-free wait for record completion by subscribing before checking
// the database, closing the race with concurrent returns.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new completion broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// NotifyRecord is the storage notifier hook.
func (b *Broker) NotifyRecord(recordID int64, status types.RecordStatus) {
	b.Publish(&Event{RecordID: recordID, Status: status})
}

// WaitFor blocks until one of the given records reaches a terminal
// status or the context ends. Callers must subscribe before reading
// current statuses from the database, then pass the subscription here;
// otherwise a completion between the read and the wait is lost.
func (b *Broker) WaitFor(ctx context.Context, sub Subscriber, recordIDs map[int64]bool) (*Event, error) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return nil, context.Canceled
			}
			if recordIDs[ev.RecordID] {
				return ev, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.stopCh:
			return nil, context.Canceled
		}
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
