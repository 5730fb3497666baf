package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventStageEntered   EventType = "stage.entered"
	EventStageFailed    EventType = "stage.failed"
	EventHealthAttempt  EventType = "health.attempt"
	EventRollbackStep   EventType = "rollback.step"
	EventRollbackFailed EventType = "rollback.failed"
	EventRunFinished    EventType = "run.finished"
)

// Event represents a deployment progress event
type Event struct {
	ID        string
	Type      EventType
	RunID     string
	Stage     string
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans deployment events out to subscribers
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex

	// pubMu guards closed and sends on eventCh
	pubMu   sync.RWMutex
	closed  bool
	eventCh chan *Event
	doneCh  chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		doneCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Close stops accepting events, delivers the ones already queued and closes
// every subscriber channel. It returns once delivery is finished.
func (b *Broker) Close() {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		<-b.doneCh
		return
	}
	b.closed = true
	close(b.eventCh)
	b.pubMu.Unlock()

	<-b.doneCh
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

// Publish queues an event for all subscribers. Events published after Close
// are dropped.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		return
	}
	b.eventCh <- event
}

func (b *Broker) run() {
	defer close(b.doneCh)

	for event := range b.eventCh {
		b.broadcast(event)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		delete(b.subscribers, sub)
		close(sub)
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
