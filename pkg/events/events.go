package events

import (
	"sync"
	"time"
)

// EventType represents the type of usage notification
type EventType string

const (
	EventVolumeCreateStart EventType = "volume.create.start"
	EventVolumeCreateEnd   EventType = "volume.create.end"
	EventVolumeCreateError EventType = "volume.create.error"
	EventVolumeDeleteStart EventType = "volume.delete.start"
	EventVolumeDeleteEnd   EventType = "volume.delete.end"
	EventVolumeResizeStart EventType = "volume.resize.start"
	EventVolumeResizeEnd   EventType = "volume.resize.end"
	EventVolumeAttach      EventType = "volume.attach"
	EventVolumeDetach      EventType = "volume.detach"
	EventSchedulerNoHost   EventType = "scheduler.create_volume.no_valid_host"
)

// Event represents a usage notification emitted by the control plane
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	ProjectID string
	VolumeID  string
	Message   string
	Payload   map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. Publishing is
// fire-and-forget: a slow or absent consumer never blocks the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
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

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	// Set timestamp if not set
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		// Broker buffer full, drop rather than block the workflow
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
