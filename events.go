package s3db

import "context"

// EventType names the events the Database Controller's event bus carries.
// Subscribers get a fixed, typed vocabulary rather than an open string
// channel, so a typo in an event name fails at compile time.
type EventType string

const (
	EventInserted          EventType = "inserted"
	EventUpdated           EventType = "updated"
	EventDeleted           EventType = "deleted"
	EventPartitionDangling EventType = "partition.dangling"
	EventSchemaUpgraded    EventType = "schema.upgraded"
	EventLockContended     EventType = "lock.contended"
	EventSubscriberSlow    EventType = "subscriber.slow"
)

// Event is one notification dispatched on the bus.
type Event struct {
	Type     EventType
	Resource string
	ID       string
	Data     interface{}
}

// Subscriber receives events on a buffered channel. While that channel is
// full, further events for the subscriber are dropped rather than blocking
// publishers; no EventSubscriberSlow event is sent to it.
type Subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Events returns the channel to range over for delivered events.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// EventBus is a non-blocking, many-producer/many-subscriber dispatcher.
// Publish never blocks on a slow subscriber: each subscriber has its own
// bounded channel, and a full channel drops the event for that subscriber
// only, incrementing event_bus.dropped and logging a warning for each
// dropped event rather than back-pressuring the writer that triggered it.
type EventBus struct {
	subscribers map[*Subscriber]bool
	register    chan *Subscriber
	unregister  chan *Subscriber
	publish     chan Event
	logger      Logger
	metrics     Metrics
	closed      chan struct{}
}

// NewEventBus starts the bus's dispatch loop in a background goroutine.
func NewEventBus(logger Logger, metrics Metrics) *EventBus {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	b := &EventBus{
		subscribers: make(map[*Subscriber]bool),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		publish:     make(chan Event, 1024),
		logger:      logger,
		metrics:     metrics,
		closed:      make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *EventBus) loop() {
	for {
		select {
		case sub := <-b.register:
			b.subscribers[sub] = true
		case sub := <-b.unregister:
			delete(b.subscribers, sub)
			close(sub.ch)
		case ev := <-b.publish:
			for sub := range b.subscribers {
				select {
				case sub.ch <- ev:
				default:
					b.metrics.Increment("event_bus.dropped")
					b.logger.Warn("subscriber slow, dropping event", "type", ev.Type, "resource", ev.Resource)
				}
			}
		case <-b.closed:
			for sub := range b.subscribers {
				close(sub.ch)
			}
			return
		}
	}
}

// Subscribe registers a new subscriber with a channel buffer of bufSize.
func (b *EventBus) Subscribe(bufSize int) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, bufSize), done: make(chan struct{})}
	b.register <- sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *EventBus) Unsubscribe(sub *Subscriber) {
	b.unregister <- sub
}

// Publish dispatches an event to all subscribers without blocking on any
// one of them.
func (b *EventBus) Publish(ctx context.Context, ev Event) {
	select {
	case b.publish <- ev:
	case <-ctx.Done():
	}
}

// Close stops the dispatch loop and closes every subscriber channel.
func (b *EventBus) Close() {
	close(b.closed)
}
