package events

import (
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const (
	// DefaultBufferSize is the default per-subscriber channel capacity.
	DefaultBufferSize = 256

	// EventTypeSessionCreated identifies pseudo-terminal session creation.
	EventTypeSessionCreated = "SessionCreated"
	// EventTypeSessionOutput identifies one raw output chunk from a session.
	EventTypeSessionOutput = "SessionOutput"
	// EventTypeSessionExit identifies a session process exit.
	EventTypeSessionExit = "SessionExit"
	// EventTypeRunUpdate identifies an orchestrator run status change.
	EventTypeRunUpdate = "RunUpdate"
	// EventTypePhaseUpdate identifies a phase status change inside a run.
	EventTypePhaseUpdate = "PhaseUpdate"
	// EventTypeHealthCheck identifies a periodic health report.
	EventTypeHealthCheck = "HealthCheck"
	// EventTypeSystemAlert identifies a failed health check.
	EventTypeSystemAlert = "SystemAlert"

	// HealthTopic carries health reports and alerts.
	HealthTopic = "health"
)

const (
	// SeverityInfo indicates informational event severity.
	SeverityInfo = "INFO"
	// SeverityWarn indicates warning event severity.
	SeverityWarn = "WARN"
	// SeverityError indicates error event severity.
	SeverityError = "ERROR"
)

// SessionTopic returns the topic carrying events for one terminal session.
func SessionTopic(sessionID string) string {
	return "session:" + strings.TrimSpace(sessionID)
}

// RunTopic returns the topic carrying events for one orchestrator run.
func RunTopic(runID string) string {
	return "run:" + strings.TrimSpace(runID)
}

// Event is the normalized message delivered through the in-process event bus.
type Event struct {
	Type      string
	Topic     string
	Timestamp time.Time
	Payload   any
	Severity  string
}

// Handler consumes a published event.
type Handler func(Event)

// Logger captures warning logs for dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

// Bus defines event subscription and publish behavior. The returned function
// cancels the subscription; it is safe to call more than once.
type Bus interface {
	Subscribe(topic string, handler Handler) func()
	SubscribeAll(handler Handler) func()
	Publish(event Event)
}

// Option customizes bus construction.
type Option func(*InMemoryBus)

// WithBufferSize configures per-subscriber channel capacity.
func WithBufferSize(size int) Option {
	return func(bus *InMemoryBus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithLogger configures log sink used for dropped-event warnings.
func WithLogger(logger Logger) Option {
	return func(bus *InMemoryBus) {
		if logger != nil {
			bus.logger = logger
		}
	}
}

// InMemoryBus is a thread-safe in-process pub/sub bus backed by buffered channels.
// Publishing never blocks: a subscriber whose buffer is full misses the event.
type InMemoryBus struct {
	mu             sync.RWMutex
	bufferSize     int
	logger         Logger
	topicSubs      map[string]map[uint64]*subscriber
	wildcardSubs   map[uint64]*subscriber
	nextSubscriber uint64
}

type subscriber struct {
	id uint64
	ch chan Event
}

// New creates an in-memory event bus with optional configuration.
func New(options ...Option) *InMemoryBus {
	bus := &InMemoryBus{
		bufferSize:   DefaultBufferSize,
		logger:       log.Default(),
		topicSubs:    make(map[string]map[uint64]*subscriber),
		wildcardSubs: make(map[uint64]*subscriber),
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a handler for a single topic.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) func() {
	normalized := strings.TrimSpace(topic)
	if normalized == "" || handler == nil {
		return func() {}
	}

	b.mu.Lock()
	sub := b.newSubscriberLocked()
	if b.topicSubs[normalized] == nil {
		b.topicSubs[normalized] = make(map[uint64]*subscriber)
	}
	b.topicSubs[normalized][sub.id] = sub
	b.mu.Unlock()

	go b.consume(sub, handler)

	return b.canceler(func() bool {
		subs, ok := b.topicSubs[normalized]
		if !ok {
			return false
		}
		if _, ok := subs[sub.id]; !ok {
			return false
		}
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.topicSubs, normalized)
		}
		close(sub.ch)
		return true
	})
}

// SubscribeAll registers a handler that receives every published event.
func (b *InMemoryBus) SubscribeAll(handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	sub := b.newSubscriberLocked()
	b.wildcardSubs[sub.id] = sub
	b.mu.Unlock()

	go b.consume(sub, handler)

	return b.canceler(func() bool {
		if _, ok := b.wildcardSubs[sub.id]; !ok {
			return false
		}
		delete(b.wildcardSubs, sub.id)
		close(sub.ch)
		return true
	})
}

// Publish delivers an event to topic subscribers and wildcard subscribers.
// Delivery happens under the read lock so a concurrent cancel cannot close a
// channel mid-send.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Topic = strings.TrimSpace(event.Topic)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.topicSubs[event.Topic] {
		b.deliver(sub, event)
	}
	for _, sub := range b.wildcardSubs {
		b.deliver(sub, event)
	}
}

// SubscriberCount returns the number of live subscriptions on a topic.
func (b *InMemoryBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topicSubs[strings.TrimSpace(topic)])
}

func (b *InMemoryBus) canceler(remove func() bool) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			remove()
		})
	}
}

func (b *InMemoryBus) deliver(sub *subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		b.logger.Printf(
			"events: dropping event for subscriber=%d type=%s topic=%s",
			sub.id,
			event.Type,
			event.Topic,
		)
	}
}

func (b *InMemoryBus) newSubscriberLocked() *subscriber {
	b.nextSubscriber++
	return &subscriber{
		id: b.nextSubscriber,
		ch: make(chan Event, b.bufferSize),
	}
}

func (b *InMemoryBus) consume(sub *subscriber, handler Handler) {
	for event := range sub.ch {
		handler(event)
	}
}

var _ Bus = (*InMemoryBus)(nil)
