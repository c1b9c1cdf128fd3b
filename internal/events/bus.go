// Package events is the observable stream of run status, progress and log lines.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AaronLay10/SentientSequencer/internal/logging"
)

const (
	// DefaultBufferSize is the number of recent events kept in memory.
	DefaultBufferSize = 256

	subscriberBuffer = 64
)

type Event struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Name      string                 `json:"event"`
	Message   string                 `json:"msg,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Store persists emitted events.
type Store interface {
	Append(ts time.Time, level, event, msg string, fields map[string]interface{}, sessionID string) error
}

// Subscriber represents a channel that receives events.
type Subscriber chan Event

// Bus fans events out to subscribers, keeps a ring buffer of recent events and
// optionally persists them.
type Bus struct {
	buffer *RingBuffer
	total  atomic.Int64

	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}

	storeMu        sync.RWMutex
	store          Store
	storeErrLogged bool
}

// NewBus creates an event bus with the default buffer size.
func NewBus() *Bus {
	return &Bus{
		buffer:      NewRingBuffer(DefaultBufferSize),
		subscribers: make(map[Subscriber]struct{}),
	}
}

// SetStore sets the persistent store. A nil store disables persistence.
func (b *Bus) SetStore(s Store) {
	b.storeMu.Lock()
	b.store = s
	b.storeErrLogged = false
	b.storeMu.Unlock()
}

// Emit validates, buffers, broadcasts and persists an event.
func (b *Bus) Emit(level, name, msg string, fields map[string]interface{}) error {
	if err := Validate(name); err != nil {
		return err
	}

	ts := time.Now().UTC()
	e := Event{
		Timestamp: ts.Format(time.RFC3339Nano),
		Level:     level,
		Name:      name,
		Message:   msg,
		Fields:    fields,
	}

	b.buffer.Add(e)
	b.total.Add(1)
	b.broadcast(e)

	// progress ticks are high-rate and not worth persisting
	if name != "run.progress" {
		b.persist(ts, e)
	}
	return nil
}

func (b *Bus) persist(ts time.Time, e Event) {
	b.storeMu.RLock()
	store := b.store
	b.storeMu.RUnlock()
	if store == nil {
		return
	}

	session := ""
	if id, ok := e.Fields["run_id"].(string); ok {
		session = id
	}

	if err := store.Append(ts, e.Level, e.Name, e.Message, e.Fields, session); err != nil {
		b.storeMu.Lock()
		first := !b.storeErrLogged
		b.storeErrLogged = true
		b.storeMu.Unlock()
		if first {
			// Buffer directly; going through Emit would recurse into the failing store.
			errEvent := Event{
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				Level:     "error",
				Name:      "system.error",
				Message:   "event store append failed",
				Fields:    map[string]interface{}{"error": err.Error()},
			}
			b.buffer.Add(errEvent)
			b.broadcast(errEvent)
			logging.Error("event store append failed", zap.Error(err))
		}
	}
}

// Subscribe adds a new subscriber and returns its channel.
func (b *Bus) Subscribe() Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// CloseAllSubscribers closes and removes every subscriber.
func (b *Bus) CloseAllSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]struct{})
}

// broadcast never blocks: a subscriber with a full buffer misses the event.
func (b *Bus) broadcast(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Snapshot returns all buffered events, oldest first.
func (b *Bus) Snapshot() []Event {
	return b.buffer.Snapshot()
}

// RecentEvents returns the last n events from the ring buffer.
// If n is zero or larger than what is buffered, all events are returned.
func (b *Bus) RecentEvents(n int) []Event {
	all := b.buffer.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// TotalCount returns the number of events emitted since the bus was created.
func (b *Bus) TotalCount() int64 {
	return b.total.Load()
}

// Clear resets the event buffer.
func (b *Bus) Clear() {
	b.buffer.Clear()
}
