package tether

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies an engine event.
type EventType string

const (
	// EventOnline fires when effective connectivity transitions to online.
	EventOnline EventType = "online"
	// EventOffline fires when effective connectivity transitions to offline.
	EventOffline EventType = "offline"
	// EventSyncStarted fires when a sync pass begins.
	EventSyncStarted EventType = "sync_started"
	// EventSyncCompleted fires when a sync pass finishes successfully.
	EventSyncCompleted EventType = "sync_completed"
	// EventSyncFailed fires when a sync pass ends with an error.
	EventSyncFailed EventType = "sync_failed"
	// EventConflictDetected fires when the manual strategy defers a
	// conflict. The payload carries the deferred conflict id.
	EventConflictDetected EventType = "conflict_detected"
	// EventConflictResolved fires when a deferred conflict is resumed.
	EventConflictResolved EventType = "conflict_resolved"
	// EventMutationQuarantined fires when a mutation hits a permanent
	// failure and moves to the terminal sub-queue.
	EventMutationQuarantined EventType = "mutation_quarantined"
	// EventMutationStuck fires when a pending mutation exceeds the TTL.
	EventMutationStuck EventType = "mutation_stuck"
	// EventStorageExhausted fires when the local store refuses a write.
	EventStorageExhausted EventType = "storage_exhausted"
	// EventQueuePressure fires when a durable queue nears its size limit.
	EventQueuePressure EventType = "queue_pressure"
	// EventMessageExpired fires when a queued Class B message passes its
	// TTL undelivered. Expiry is reported, never silent.
	EventMessageExpired EventType = "message_expired"
	// EventRecordChanged fires on every local record commit. Embedding
	// applications subscribe to refresh their views.
	EventRecordChanged EventType = "record_changed"
	// EventAudit fires on refused operations worth an audit trail, such
	// as cross-tenant message attempts.
	EventAudit EventType = "audit"
)

// Event is the envelope delivered to event bus subscribers. Component
// failures never cross boundaries as errors; they surface here tagged with
// the offending coordinates.
type Event struct {
	Type       EventType `json:"type"`
	TenantID   string    `json:"tenant_id"`
	Collection string    `json:"collection,omitempty"`
	RecordID   string    `json:"record_id,omitempty"`
	MutationID string    `json:"mutation_id,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  int64     `json:"timestamp"`
}

// EventFilter restricts which events a subscription receives.
type EventFilter struct {
	// Types limits delivery to the listed event types. Empty matches all.
	Types []EventType

	// Collection limits delivery to one collection. Empty matches all.
	Collection string
}

func (f EventFilter) matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Collection != "" && e.Collection != "" && f.Collection != e.Collection {
		return false
	}
	return true
}

// EventSubscription is an active event bus subscriber. Events are delivered
// on a buffered channel; slow consumers drop rather than block the engine.
type EventSubscription struct {
	ID     string
	Filter EventFilter
	Events chan Event
	cancel func()
	closed int32
}

// Close terminates the subscription.
func (s *EventSubscription) Close() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.cancel()
		close(s.Events)
	}
}

// EventBusStats provides runtime statistics for the event bus.
type EventBusStats struct {
	EventsEmitted     int64 `json:"events_emitted"`
	EventsDelivered   int64 `json:"events_delivered"`
	EventsDropped     int64 `json:"events_dropped"`
	ActiveSubscribers int   `json:"active_subscribers"`
}

// EventBus fans engine events out to subscribers.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]*EventSubscription
	nextID      int64
	bufferSize  int

	emitted   int64
	delivered int64
	dropped   int64
}

// NewEventBus creates an event bus with the given per-subscriber buffer.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{
		subscribers: make(map[string]*EventSubscription),
		bufferSize:  bufferSize,
	}
}

// Subscribe creates a new subscription with the given filter.
func (b *EventBus) Subscribe(filter EventFilter) *EventSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := fmt.Sprintf("sub-%d", atomic.AddInt64(&b.nextID, 1))
	sub := &EventSubscription{
		ID:     id,
		Filter: filter,
		Events: make(chan Event, b.bufferSize),
	}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}

	b.subscribers[id] = sub
	return sub
}

// Emit publishes an event to all matching subscribers. A zero timestamp is
// stamped with the current time.
func (b *EventBus) Emit(e Event) {
	atomic.AddInt64(&b.emitted, 1)
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	subs := make([]*EventSubscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if atomic.LoadInt32(&sub.closed) == 1 {
			continue
		}
		if !sub.Filter.matches(&e) {
			continue
		}
		select {
		case sub.Events <- e:
			atomic.AddInt64(&b.delivered, 1)
		default:
			atomic.AddInt64(&b.dropped, 1)
		}
	}
}

// Close terminates all subscriptions.
func (b *EventBus) Close() {
	b.mu.Lock()
	subs := make([]*EventSubscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[string]*EventSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		if atomic.CompareAndSwapInt32(&sub.closed, 0, 1) {
			close(sub.Events)
		}
	}
}

// Stats returns event bus statistics.
func (b *EventBus) Stats() EventBusStats {
	b.mu.RLock()
	active := len(b.subscribers)
	b.mu.RUnlock()

	return EventBusStats{
		EventsEmitted:     atomic.LoadInt64(&b.emitted),
		EventsDelivered:   atomic.LoadInt64(&b.delivered),
		EventsDropped:     atomic.LoadInt64(&b.dropped),
		ActiveSubscribers: active,
	}
}
