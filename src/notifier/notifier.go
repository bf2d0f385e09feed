// Package notifier fans committed state changes out to subscribers and hands
// notification triggers to the messaging collaborator. Delivery is
// asynchronous and best-effort: a failing sink is retried a few times and
// never blocks the write path that produced the event.
package notifier

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type ChangeEvent struct {
	EntityType string    `json:"entity_type"`
	EntityID   uint      `json:"entity_id"`
	EventID    uint      `json:"event_id"`
	ResourceID uint      `json:"resource_id,omitempty"`
	NewState   string    `json:"new_state"`
	OccurredAt time.Time `json:"occurred_at"`
}

const (
	ENTITY_RESERVATION   = "reservation"
	ENTITY_GUEST_PASS    = "guest_pass"
	ENTITY_LINKED_TICKET = "linked_ticket"
	ENTITY_TICKET        = "ticket"
	ENTITY_LEDGER        = "capacity"
)

type TriggerKind string

const (
	TRIGGER_RESERVATION_CREATED   TriggerKind = "reservation.created"
	TRIGGER_RESERVATION_CONFIRMED TriggerKind = "reservation.confirmed"
	TRIGGER_RESERVATION_CANCELLED TriggerKind = "reservation.cancelled"
	TRIGGER_RESERVATION_EXPIRED   TriggerKind = "reservation.expired"
	TRIGGER_TICKET_ISSUED         TriggerKind = "ticket.issued"
)

type NotificationTrigger struct {
	Kind          TriggerKind    `json:"kind"`
	ReservationID uint           `json:"reservation_id,omitempty"`
	TicketID      uint           `json:"ticket_id,omitempty"`
	EventID       uint           `json:"event_id"`
	Recipient     string         `json:"recipient"`
	Data          map[string]any `json:"data,omitempty"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// Emitter is what the write paths depend on. Calls must happen after the
// producing transaction committed.
type Emitter interface {
	Publish(ev ChangeEvent)
	Trigger(t NotificationTrigger)
}

type Sink interface {
	Name() string
	PublishChange(ctx context.Context, ev ChangeEvent) error
}

type TriggerSink interface {
	Name() string
	SendTrigger(ctx context.Context, t NotificationTrigger) error
}

type discard struct{}

func (discard) Publish(ChangeEvent)         {}
func (discard) Trigger(NotificationTrigger) {}

// Discard drops everything.
var Discard Emitter = discard{}

type Notifier struct {
	changes  chan ChangeEvent
	triggers chan NotificationTrigger

	mu           sync.RWMutex
	sinks        []Sink
	triggerSinks []TriggerSink
	closed       bool

	attempts int
	backoff  time.Duration
	timeout  time.Duration

	dropped atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once
}

func New(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 1
	}
	return &Notifier{
		changes:  make(chan ChangeEvent, buffer),
		triggers: make(chan NotificationTrigger, buffer),
		attempts: 3,
		backoff:  200 * time.Millisecond,
		timeout:  5 * time.Second,
	}
}

// WithRetry sets the per-sink attempt count and the initial backoff.
func (n *Notifier) WithRetry(attempts int, backoff time.Duration) *Notifier {
	if attempts > 0 {
		n.attempts = attempts
	}
	n.backoff = backoff
	return n
}

func (n *Notifier) AddSink(s Sink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sinks = append(n.sinks, s)
}

func (n *Notifier) AddTriggerSink(s TriggerSink) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.triggerSinks = append(n.triggerSinks, s)
}

// Dropped counts events discarded because the buffer was full or the
// notifier was closed.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

func (n *Notifier) Publish(ev ChangeEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.dropped.Add(1)
		return
	}
	select {
	case n.changes <- ev:
	default:
		n.dropped.Add(1)
		log.Printf("[notifier] buffer full, dropping %s %d -> %s\n", ev.EntityType, ev.EntityID, ev.NewState)
	}
}

func (n *Notifier) Trigger(t NotificationTrigger) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		n.dropped.Add(1)
		return
	}
	select {
	case n.triggers <- t:
	default:
		n.dropped.Add(1)
		log.Printf("[notifier] buffer full, dropping trigger %s\n", t.Kind)
	}
}

// Start runs the dispatch loop until Close is called. Cancelling ctx stops
// intake the same way Close does; events already buffered are still
// delivered, and sink calls never inherit the cancellation.
func (n *Notifier) Start(ctx context.Context) {
	dispatch := context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		done := ctx.Done()
		changes, triggers := n.changes, n.triggers
		for changes != nil || triggers != nil {
			select {
			case <-done:
				n.shut()
				done = nil
			case ev, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				n.dispatchChange(dispatch, ev)
			case t, ok := <-triggers:
				if !ok {
					triggers = nil
					continue
				}
				n.dispatchTrigger(dispatch, t)
			}
		}
	}()
}

func (n *Notifier) shut() {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.changes)
		close(n.triggers)
		n.mu.Unlock()
	})
}

// Close stops accepting events, flushes what is buffered and waits for the
// dispatch loop to exit.
func (n *Notifier) Close() {
	n.shut()
	n.wg.Wait()
}

func (n *Notifier) dispatchChange(ctx context.Context, ev ChangeEvent) {
	n.mu.RLock()
	sinks := append([]Sink(nil), n.sinks...)
	n.mu.RUnlock()
	for _, s := range sinks {
		s := s
		n.retry(ctx, s.Name(), func(ctx context.Context) error {
			return s.PublishChange(ctx, ev)
		})
	}
}

func (n *Notifier) dispatchTrigger(ctx context.Context, t NotificationTrigger) {
	n.mu.RLock()
	sinks := append([]TriggerSink(nil), n.triggerSinks...)
	n.mu.RUnlock()
	for _, s := range sinks {
		s := s
		n.retry(ctx, s.Name(), func(ctx context.Context) error {
			return s.SendTrigger(ctx, t)
		})
	}
}

func (n *Notifier) retry(ctx context.Context, name string, fn func(ctx context.Context) error) {
	wait := n.backoff
	for attempt := 1; attempt <= n.attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return
		}
		log.Printf("[notifier] %s attempt %d/%d failed: %s\n", name, attempt, n.attempts, err.Error())
		if attempt == n.attempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
	}
}
