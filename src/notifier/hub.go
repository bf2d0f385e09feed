package notifier

import (
	"context"
	"sync"
)

// Hub delivers change events to in-process subscribers, keyed by event id.
// Subscribers that fall behind miss events rather than stall the hub.
type Hub struct {
	mu   sync.Mutex
	subs map[uint]map[chan ChangeEvent]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[uint]map[chan ChangeEvent]struct{}{}}
}

func (h *Hub) Name() string {
	return "hub"
}

// Subscribe returns a channel of changes for eventID (0 means every event)
// and a func that unsubscribes and closes the channel.
func (h *Hub) Subscribe(eventID uint, buffer int) (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, buffer)
	h.mu.Lock()
	if h.subs[eventID] == nil {
		h.subs[eventID] = map[chan ChangeEvent]struct{}{}
	}
	h.subs[eventID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[eventID], ch)
			if len(h.subs[eventID]) == 0 {
				delete(h.subs, eventID)
			}
			close(ch)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) PublishChange(ctx context.Context, ev ChangeEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, key := range []uint{ev.EventID, 0} {
		for ch := range h.subs[key] {
			select {
			case ch <- ev:
			default:
			}
		}
		if ev.EventID == 0 {
			break
		}
	}
	return nil
}

func (h *Hub) Subscribers(eventID uint) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[eventID])
}
