package progress

import (
	"context"
	"sync"

	"github.com/valuation-tools/tabctl/internal/model"
)

type subscriber struct {
	ch   chan model.Event
	done chan struct{}
}

// Hub fans events out to in-process subscribers. Emit blocks until every
// subscriber accepted the event, unsubscribed, or ctx ended.
type Hub struct {
	mx     sync.RWMutex
	buffer int
	next   int
	subs   map[int]*subscriber
}

func NewHub(buffer int) *Hub {
	return &Hub{
		buffer: buffer,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe returns a channel of events and a function to release it. The
// channel is closed after unsubscribe.
func (h *Hub) Subscribe() (<-chan model.Event, func()) {
	sub := &subscriber{
		ch:   make(chan model.Event, h.buffer),
		done: make(chan struct{}),
	}
	h.mx.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mx.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			close(sub.done)
			h.mx.Lock()
			delete(h.subs, id)
			h.mx.Unlock()
			close(sub.ch)
		})
	}
}

func (h *Hub) Emit(ctx context.Context, ev model.Event) error {
	h.mx.RLock()
	defer h.mx.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) Len() int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.subs)
}
