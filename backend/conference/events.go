package conference

import (
	"sync"

	"github.com/adwski/lanmeet/backend/model"
)

const subscriberDepth = 16

// hub fans system events out to monitor-feed subscribers. Publishing never
// blocks; a subscriber that stops draining loses events, not the server.
type hub struct {
	mx   sync.Mutex
	subs map[int]chan model.Event
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan model.Event)}
}

func (h *hub) subscribe() (<-chan model.Event, func()) {
	h.mx.Lock()
	defer h.mx.Unlock()
	id := h.next
	h.next++
	ch := make(chan model.Event, subscriberDepth)
	h.subs[id] = ch
	return ch, func() {
		h.mx.Lock()
		defer h.mx.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
}

func (h *hub) publish(ev model.Event) {
	h.mx.Lock()
	defer h.mx.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
