package store

import (
	"sync"

	"github.com/ashureev/vanish/internal/domain"
)

// subscriberBuffer bounds how many undelivered snapshots a slow
// subscriber can hold. Snapshots are full state, so dropping the oldest
// pending one loses nothing.
const subscriberBuffer = 16

type subscriber struct {
	ch     chan []domain.Message
	closed bool
}

// hub fans out full message-log snapshots to the subscribers of each
// session.
type hub struct {
	mu   sync.Mutex
	subs map[string]map[int]*subscriber
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]*subscriber)}
}

// subscribe registers a new subscriber for a session. The returned cancel
// function unsubscribes and closes the channel; it is safe to call more
// than once.
func (h *hub) subscribe(sessionID string) (<-chan []domain.Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++

	sub := &subscriber{ch: make(chan []domain.Message, subscriberBuffer)}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]*subscriber)
	}
	h.subs[sessionID][id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		delete(h.subs[sessionID], id)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
		close(sub.ch)
	}
	return sub.ch, cancel
}

// broadcast delivers a snapshot to every subscriber of the session. If a
// subscriber's buffer is full the oldest pending snapshot is dropped; the
// newest state always wins.
func (h *hub) broadcast(sessionID string, snapshot []domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[sessionID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- snapshot:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- snapshot:
			default:
			}
		}
	}
}
