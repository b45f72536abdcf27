package status

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Event is a single status change broadcast to subscribers.
type Event struct {
	VideoID string `json:"video_id"`
	Stage   string `json:"stage,omitempty"`
	Status  string `json:"status"`
}

// Notifier fans a stream of status Events out to in-process subscribers and,
// when ServeWS is mounted (the worker's --status-addr), to websocket clients
// for local, best-effort live updates. It is not a substitute for polling the
// authoritative hash via Get; the CLI's `status --watch` polls and does not
// use it.
type Notifier struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}

	upgrader websocket.Upgrader
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		subs:     make(map[chan Event]struct{}),
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

// Publish broadcasts ev to every current subscriber without blocking; a slow
// subscriber drops events rather than stalling the publisher.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a new channel for events and returns an unsubscribe
// function.
func (n *Notifier) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.subs, ch)
		close(ch)
		n.mu.Unlock()
	}
}

// ServeWS upgrades an HTTP connection to a websocket and streams every
// published Event as JSON until the client disconnects.
func (n *Notifier) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("status: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, unsubscribe := n.Subscribe()
	defer unsubscribe()

	for ev := range ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
