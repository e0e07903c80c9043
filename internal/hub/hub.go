// Package hub routes scan frames to websocket subscribers on the service
// side. Frames are encoded once per broadcast, and slow connections drop
// frames rather than stall the executor.
package hub

import (
	"encoding/json"
	"log"
	"sync"
)

type subscriber struct {
	ch        chan []byte
	closeOnce sync.Once
	closed    bool
}

func (sub *subscriber) close() {
	sub.closeOnce.Do(func() {
		sub.closed = true
		close(sub.ch)
	})
}

func (sub *subscriber) send(frame []byte) bool {
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- frame:
		return true
	default:
		return false
	}
}

// Hub tracks which connections watch which scan.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subscribers: make(map[string][]*subscriber)}
}

// Subscribe registers a connection for scanID's frames.
func (h *Hub) Subscribe(scanID string) chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &subscriber{ch: make(chan []byte, 32)}
	h.subscribers[scanID] = append(h.subscribers[scanID], sub)
	return sub.ch
}

// Unsubscribe removes a connection and closes its channel.
func (h *Hub) Unsubscribe(scanID string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[scanID]
	for i, sub := range subs {
		if sub.ch == ch {
			// Remove from the slice first, then close safely
			h.subscribers[scanID] = append(subs[:i], subs[i+1:]...)
			sub.close()
			break
		}
	}

	if len(h.subscribers[scanID]) == 0 {
		delete(h.subscribers, scanID)
	}
}

// Broadcast encodes msg once and sends it to every subscriber of scanID.
func (h *Hub) Broadcast(scanID string, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Printf("hub: encoding frame for scan %s: %v", scanID, err)
		return
	}

	h.mu.RLock()
	// Copy the slice to avoid holding the lock during sends
	subs := make([]*subscriber, len(h.subscribers[scanID]))
	copy(subs, h.subscribers[scanID])
	h.mu.RUnlock()

	for _, sub := range subs {
		sub.send(frame)
	}
}

// CloseScan closes every subscriber channel for scanID. Called once the
// scan reaches a terminal status and the frame sequence is complete.
func (h *Hub) CloseScan(scanID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subscribers[scanID] {
		sub.close()
	}
	delete(h.subscribers, scanID)
}

// Connections reports how many connections watch scanID.
func (h *Hub) Connections(scanID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[scanID])
}
