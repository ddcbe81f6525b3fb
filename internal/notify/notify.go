// Package notify provides an in-process notification broadcaster.
//
// The status poller publishes one deduplicated failure notification per
// scope here; the UI layer subscribes and renders them however it likes
// (toast, log line, status bar). Delivery beyond the hub is out of scope.
package notify

import (
	"sync"
	"time"
)

// Severity classifies a notification.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Notification is a single user-facing message.
type Notification struct {
	Scope     string   `json:"scope,omitempty"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
}

// Hub manages subscribers and publishes notifications.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Notification]struct{}
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[chan Notification]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its channel.
// The caller must call Unsubscribe when done.
func (h *Hub) Subscribe() chan Notification {
	ch := make(chan Notification, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Notification) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	close(ch)
	h.mu.Unlock()
}

// Publish sends a notification to all subscribers. Non-blocking: drops
// notifications for slow consumers.
func (h *Hub) Publish(n Notification) {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().Unix()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- n:
		default:
			// Drop for slow consumer
		}
	}
}

// Count returns the current number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
