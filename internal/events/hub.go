// Package events fans worker and task lifecycle notifications out to
// in-process subscribers such as the status API's SSE stream.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the pool and the daemon.
const (
	WorkerStarted  = "worker.started"
	WorkerRecycled = "worker.recycled"
	WorkerCrashed  = "worker.crashed"
	WorkerStopped  = "worker.stopped"
	TaskCompleted  = "task.completed"
	TaskFailed     = "task.failed"
	DaemonStarted  = "daemon.started"
	DaemonStopping = "daemon.stopping"
	DaemonRestart  = "daemon.restarting"
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// WorkerData is the payload of worker.* events.
type WorkerData struct {
	WorkerID       string `json:"worker_id"`
	Slot           int    `json:"slot"`
	Generation     int    `json:"generation"`
	ExecutionCount int    `json:"execution_count"`
	Reason         string `json:"reason,omitempty"`
}

// TaskData is the payload of task.* events.
type TaskData struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	Bytes      int64  `json:"bytes"`
	Spilled    bool   `json:"spilled"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
// A nil *Hub accepts publishes and drops them.
type Hub struct {
	mu     sync.Mutex
	nextID int64
	ring   []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	// IDs are assigned under the lock so the ring stays in ID order.
	h.nextID++
	ev := Event{
		ID:   h.nextID,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers lose events rather than stall workers.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new listener. The returned cancel func closes the
// channel and is safe to call more than once.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
