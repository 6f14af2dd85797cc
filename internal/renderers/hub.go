package renderers

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/resched/pkg/protocol"
)

// sendBuffer is the number of envelopes queued per renderer before SendTo
// starts dropping.
const sendBuffer = 256

// connection holds a renderer's send channel and the routes it registered.
type connection struct {
	childID int32
	send    chan protocol.Envelope
	routes  map[int32]struct{}
}

// Hub tracks connected renderers in a thread-safe manner. Each connection
// is assigned a fresh child ID; the routes it creates become scheduler
// clients keyed by (child ID, route ID).
type Hub struct {
	mu      sync.RWMutex
	conns   map[int32]*connection
	nextID  atomic.Int32
	dropped atomic.Int64
}

// NewHub creates a new renderer hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[int32]*connection)}
}

// Add registers a renderer connection and returns its child ID and a remove
// function. send is called from a dedicated writer goroutine, one envelope
// at a time.
func (h *Hub) Add(send func(env protocol.Envelope) error) (childID int32, remove func()) {
	ch := make(chan protocol.Envelope, sendBuffer)
	childID = h.nextID.Add(1)
	rc := &connection{
		childID: childID,
		send:    ch,
		routes:  make(map[int32]struct{}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range ch {
			if err := send(env); err != nil {
				// Keep draining so SendTo never blocks on a dead writer.
				for range ch {
				}
				return
			}
		}
	}()

	h.mu.Lock()
	h.conns[childID] = rc
	h.mu.Unlock()

	var once sync.Once
	return childID, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.conns, childID)
			close(ch)
			h.mu.Unlock()

			select {
			case <-done:
			case <-time.After(1 * time.Second):
			}
		})
	}
}

// SendTo queues env for the renderer. It returns false when the renderer is
// unknown or its buffer is full.
func (h *Hub) SendTo(childID int32, env protocol.Envelope) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rc, ok := h.conns[childID]
	if !ok {
		return false
	}
	select {
	case rc.send <- env:
		return true
	default:
		h.dropped.Add(1)
		return false
	}
}

// AddRoute records routeID for the renderer. It returns false if the
// renderer is unknown or already registered the route.
func (h *Hub) AddRoute(childID, routeID int32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rc, ok := h.conns[childID]
	if !ok {
		return false
	}
	if _, dup := rc.routes[routeID]; dup {
		return false
	}
	rc.routes[routeID] = struct{}{}
	return true
}

// RemoveRoute forgets routeID. It returns false if the route was not
// registered.
func (h *Hub) RemoveRoute(childID, routeID int32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rc, ok := h.conns[childID]
	if !ok {
		return false
	}
	if _, ok := rc.routes[routeID]; !ok {
		return false
	}
	delete(rc.routes, routeID)
	return true
}

// HasRoute reports whether the renderer registered routeID.
func (h *Hub) HasRoute(childID, routeID int32) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rc, ok := h.conns[childID]
	if !ok {
		return false
	}
	_, ok = rc.routes[routeID]
	return ok
}

// Routes returns the renderer's registered routes in ascending order.
func (h *Hub) Routes(childID int32) []int32 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rc, ok := h.conns[childID]
	if !ok {
		return nil
	}
	routes := make([]int32, 0, len(rc.routes))
	for id := range rc.routes {
		routes = append(routes, id)
	}
	slices.Sort(routes)
	return routes
}

// Count returns the number of connected renderers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dropped returns how many envelopes were discarded because a renderer's
// buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
