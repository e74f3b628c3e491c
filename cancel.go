package toolrpc

import (
	"sync"
)

// DefaultCancelCapacity bounds the number of in-flight cancellation handles
// tracked at once.
const DefaultCancelCapacity = 1000

// CancelHandle cooperatively signals that an in-flight call should stop
// caring about its result. Setting the flag does not interrupt running
// executor code; only checkpoints that explicitly poll observe it.
type CancelHandle struct {
	mu        sync.Mutex
	cancelled bool
	listeners []func()
}

// NewCancelHandle creates a standalone handle, unattached to any registry.
func NewCancelHandle() *CancelHandle {
	return &CancelHandle{}
}

// Cancel flips the handle and fires registered listeners once. Subsequent
// calls are no-ops.
func (h *CancelHandle) Cancel() {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	listeners := h.listeners
	h.listeners = nil
	h.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Cancelled reports whether the handle has been flipped.
func (h *CancelHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// OnCancel registers a listener fired when the handle is cancelled. A
// listener registered after cancellation fires immediately.
func (h *CancelHandle) OnCancel(fn func()) {
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		fn()
		return
	}
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// CancelRegistry tracks cancellation handles for in-flight calls, keyed by
// request id. The map is capacity-bounded: on overflow the oldest handle is
// evicted. Handles are always removed when the call finishes, whatever the
// outcome.
type CancelRegistry struct {
	mu       sync.Mutex
	capacity int
	handles  map[RequestID]*CancelHandle
	order    []RequestID
}

// NewCancelRegistry creates a registry bounded at capacity handles.
// Non-positive capacities fall back to DefaultCancelCapacity.
func NewCancelRegistry(capacity int) *CancelRegistry {
	if capacity <= 0 {
		capacity = DefaultCancelCapacity
	}
	return &CancelRegistry{
		capacity: capacity,
		handles:  make(map[RequestID]*CancelHandle),
	}
}

// Register allocates a handle for id, evicting the oldest entry when the
// registry is full. Registering an id that is already present replaces the
// older handle; the older call simply loses cancellability.
func (r *CancelRegistry) Register(id RequestID) *CancelHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handles[id]; exists {
		r.removeFromOrder(id)
	} else if len(r.handles) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.handles, oldest)
	}

	handle := &CancelHandle{}
	r.handles[id] = handle
	r.order = append(r.order, id)
	return handle
}

// Cancel flips the handle registered under id, if present.
func (r *CancelRegistry) Cancel(id RequestID) bool {
	r.mu.Lock()
	handle, ok := r.handles[id]
	r.mu.Unlock()

	if !ok {
		return false
	}
	handle.Cancel()
	return true
}

// Remove drops the handle registered under id.
func (r *CancelRegistry) Remove(id RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[id]; !ok {
		return
	}
	delete(r.handles, id)
	r.removeFromOrder(id)
}

// Len returns the number of tracked handles.
func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *CancelRegistry) removeFromOrder(id RequestID) {
	for i, candidate := range r.order {
		if candidate == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}
