package registry

import (
	"errors"
	"sync"
)

// ErrNotInitialized is returned by Handle.Notify before the characteristic
// backing the handle has been published.
var ErrNotInitialized = errors.New("registry: endpoint is not initialized")

// NotifyFunc pushes a value to subscribed centrals.
type NotifyFunc func(value any) error

// Handle is the endpoint's view of its characteristic. The registry creates
// it unbound; only the session publishing the characteristic binds it.
type Handle struct {
	mu     sync.RWMutex
	notify NotifyFunc
}

func newHandle() *Handle { return &Handle{} }

// IsInitialized reports whether the characteristic is live.
func (h *Handle) IsInitialized() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.notify != nil
}

// Notify sends value through the bound characteristic.
func (h *Handle) Notify(value any) error {
	h.mu.RLock()
	fn := h.notify
	h.mu.RUnlock()
	if fn == nil {
		return ErrNotInitialized
	}
	return fn(value)
}

// Bind makes the handle live. Called by the session that owns the
// peripheral after a successful publish; fn must be non-nil.
func (h *Handle) Bind(fn NotifyFunc) {
	if fn == nil {
		panic("registry: Bind called with nil notify func")
	}
	h.mu.Lock()
	h.notify = fn
	h.mu.Unlock()
}

// Unbind returns the handle to the uninitialized state.
func (h *Handle) Unbind() {
	h.mu.Lock()
	h.notify = nil
	h.mu.Unlock()
}
