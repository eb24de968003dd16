package rsdb

import (
	"sync"

	"github.com/eigerco/rsdb/pkg/db"
	"github.com/eigerco/rsdb/pkg/log"
)

type descriptor interface {
	db.ConfigRef | db.TreeRef | db.IterRef
}

// handle owns one engine descriptor. Operations run under the read lock and
// release takes the write lock, so release waits for in-flight calls and no
// call ever sees a freed descriptor.
type handle[D descriptor] struct {
	mu       sync.RWMutex
	kind     string
	raw      D
	released bool
	free     func(D) error
}

// acquire wraps raw. Owners set their own finalizer and call finalize from
// it.
func acquire[D descriptor](kind string, raw D, free func(D) error) (*handle[D], error) {
	if raw == 0 {
		return nil, ErrInvalidHandle
	}
	return &handle[D]{kind: kind, raw: raw, free: free}, nil
}

// use calls fn with the live descriptor.
func (h *handle[D]) use(fn func(raw D) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.released {
		return ErrUseAfterRelease
	}
	return fn(h.raw)
}

// release frees the descriptor once. pre, if set, runs under the write lock
// before the free. Later calls do nothing and return nil.
func (h *handle[D]) release(pre func()) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil
	}
	if pre != nil {
		pre()
	}
	h.released = true
	return h.free(h.raw)
}

func (h *handle[D]) isReleased() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.released
}

// finalize releases a handle whose owner was collected without being closed.
// It is a leak backstop only.
func (h *handle[D]) finalize(pre func()) {
	if h.isReleased() {
		return
	}
	log.Binding.Warn().Str("handle", h.kind).Msg("handle was never closed, releasing it from the finalizer")
	if err := h.release(pre); err != nil {
		log.Binding.Error().Err(err).Str("handle", h.kind).Msg("releasing leaked handle failed")
	}
}

// closeHandle releases h for a Close method: failures are logged and
// returned once.
func closeHandle[D descriptor](h *handle[D], op string, pre func()) error {
	if err := h.release(pre); err != nil {
		log.Binding.Error().Err(err).Str("handle", h.kind).Msg("release failed")
		return &BackendError{Op: op, Err: err}
	}
	return nil
}
