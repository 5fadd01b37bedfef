package reclaim

import (
	"sync"
	"sync/atomic"
)

// hazardSlotsPerThread matches the C original's small fixed per-thread
// slot count before falling back to the dynamic extension list.
const hazardSlotsPerThread = 4

// HazardDomain is the alternative reclamation scheme grounded on
// runtime/hazard.c, used by code paths that cannot be bounded between
// Domain.Update calls — in this module, only internal/reclaim's own
// TestStack[T], restoring the external lock-free stack runtime/hazard.c's
// own test workload uses as hazard pointers' one caller.
type HazardDomain struct {
	n     int
	fixed [][hazardSlotsPerThread]atomic.Pointer[any]

	mu       sync.Mutex
	dynamic  map[int][]*atomic.Pointer[any] // thread -> extension slots
	pendingMu sync.Mutex
	pending  []hazardPending
}

type hazardPending struct {
	ptr     any
	release func()
}

// NewHazardDomain creates a hazard-pointer domain for n threads.
func NewHazardDomain(n int) *HazardDomain {
	return &HazardDomain{
		n:       n,
		fixed:   make([][hazardSlotsPerThread]atomic.Pointer[any], n),
		dynamic: make(map[int][]*atomic.Pointer[any]),
	}
}

// Publish records that thread t is currently accessing ptr, using fixed
// slot i (i < hazardSlotsPerThread). Callers must Clear the same slot
// once they stop dereferencing ptr.
func (h *HazardDomain) Publish(t, i int, ptr any) {
	h.fixed[t][i].Store(&ptr)
}

// Clear retracts a previously Published hazard slot.
func (h *HazardDomain) Clear(t, i int) {
	h.fixed[t][i].Store(nil)
}

// PublishDynamic registers an additional, dynamically-sized hazard slot
// for thread t, for the (rare) case where more than hazardSlotsPerThread
// pointers must be protected simultaneously. Returns a handle that must
// be passed to ClearDynamic when done.
func (h *HazardDomain) PublishDynamic(t int, ptr any) *atomic.Pointer[any] {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot := &atomic.Pointer[any]{}
	slot.Store(&ptr)
	h.dynamic[t] = append(h.dynamic[t], slot)
	return slot
}

// ClearDynamic retracts a dynamic hazard slot previously returned by
// PublishDynamic.
func (h *HazardDomain) ClearDynamic(t int, slot *atomic.Pointer[any]) {
	slot.Store(nil)
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.dynamic[t]
	for i, sl := range s {
		if sl == slot {
			h.dynamic[t] = append(s[:i], s[i+1:]...)
			break
		}
	}
}

// isHazarded scans every thread's published slots looking for ptr.
func (h *HazardDomain) isHazarded(ptr any) bool {
	for t := 0; t < h.n; t++ {
		for i := 0; i < hazardSlotsPerThread; i++ {
			if p := h.fixed[t][i].Load(); p != nil && *p == ptr {
				return true
			}
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, slots := range h.dynamic {
		for _, sl := range slots {
			if p := sl.Load(); p != nil && *p == ptr {
				return true
			}
		}
	}
	return false
}

// hazardDrainThreshold is the pending-list size past which DeferFree
// rescans and drains eagerly instead of waiting for the next Drain call.
const hazardDrainThreshold = 64

// DeferFree frees ptr immediately if no thread currently hazards it, or
// defers it onto the per-domain pending-free list otherwise. The pending
// list is rescanned once it grows past hazardDrainThreshold.
func (h *HazardDomain) DeferFree(ptr any, release func()) {
	if !h.isHazarded(ptr) {
		release()
		return
	}
	h.pendingMu.Lock()
	h.pending = append(h.pending, hazardPending{ptr: ptr, release: release})
	shouldDrain := len(h.pending) > hazardDrainThreshold
	h.pendingMu.Unlock()
	if shouldDrain {
		h.Drain()
	}
}

// Drain rescans the pending-free list, releasing every entry that is no
// longer hazarded by any thread.
func (h *HazardDomain) Drain() {
	h.pendingMu.Lock()
	pending := h.pending
	h.pending = nil
	h.pendingMu.Unlock()

	var keep []hazardPending
	for _, p := range pending {
		if h.isHazarded(p.ptr) {
			keep = append(keep, p)
		} else {
			p.release()
		}
	}
	if len(keep) > 0 {
		h.pendingMu.Lock()
		h.pending = append(keep, h.pending...)
		h.pendingMu.Unlock()
	}
}

// PendingCount reports the current size of the pending-free list.
func (h *HazardDomain) PendingCount() int {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return len(h.pending)
}
