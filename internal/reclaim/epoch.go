// Package reclaim implements the deferred-reclamation substrate
// grounded on runtime/rcu.c: a quiescent-state scheme (Domain) used by
// the list, skiplist, and hash table for every unlinked node, and a
// hazard-pointer scheme (HazardDomain, grounded on runtime/hazard.c) for
// read paths that cannot be bounded between quiescent points.
//
// Go already has a tracing garbage collector, so nothing here is a
// memory-safety requirement — an object is never actually use-after-freed
// just because Release fires "too early" from this package's point of
// view. What this package preserves is the *protocol*: release callbacks
// only run once every participating thread has passed a point after
// which it provably holds no reference into the unlinked structure. This
// lets callers (and tests) observe the same "not released until
// quiescent" ordering the C original guarantees, and lets the list,
// skiplist and hash table share one mechanism instead of inventing ad hoc
// teardown logic. The STM's update-chain GC does not go through this
// package: severed chain tails are left to the Go garbage collector.
package reclaim

import (
	"sync/atomic"

	"github.com/argv0/nbds/internal/obslog"
)

// slowQuiescenceThreshold is the pending-queue depth past which a thread
// is logged as falling behind on calling Update, mirroring the original
// runtime's occasional "thread is not reaching a quiescent state"
// diagnostic.
const slowQuiescenceThreshold = 4096

// Domain is one quiescent-state reclamation domain. Callers register a
// thread index (matching internal/rt.Thread.Index) with DeferFree and
// periodically call Update from that same thread to both declare a
// quiescent state and advance reclamation.
type Domain struct {
	n int

	head []atomic.Uint64   // head[t]: count of items t has ever enqueued
	seen []atomic.Uint64    // seen[t*n+u]: last head[u] that t has acknowledged

	mu      []pendingQueue
}

type pendingItem struct {
	seq     uint64
	release func()
}

type pendingQueue struct {
	items []pendingItem
}

// NewDomain creates a reclamation domain sized for n participating
// threads (n matches internal/rt.MaxThreads in production use; tests may
// use a smaller n).
func NewDomain(n int) *Domain {
	d := &Domain{
		n:    n,
		head: make([]atomic.Uint64, n),
		seen: make([]atomic.Uint64, n*n),
		mu:   make([]pendingQueue, n),
	}
	// Each thread trivially acknowledges its own head immediately.
	return d
}

func (d *Domain) seenIdx(observer, owner int) int { return observer*d.n + owner }

// DeferFree enqueues obj's release callback on behalf of thread t. The
// callback runs once every thread in the domain has acknowledged (via
// Update) a head value at least as large as this enqueue's sequence
// number. Mirrors nbds' rcu_defer_free / C4's defer_free.
func (d *Domain) DeferFree(t int, release func()) {
	seq := d.head[t].Add(1)
	q := &d.mu[t]
	q.items = append(q.items, pendingItem{seq: seq, release: release})
	d.seen[d.seenIdx(t, t)].Store(seq) // a thread always "acknowledges" its own head
	d.tryReclaim(t)
}

// Update declares a quiescent state for thread t: t currently holds no
// reference into any structure managed by this domain. It performs one
// step of ring gossip (t forwards everything it has observed, including
// its own head, to thread (t+1)%n) and then attempts to reclaim t's own
// pending queue, propagating every peer's head forward in a one-step
// gossip, matching runtime/rcu.c's quiescent-state propagation.
func (d *Domain) Update(t int) {
	d.seen[d.seenIdx(t, t)].Store(d.head[t].Load())
	next := (t + 1) % d.n
	for u := 0; u < d.n; u++ {
		v := d.seen[d.seenIdx(t, u)].Load()
		for {
			cur := d.seen[d.seenIdx(next, u)].Load()
			if cur >= v {
				break
			}
			if d.seen[d.seenIdx(next, u)].CompareAndSwap(cur, v) {
				break
			}
		}
	}
	d.tryReclaim(t)
}

// minAcknowledged returns the minimum, over every thread's gossip state,
// of the last head value of owner that thread has acknowledged.
func (d *Domain) minAcknowledged(owner int) uint64 {
	min := d.seen[d.seenIdx(0, owner)].Load()
	for t := 1; t < d.n; t++ {
		if v := d.seen[d.seenIdx(t, owner)].Load(); v < min {
			min = v
		}
	}
	return min
}

// tryReclaim releases every item of t's pending queue whose sequence
// number is covered by the current minimum acknowledgement.
func (d *Domain) tryReclaim(t int) {
	q := &d.mu[t]
	if len(q.items) == 0 {
		return
	}
	safe := d.minAcknowledged(t)
	i := 0
	for i < len(q.items) && q.items[i].seq <= safe {
		q.items[i].release()
		i++
	}
	if i > 0 {
		q.items = q.items[i:]
	}
	if n := len(q.items); n > slowQuiescenceThreshold {
		obslog.L().Warn().Int("thread", t).Int("pending", n).
			Msg("reclaim: thread slow to reach quiescence")
	}
}

// Pending reports how many deferred releases are still outstanding for
// thread t. Exposed for tests asserting the quiescent-state invariant.
func (d *Domain) Pending(t int) int {
	return len(d.mu[t].items)
}
