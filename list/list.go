// Package list implements a Harris-Michael lock-free sorted
// singly-linked list with logical-mark-then-physical-unlink removal. It
// is one of the three interchangeable backends nbmap dispatches to.
//
// Keys are ordered by a caller-supplied comparator: the original's
// integer-subtraction-or-user-comparator split collapses in Go to one
// comparator argument (pass cmp.Compare[int] or similar for integer
// keys). Values are `any`, with the reserved internal/valtype.Absent
// sentinel meaning "not present".
package list

import (
	"sync/atomic"

	"github.com/argv0/nbds/internal/markref"
	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/valtype"
)

type node[K any] struct {
	key   K
	value atomic.Pointer[any]
	next  markref.Ref[node[K]]
}

// List is a lock-free sorted singly-linked list keyed by K.
type List[K any] struct {
	cmp   func(a, b K) int
	head  markref.Ref[node[K]]
	count atomic.Int64
	dom   *reclaim.Domain
}

// New creates an empty List ordered by cmp. dom is the reclamation
// domain unlinked nodes are handed to; pass nil to skip deferred release
// bookkeeping entirely (acceptable in Go since the GC reclaims unlinked
// nodes on its own once unreachable).
func New[K any](cmp func(a, b K) int, dom *reclaim.Domain) *List[K] {
	l := &List[K]{cmp: cmp, dom: dom}
	l.head.Store(nil, false)
	return l
}

func (l *List[K]) deferFree(t int) {
	if l.dom != nil {
		l.dom.DeferFree(t, func() {})
	}
}

// findPredecessor walks from the head looking for the first node whose
// key is >= key. When helpRemove is true (all mutating call sites), a
// logically-marked node encountered along the way is physically unlinked
// before the walk continues; a failed unlink CAS restarts the whole walk
// from the head, matching struct/list.c's search().
func (l *List[K]) findPredecessor(key K, helpRemove bool, t int) (pred *markref.Ref[node[K]], curr *node[K]) {
	for {
		pred = &l.head
		cur, _ := pred.Load()
		restart := false
		for {
			if cur == nil {
				return pred, nil
			}
			next, marked := cur.next.Load()
			if marked {
				if !helpRemove {
					cur = next
					continue
				}
				if pred.CAS(cur, false, next, false) {
					l.deferFree(t)
					cur = next
					continue
				}
				restart = true
				break
			}
			if l.cmp(cur.key, key) >= 0 {
				return pred, cur
			}
			pred = &cur.next
			cur = next
		}
		if !restart {
			return pred, cur
		}
	}
}

// Get returns the value mapped to key, or valtype.Absent.
func (l *List[K]) Get(key K) any {
	_, cur := l.findPredecessor(key, false, 0)
	if cur == nil || l.cmp(cur.key, key) != 0 {
		return valtype.Absent
	}
	if v := cur.value.Load(); v != nil {
		return *v
	}
	return valtype.Absent
}

// Cas implements the insert/update family struct/list.c's ll_cas drives:
// the expectation decides whether a miss is an error (Exists), allocates
// a new node (DoesNotExist/Whatever), and a hit is only applied if the
// observed current value satisfies expect. Returns the value observed
// before the operation (or valtype.Absent), matching the original's
// "error via observed value" convention.
func (l *List[K]) Cas(key K, expect valtype.Expectation, newVal any, t int) any {
	for {
		pred, cur := l.findPredecessor(key, true, t)
		if cur == nil || l.cmp(cur.key, key) != 0 {
			if !expect.CompatibleWithAbsence() {
				return valtype.Absent
			}
			n := &node[K]{key: key}
			v := newVal
			n.value.Store(&v)
			succ := cur
			n.next.Store(succ, false)
			if pred.CAS(succ, false, n, false) {
				l.count.Add(1)
				return valtype.Absent
			}
			continue
		}

		for {
			old := cur.value.Load()
			oldVal := any(valtype.Absent)
			if old != nil {
				oldVal = *old
			}
			if valtype.IsAbsent(oldVal) {
				// Concurrently removed; restart the outer search.
				break
			}
			if !expect.Satisfied(oldVal) {
				return oldVal
			}
			v := newVal
			if cur.value.CompareAndSwap(old, &v) {
				return oldVal
			}
		}
	}
}

// Add inserts key -> val only if key is not already present. Returns
// valtype.Absent on success, or the current value on failure.
func (l *List[K]) Add(key K, val any, t int) any {
	return l.Cas(key, valtype.DoesNotExist, val, t)
}

// Set unconditionally installs key -> val, returning the prior value (or
// valtype.Absent).
func (l *List[K]) Set(key K, val any, t int) any {
	return l.Cas(key, valtype.Whatever, val, t)
}

// Replace installs key -> val only if key is already present.
func (l *List[K]) Replace(key K, val any, t int) any {
	return l.Cas(key, valtype.Exists, val, t)
}

// Remove deletes key, returning its value (or valtype.Absent if it was
// not present). The linearisation point is the fetch-or that sets the
// mark bit on the node's next link.
func (l *List[K]) Remove(key K, t int) any {
	pred, cur := l.findPredecessor(key, true, t)
	if cur == nil || l.cmp(cur.key, key) != 0 {
		return valtype.Absent
	}
	if alreadyMarked := cur.next.Mark(); alreadyMarked {
		return valtype.Absent
	}
	absent := any(valtype.Absent)
	oldPtr := cur.value.Swap(&absent)
	oldVal := any(valtype.Absent)
	if oldPtr != nil {
		oldVal = *oldPtr
	}
	l.count.Add(-1)
	next, _ := cur.next.Load()
	if pred.CAS(cur, false, next, false) {
		l.deferFree(t)
	}
	return oldVal
}

// Count returns the number of live keys.
func (l *List[K]) Count() int64 {
	return l.count.Load()
}

// Iterator walks the list best-effort: not a consistent snapshot under
// concurrent mutation.
type Iterator[K any] struct {
	cur *node[K]
}

// Iter returns an iterator starting at the first live node.
func (l *List[K]) Iter() *Iterator[K] {
	cur, _ := l.head.Load()
	return &Iterator[K]{cur: cur}
}

// Next advances the iterator, skipping logically-removed nodes, and
// reports the next (key, value) pair. ok is false once the list is
// exhausted.
func (it *Iterator[K]) Next() (key K, val any, ok bool) {
	for it.cur != nil {
		next, marked := it.cur.next.Load()
		if marked {
			it.cur = next
			continue
		}
		n := it.cur
		it.cur = next
		v := n.value.Load()
		if v == nil || valtype.IsAbsent(*v) {
			continue
		}
		return n.key, *v, true
	}
	return key, nil, false
}
