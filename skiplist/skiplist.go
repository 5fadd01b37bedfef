// Package skiplist implements a lock-free multi-level generalisation of
// package list (Harris-Michael mark-then-unlink,
// randomised tower heights). It also exposes Unsafe, a single-threaded
// variant sharing the same node/tower shape but with no atomics at all,
// kept as a genuinely separate exported type rather than conflated with
// Skiplist.
//
// Tower node shape and the header-sentinel/forward-array idiom are
// grounded on other_examples/45178013_mattkeenan-zerocopyskiplist's
// generic skiplist; the mark/unlink/help protocol itself is
// package list's, generalised to MaxLevel+1 forward pointers.
package skiplist

import (
	"math/bits"
	"math/rand/v2"
	"sync/atomic"

	"github.com/argv0/nbds/internal/markref"
	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/valtype"
)

// MaxLevel is the highest tower index a node may have, matching
// struct/skiplist.c's MAX_LEVEL build-time constant.
const MaxLevel = 31

type node[K any] struct {
	key      K
	value    atomic.Pointer[any]
	topLevel int
	next     []markref.Ref[node[K]]
}

// Skiplist is a lock-free ordered map keyed by K.
type Skiplist[K any] struct {
	cmp      func(a, b K) int
	head     *node[K]
	topLevel atomic.Int32
	count    atomic.Int64
	dom      *reclaim.Domain
}

// New creates an empty Skiplist ordered by cmp.
func New[K any](cmp func(a, b K) int, dom *reclaim.Domain) *Skiplist[K] {
	s := &Skiplist[K]{
		cmp:  cmp,
		head: &node[K]{next: make([]markref.Ref[node[K]], MaxLevel+1)},
		dom:  dom,
	}
	for i := range s.head.next {
		s.head.next[i].Store(nil, false)
	}
	return s
}

func (s *Skiplist[K]) deferFree(t int) {
	if s.dom != nil {
		s.dom.DeferFree(t, func() {})
	}
}

func (s *Skiplist[K]) bumpTopLevel(level int) {
	for {
		cur := s.topLevel.Load()
		if int(cur) >= level {
			return
		}
		if s.topLevel.CompareAndSwap(cur, int32(level)) {
			return
		}
	}
}

// randomLevel draws a tower height from a geometric distribution via
// trailing-zero-counting a random word, matching struct/skiplist.c's
// random_level().
func randomLevel() int {
	r := rand.Uint64()
	if r == 0 {
		return MaxLevel
	}
	lvl := bits.TrailingZeros64(r) - 1
	if lvl < 0 {
		lvl = 0
	}
	if lvl > MaxLevel {
		lvl = MaxLevel
	}
	return lvl
}

// findPreds traverses from the highest populated level down to 0,
// filling preds[level]/succs[level] for every level it visits. A
// logically-marked node encountered is helped-unlinked when helpRemove
// is set; a lost unlink race restarts the entire traversal from the
// head, matching struct/skiplist.c's sl_find_preds().
func (s *Skiplist[K]) findPreds(key K, helpRemove bool, t int) (preds, succs [MaxLevel + 1]*node[K]) {
	for {
		restart := false
		pred := s.head
		top := int(s.topLevel.Load())
		for level := top; level >= 0; level-- {
			curr, _ := pred.next[level].Load()
			for {
				if curr == nil {
					break
				}
				next, marked := curr.next[level].Load()
				if marked {
					if !helpRemove {
						curr = next
						continue
					}
					if pred.next[level].CAS(curr, false, next, false) {
						if level == 0 {
							s.deferFree(t)
						}
						curr = next
						continue
					}
					restart = true
					break
				}
				if s.cmp(curr.key, key) < 0 {
					pred = curr
					curr = next
					continue
				}
				break
			}
			if restart {
				break
			}
			preds[level] = pred
			succs[level] = curr
		}
		if !restart {
			return preds, succs
		}
	}
}

func predAt[K any](preds [MaxLevel + 1]*node[K], head *node[K], level int) *node[K] {
	if preds[level] != nil {
		return preds[level]
	}
	return head
}

// Get returns the value mapped to key, or valtype.Absent.
func (s *Skiplist[K]) Get(key K) any {
	_, succs := s.findPreds(key, false, 0)
	curr := succs[0]
	if curr == nil || s.cmp(curr.key, key) != 0 {
		return valtype.Absent
	}
	if v := curr.value.Load(); v != nil {
		return *v
	}
	return valtype.Absent
}

// Cas implements the full insert/update family struct/skiplist.c's
// sl_cas drives.
func (s *Skiplist[K]) Cas(key K, expect valtype.Expectation, newVal any, t int) any {
	newLevel := randomLevel()
	for {
		preds, succs := s.findPreds(key, true, t)
		curr := succs[0]
		if curr != nil && s.cmp(curr.key, key) == 0 {
			retryOuter := false
			for {
				old := curr.value.Load()
				oldVal := any(valtype.Absent)
				if old != nil {
					oldVal = *old
				}
				if valtype.IsAbsent(oldVal) {
					retryOuter = true
					break
				}
				if !expect.Satisfied(oldVal) {
					return oldVal
				}
				v := newVal
				if curr.value.CompareAndSwap(old, &v) {
					return oldVal
				}
			}
			if retryOuter {
				continue
			}
		}

		if !expect.CompatibleWithAbsence() {
			return valtype.Absent
		}

		n := &node[K]{key: key, topLevel: newLevel, next: make([]markref.Ref[node[K]], newLevel+1)}
		v := newVal
		n.value.Store(&v)
		for i := 0; i <= newLevel; i++ {
			n.next[i].Store(succs[i], false)
		}

		pred0 := predAt(preds, s.head, 0)
		if !pred0.next[0].CAS(succs[0], false, n, false) {
			continue
		}
		s.count.Add(1)
		s.bumpTopLevel(newLevel)

		for level := 1; level <= newLevel; level++ {
			for {
				if _, marked := n.next[0].Load(); marked {
					// Node already logically removed before it could be
					// fully linked; abandon higher-level linking. A later
					// search will help unlink the remaining levels.
					return valtype.Absent
				}
				pred := predAt(preds, s.head, level)
				succ := succs[level]
				if pred.next[level].CAS(succ, false, n, false) {
					break
				}
				preds, succs = s.findPreds(key, true, t)
			}
		}
		return valtype.Absent
	}
}

// Add, Set, Replace mirror package list's conveniences.
func (s *Skiplist[K]) Add(key K, val any, t int) any {
	return s.Cas(key, valtype.DoesNotExist, val, t)
}
func (s *Skiplist[K]) Set(key K, val any, t int) any {
	return s.Cas(key, valtype.Whatever, val, t)
}
func (s *Skiplist[K]) Replace(key K, val any, t int) any {
	return s.Cas(key, valtype.Exists, val, t)
}

// Remove deletes key, marking top-down with the level-0 mark as the
// linearisation point, then unlinking top-down.
func (s *Skiplist[K]) Remove(key K, t int) any {
	preds, succs := s.findPreds(key, true, t)
	curr := succs[0]
	if curr == nil || s.cmp(curr.key, key) != 0 {
		return valtype.Absent
	}

	for level := curr.topLevel; level >= 1; level-- {
		curr.next[level].Mark()
	}
	if alreadyMarked := curr.next[0].Mark(); alreadyMarked {
		return valtype.Absent
	}

	absent := any(valtype.Absent)
	oldPtr := curr.value.Swap(&absent)
	oldVal := any(valtype.Absent)
	if oldPtr != nil {
		oldVal = *oldPtr
	}
	s.count.Add(-1)

	for level := curr.topLevel; level >= 0; level-- {
		pred := predAt(preds, s.head, level)
		next, _ := curr.next[level].Load()
		if pred.next[level].CAS(curr, false, next, false) && level == 0 {
			s.deferFree(t)
		}
	}
	return oldVal
}

// Count returns the number of live keys.
func (s *Skiplist[K]) Count() int64 { return s.count.Load() }

// Iterator walks the bottom level, best-effort: not a consistent
// snapshot under concurrent mutation.
type Iterator[K any] struct {
	cur *node[K]
}

// Iter returns an iterator starting at the first live node.
func (s *Skiplist[K]) Iter() *Iterator[K] {
	cur, _ := s.head.next[0].Load()
	return &Iterator[K]{cur: cur}
}

// Next advances the iterator, skipping marked nodes.
func (it *Iterator[K]) Next() (key K, val any, ok bool) {
	for it.cur != nil {
		next, marked := it.cur.next[0].Load()
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
