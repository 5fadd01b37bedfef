// Package nbmap implements a uniform map façade that dispatches
// alloc/get/set/add/cas/replace/remove/count/print to one of three
// interchangeable backends (list, skiplist, hashtable), grounded on
// include/map.h's "one map type, chosen backend at construction time"
// interface.
//
// Grounded on torua's small facade-over-interface services (a thin type
// holding a concrete implementation behind a handful of methods, no
// runtime backend-switching) generalized here to backend selection at
// construction.
package nbmap

import (
	"errors"
	"fmt"
	"io"

	"github.com/argv0/nbds/hashtable"
	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/valtype"
	"github.com/argv0/nbds/list"
	"github.com/argv0/nbds/skiplist"
)

// Kind identifies which backend a Map was constructed with.
type Kind int

const (
	ListBacked Kind = iota
	SkiplistBacked
	HashtableBacked
)

func (k Kind) String() string {
	switch k {
	case ListBacked:
		return "list"
	case SkiplistBacked:
		return "skiplist"
	case HashtableBacked:
		return "hashtable"
	default:
		return "unknown"
	}
}

// ErrInvalidOption names the original's "invalid option" error code:
// small negative integers become named sentinel errors rather than magic
// numbers. No function in this package returns it; Stat reports an
// unknown query as ErrUnsupported.
var ErrInvalidOption = errors.New("nbmap: invalid option")

// ErrUnsupported is returned by Stat for any query the backend does not
// implement.
var ErrUnsupported = errors.New("nbmap: unsupported stat")

// backend is the common shape list.List, skiplist.Skiplist, and
// hashtable.Hashtable (instantiated with K = any) all already satisfy.
type backend[K any] interface {
	Get(key K) any
	Cas(key K, expect valtype.Expectation, newVal any, t int) any
	Add(key K, val any, t int) any
	Set(key K, val any, t int) any
	Replace(key K, val any, t int) any
	Remove(key K, t int) any
	Count() int64
}

// Iterator is the common shape of list.Iterator, skiplist.Iterator, and
// hashtable.Iterator's Next method.
type Iterator[K any] interface {
	Next() (key K, val any, ok bool)
}

// Map is a uniform façade over one backend instance, selected once at
// construction via NewList/NewSkiplist/NewHashtable.
type Map[K any] struct {
	kind   Kind
	b      backend[K]
	iterFn func() (Iterator[K], func())
	dumpFn func(io.Writer)
}

// NewList backs the map with package list: a sorted singly-linked list,
// best for small maps or as a collision-chain building block.
func NewList[K any](cmp func(a, b K) int, dom *reclaim.Domain) *Map[K] {
	l := list.New(cmp, dom)
	return &Map[K]{
		kind: ListBacked,
		b:    l,
		iterFn: func() (Iterator[K], func()) {
			return l.Iter(), nil
		},
	}
}

// NewSkiplist backs the map with package skiplist: an ordered,
// multi-level lock-free map, the default choice for ordered workloads
// above list's small-N sweet spot.
func NewSkiplist[K any](cmp func(a, b K) int, dom *reclaim.Domain) *Map[K] {
	s := skiplist.New(cmp, dom)
	return &Map[K]{
		kind: SkiplistBacked,
		b:    s,
		iterFn: func() (Iterator[K], func()) {
			return s.Iter(), nil
		},
	}
}

// NewHashtable backs the map with package hashtable: an unordered,
// cooperatively-resizing hash table, the default choice for unordered
// workloads needing O(1) access. Only usable as Map[any] since
// hashtable.Hashtable is not generic over key type.
func NewHashtable(hashFn func(key any) uint64, dom *reclaim.Domain, opts ...hashtable.Option) *Map[any] {
	h := hashtable.New(hashFn, dom, opts...)
	return &Map[any]{
		kind: HashtableBacked,
		b:    h,
		iterFn: func() (Iterator[any], func()) {
			it := h.Iter()
			return it, it.Close
		},
		dumpFn: h.Dump,
	}
}

// Kind reports which backend this Map was constructed with.
func (m *Map[K]) Kind() Kind { return m.kind }

func (m *Map[K]) Get(key K) any { return m.b.Get(key) }

func (m *Map[K]) Cas(key K, expect valtype.Expectation, newVal any, t int) any {
	return m.b.Cas(key, expect, newVal, t)
}

func (m *Map[K]) Add(key K, val any, t int) any     { return m.b.Add(key, val, t) }
func (m *Map[K]) Set(key K, val any, t int) any     { return m.b.Set(key, val, t) }
func (m *Map[K]) Replace(key K, val any, t int) any { return m.b.Replace(key, val, t) }
func (m *Map[K]) Remove(key K, t int) any           { return m.b.Remove(key, t) }

// Count returns the number of live keys.
func (m *Map[K]) Count() int64 { return m.b.Count() }

// MapIterator wraps a backend iterator, closing any generation pin the
// hash table backend may have taken (a no-op for list/skiplist).
type MapIterator[K any] struct {
	it    Iterator[K]
	close func()
}

// Next advances the iterator.
func (mi *MapIterator[K]) Next() (key K, val any, ok bool) { return mi.it.Next() }

// Close releases any resources pinned by Iter. Safe to call multiple
// times and safe to omit for list/skiplist-backed maps (it is a no-op
// there), but required for hashtable-backed maps to let a retired
// generation be reclaimed.
func (mi *MapIterator[K]) Close() {
	if mi.close != nil {
		mi.close()
		mi.close = nil
	}
}

// Iter returns a best-effort iterator over the map's current contents:
// not a consistent snapshot under concurrent mutation.
func (m *Map[K]) Iter() *MapIterator[K] {
	it, closeFn := m.iterFn()
	return &MapIterator[K]{it: it, close: closeFn}
}

// Stat implements the original's map_stat query; only StatCount is
// defined.
type Stat int

const StatCount Stat = 0

func (m *Map[K]) Stat(s Stat) (uint64, error) {
	if s != StatCount {
		return 0, ErrUnsupported
	}
	return uint64(m.Count()), nil
}

// Dump writes a best-effort human-readable listing of live entries,
// restoring the original's map_print.
func (m *Map[K]) Dump(w io.Writer) {
	if m.dumpFn != nil {
		m.dumpFn(w)
		return
	}
	fmt.Fprintf(w, "%s map: count=%d\n", m.kind, m.Count())
	it := m.Iter()
	defer it.Close()
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		fmt.Fprintf(w, "  %v -> %v\n", k, v)
	}
}
