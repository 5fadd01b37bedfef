// Package hashtable implements an open-addressed, power-of-two,
// lock-free hash table with cooperative incremental resizing between
// "generations" (Cliff-Click-style), grounded on struct/ht.c.
//
// The C original packs a cache-line-sized bucket of entries and probes
// within the bucket before hopping to another bucket chosen from the
// hash's high bits, and packs a 16-bit hash-prefix into the spare bits
// of a pointer-valued key word as an equality shortcut. The bucket
// grouping is a cache-locality optimisation with no correctness
// consequence and is dropped here (Go gives no control over how a
// []entry backing array is laid out in cache lines); the hash-prefix
// equality shortcut is kept (packedKey.hashPrefix) since it costs
// nothing and is pure arithmetic, not pointer tagging. See DESIGN.md.
package hashtable

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/argv0/nbds/internal/obslog"
	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/valtype"
)

// MinScale is the smallest table size, as a power of two, an empty table
// is created with, matching struct/ht.c's MIN_SCALE.
const MinScale = 4

const entriesPerCopyChunk = 128

type slotState int8

const (
	stateEmpty slotState = iota
	stateLive
	stateTombstone
	stateCopying
	stateCopied
)

type valueSlot struct {
	state slotState
	val   any
}

type packedKey struct {
	hashPrefix uint16
	key        any
}

type entry struct {
	key atomic.Pointer[packedKey]
	val atomic.Pointer[valueSlot]
}

type generation struct {
	entries  []entry
	scale    int
	mask     int
	maxProbe int

	live      atomic.Int64
	next      atomic.Pointer[generation]
	copyScan  atomic.Int64
	numCopied atomic.Int64

	// refcount counts live Iterator pins: 0 idle, >0 pinned, -1 claimed
	// for retirement (see tryRetire). Once -1 it never goes positive
	// again; Iter reloads h.cur instead of racing the claim.
	refcount atomic.Int32
}

func newGeneration(scale int) *generation {
	n := 1 << uint(scale)
	mp := n/4 + 4
	if mp < 250 {
		mp = 250
	}
	if mp > n {
		mp = n
	}
	return &generation{
		entries:  make([]entry, n),
		scale:    scale,
		mask:     n - 1,
		maxProbe: mp,
	}
}

// probe walks the open-addressed probe sequence for hash/key within this
// generation. found reports a key match; noRoom reports that the probe
// limit was reached without finding either a match or an empty slot
// (caller must trigger/await a resize).
func (g *generation) probe(hash uint64, key any) (idx int, e *entry, found bool, noRoom bool) {
	hp := uint16(hash >> 48)
	step := int((hash>>32)|1) & g.mask
	if step == 0 {
		step = 1
	}
	cur := int(hash) & g.mask
	for i := 0; i < g.maxProbe; i++ {
		e := &g.entries[cur]
		pk := e.key.Load()
		if pk == nil {
			return cur, e, false, false
		}
		if pk.hashPrefix == hp && pk.key == key {
			return cur, e, true, false
		}
		cur = (cur + step) & g.mask
	}
	return 0, nil, false, true
}

// Hashtable is a lock-free resizable hash map.
type Hashtable struct {
	hashFn func(key any) uint64
	cur    atomic.Pointer[generation]
	dom    *reclaim.Domain
}

// Option configures New.
type Option func(*config)

type config struct {
	minScale int
}

// WithMinScale sets the initial table size as a power of two (default
// MinScale), restoring struct/ht.c's ht_alloc initial-capacity knob.
func WithMinScale(scale int) Option {
	return func(c *config) { c.minScale = scale }
}

// New creates an empty Hashtable. hashFn must be deterministic and
// consistent with Go's == for the key type actually stored.
func New(hashFn func(key any) uint64, dom *reclaim.Domain, opts ...Option) *Hashtable {
	c := config{minScale: MinScale}
	for _, o := range opts {
		o(&c)
	}
	h := &Hashtable{hashFn: hashFn, dom: dom}
	h.cur.Store(newGeneration(c.minScale))
	return h
}

func (h *Hashtable) deferFree(t int) {
	if h.dom != nil {
		h.dom.DeferFree(t, func() {})
	}
}

// startResize installs (or returns the already-installed) successor
// generation for g, sized by occupancy: always at least double, and
// double again if more than half full.
func (h *Hashtable) startResize(g *generation) *generation {
	if next := g.next.Load(); next != nil {
		return next
	}
	occupancy := float64(g.live.Load()) / float64(1<<uint(g.scale))
	inc := 1
	if occupancy > 0.5 {
		inc = 2
	}
	ng := newGeneration(g.scale + inc)
	if g.next.CompareAndSwap(nil, ng) {
		return ng
	}
	return g.next.Load()
}

// helpMigrate copies one fixed-size chunk of g's entries into its
// successor on behalf of whichever thread called it, matching struct/ht.c's
// ht_help_copy's cooperative fixed-size-chunk migration. If the chunk
// completes the migration, the table's current generation pointer is
// advanced.
func (h *Hashtable) helpMigrate(g *generation, t int) {
	next := g.next.Load()
	if next == nil {
		return
	}
	n := len(g.entries)
	start := int(g.copyScan.Add(entriesPerCopyChunk)) - entriesPerCopyChunk
	if start < n {
		end := start + entriesPerCopyChunk
		if end > n {
			end = n
		}
		for i := start; i < end; i++ {
			h.copyEntry(g, next, i)
		}
		if done := g.numCopied.Add(int64(end - start)); done >= int64(n) {
			h.finishMigration(g, next, t)
		}
	} else if g.numCopied.Load() >= int64(n) {
		h.finishMigration(g, next, t)
	}
}

// finishMigration advances the table's current generation pointer past g
// once every entry has been copied into next, then attempts to retire g.
// Advancing h.cur is always safe even if g is still retiring: every entry
// in a fully-migrated g is tagged stateCopied, so any operation that
// still finds g via a stale load follows it forward to next itself.
func (h *Hashtable) finishMigration(g, next *generation, t int) {
	if h.cur.CompareAndSwap(g, next) {
		obslog.L().Debug().Int("old_scale", g.scale).Int("new_scale", next.scale).
			Msg("hashtable: generation migrated")
	}
	h.tryRetire(g, t)
}

// tryRetire claims g for retirement by CASing its refcount from 0 to -1
// (a generation may not retire while referenced, and setting the
// refcount to -1 claims the "about to retire" right so no further Iter
// call can pin it). The claim fails harmlessly if a live iterator still
// holds a pin; whichever Close call brings the refcount back to 0 retries
// the claim.
func (h *Hashtable) tryRetire(g *generation, t int) {
	if !g.refcount.CompareAndSwap(0, -1) {
		return
	}
	obslog.L().Debug().Int("scale", g.scale).Msg("hashtable: generation retired")
	h.deferFree(t)
}

// copyEntry migrates the single source entry at index idx of g into
// next, per struct/ht.c's ht_copy_entry per-entry-copy state machine.
func (h *Hashtable) copyEntry(g, next *generation, idx int) {
	e := &g.entries[idx]
	for {
		vs := e.val.Load()
		if vs != nil && vs.state == stateCopied {
			return
		}
		if vs == nil {
			if e.val.CompareAndSwap(nil, &valueSlot{state: stateCopied}) {
				return
			}
			continue
		}
		if vs.state != stateCopying {
			tagged := &valueSlot{state: stateCopying, val: vs.val}
			if vs.state == stateTombstone {
				tagged.val = nil
			}
			if !e.val.CompareAndSwap(vs, tagged) {
				continue
			}
			vs = tagged
		}
		if vs.val == nil {
			e.val.Store(&valueSlot{state: stateCopied})
			return
		}

		pk := e.key.Load()
		hash := h.hashFn(pk.key)
		dst := next
		for {
			didx, de, found, noRoom := dst.probe(hash, pk.key)
			if noRoom {
				dst = h.startResize(dst)
				continue
			}
			if !found {
				if !de.key.CompareAndSwap(nil, pk) {
					continue
				}
			}
			destOld := de.val.Load()
			if destOld != nil && destOld.state == stateCopied {
				if nn := dst.next.Load(); nn != nil {
					dst = nn
					continue
				}
			}
			if destOld == nil {
				if de.val.CompareAndSwap(nil, &valueSlot{state: stateLive, val: vs.val}) {
					dst.live.Add(1)
				}
			}
			_ = didx
			break
		}
		e.val.Store(&valueSlot{state: stateCopied})
		return
	}
}

func (h *Hashtable) get(key any, hash uint64) any {
	g := h.cur.Load()
	for {
		if g.next.Load() != nil {
			h.helpMigrate(g, 0)
		}
		idx, e, found, noRoom := g.probe(hash, key)
		if noRoom {
			if nx := g.next.Load(); nx != nil {
				g = nx
				continue
			}
			return valtype.Absent
		}
		if !found {
			return valtype.Absent
		}
		vs := e.val.Load()
		if vs == nil {
			continue // key installed, value not yet set: spin
		}
		switch vs.state {
		case stateLive:
			return vs.val
		case stateTombstone, stateEmpty:
			return valtype.Absent
		case stateCopying:
			h.copyEntry(g, g.next.Load(), idx)
			continue
		case stateCopied:
			if nx := g.next.Load(); nx != nil {
				g = nx
				continue
			}
			return valtype.Absent
		}
	}
}

// Get returns the value mapped to key, or valtype.Absent.
func (h *Hashtable) Get(key any) any {
	return h.get(key, h.hashFn(key))
}

// casInternal implements struct/ht.c's ht_cas algorithm. isDelete forces
// the installed value to TOMBSTONE regardless of newVal.
func (h *Hashtable) casInternal(key any, expect valtype.Expectation, newVal any, isDelete bool, t int) any {
	hash := h.hashFn(key)
	g := h.cur.Load()
	for {
		if g.next.Load() != nil {
			h.helpMigrate(g, t)
		}
		idx, e, found, noRoom := g.probe(hash, key)
		if noRoom {
			g = h.startResize(g)
			continue
		}
		if !found {
			if isDelete || !expect.CompatibleWithAbsence() {
				if !expect.CompatibleWithAbsence() {
					return valtype.Absent
				}
				// isDelete on an absent key: nothing to remove.
				return valtype.Absent
			}
			pk := &packedKey{hashPrefix: uint16(hash >> 48), key: key}
			if !e.key.CompareAndSwap(nil, pk) {
				continue
			}
		}

		old := e.val.Load()
		if old != nil && old.state == stateCopying {
			h.copyEntry(g, g.next.Load(), idx)
			continue
		}
		if old != nil && old.state == stateCopied {
			if nx := g.next.Load(); nx != nil {
				g = nx
				continue
			}
		}

		observed := any(valtype.Absent)
		if old != nil && old.state == stateLive {
			observed = old.val
		}
		if !expect.Satisfied(observed) {
			return observed
		}

		var next *valueSlot
		if isDelete {
			next = &valueSlot{state: stateTombstone}
		} else {
			next = &valueSlot{state: stateLive, val: newVal}
		}
		if !e.val.CompareAndSwap(old, next) {
			continue
		}
		wasLive := old != nil && old.state == stateLive
		if wasLive && isDelete {
			g.live.Add(-1)
		} else if !wasLive && !isDelete {
			g.live.Add(1)
		}
		return observed
	}
}

// Cas implements the CAS family struct/ht.c exposes as ht_cas.
func (h *Hashtable) Cas(key any, expect valtype.Expectation, newVal any, t int) any {
	return h.casInternal(key, expect, newVal, false, t)
}

func (h *Hashtable) Add(key, val any, t int) any {
	return h.Cas(key, valtype.DoesNotExist, val, t)
}
func (h *Hashtable) Set(key, val any, t int) any {
	return h.Cas(key, valtype.Whatever, val, t)
}
func (h *Hashtable) Replace(key, val any, t int) any {
	return h.Cas(key, valtype.Exists, val, t)
}

// Remove is CAS(expected=WHATEVER, new=TOMBSTONE), matching struct/ht.c's
// ht_remove.
func (h *Hashtable) Remove(key any, t int) any {
	return h.casInternal(key, valtype.Whatever, nil, true, t)
}

// Count returns the live-entry counter of the current generation (h.cur).
// Best-effort under concurrent mutation. Other generations are not
// summed: while a migration is unfinished, inserts and removals that land
// in the successor generation are not reflected until h.cur advances.
func (h *Hashtable) Count() int64 {
	return h.cur.Load().live.Load()
}

// Stat enumerates the original's MAP_STAT_COUNT query, per
// original_source/include/map.h.
type Stat int

const StatCount Stat = 0

// ErrUnsupported is returned by StatValue for any value other than StatCount.
var ErrUnsupported = fmt.Errorf("hashtable: unsupported stat")

func (h *Hashtable) StatValue(s Stat) (uint64, error) {
	if s != StatCount {
		return 0, ErrUnsupported
	}
	return uint64(h.Count()), nil
}

// Iterator walks one pinned generation snapshot best-effort: not
// consistent with concurrent writes.
type Iterator struct {
	h   *Hashtable
	g   *generation
	idx int
}

// Iter pins the current generation (bumping its refcount so migration
// cannot retire it mid-iteration) and returns an iterator over it. If the
// current generation is already claimed for retirement (refcount == -1,
// a vanishingly narrow window right after its migration finished), Iter
// reloads h.cur and retries rather than racing the claim.
func (h *Hashtable) Iter() *Iterator {
	for {
		g := h.cur.Load()
		cur := g.refcount.Load()
		if cur < 0 {
			continue
		}
		if g.refcount.CompareAndSwap(cur, cur+1) {
			return &Iterator{h: h, g: g, idx: -1}
		}
	}
}

// Close releases the generation pinned by Iter. If this was the last pin
// on a generation migration has already superseded, Close retries the
// retirement claim tryRetire gave up on while this iterator held it open.
func (it *Iterator) Close() {
	g := it.g
	for {
		cur := g.refcount.Load()
		if cur <= 0 {
			return
		}
		if g.refcount.CompareAndSwap(cur, cur-1) {
			if cur == 1 && g.next.Load() != nil && it.h.cur.Load() != g {
				it.h.tryRetire(g, 0)
			}
			return
		}
	}
}

// Next advances the iterator, returning the next live (key, value) pair.
func (it *Iterator) Next() (key, val any, ok bool) {
	for {
		it.idx++
		if it.idx >= len(it.g.entries) {
			return nil, nil, false
		}
		e := &it.g.entries[it.idx]
		pk := e.key.Load()
		if pk == nil {
			continue
		}
		vs := e.val.Load()
		if vs == nil || vs.state != stateLive {
			continue
		}
		return pk.key, vs.val, true
	}
}

// Dump writes a best-effort human-readable listing of live entries,
// restoring the original's map_print.
func (h *Hashtable) Dump(w io.Writer) {
	it := h.Iter()
	defer it.Close()
	fmt.Fprintf(w, "hashtable: scale=%d live=%d\n", it.g.scale, it.g.live.Load())
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		fmt.Fprintf(w, "  %v -> %v\n", k, v)
	}
}
