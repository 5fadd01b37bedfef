package stm

import (
	"runtime"
	"sync/atomic"

	"github.com/argv0/nbds/internal/obslog"
	"github.com/argv0/nbds/internal/valtype"
)

// versionKind distinguishes the three states txn/txn.c packs into the
// tagged `version` word of an update record.
type versionKind int8

const (
	vkCommitted versionKind = iota // untagged: a published version number
	vkOwner                        // T1-tagged: points at the owning, not-yet-resolved Txn
	vkAborted                      // the ABORTED_VERSION sentinel
)

type versionField struct {
	kind      versionKind
	committed uint64
	owner     *Txn
}

var abortedVersion = &versionField{kind: vkAborted}

// updateRecord is one node of a key's version chain. next holds the raw
// map word this record superseded: a plain value, another *chainHead,
// or valtype.Absent.
type updateRecord struct {
	version atomic.Pointer[versionField]
	value   any
	next    atomic.Pointer[any]
}

func (r *updateRecord) loadNext() any {
	p := r.next.Load()
	if p == nil {
		return valtype.Absent
	}
	return *p
}

// chainHead is the T2-tagged map value marking "this word is the head of
// an update-record chain" rather than an inline plain value.
type chainHead struct {
	head *updateRecord
}

type writeLogEntry struct {
	key any
	rec *updateRecord
}

// Txn is one optimistic transaction.
type Txn struct {
	mgr *Manager
	id  uint64

	rv    uint64
	wv    atomic.Uint64
	state atomic.Int32

	// writeLog holds one entry per written key: a repeated Set on the same
	// key within a transaction replaces the prior entry rather than
	// appending a second, a per-key slot rather than a multiset.
	writeLog map[any]*writeLogEntry
}

// State reports the transaction's current lifecycle stage.
func (txn *Txn) State() State { return State(txn.state.Load()) }

// Get implements txn/txn.c's tm_get: reads-your-own-writes from the
// write log, otherwise walks the key's version chain for the newest
// record visible to this transaction's read version, waiting (via
// resolve) on any peer transaction whose validation blocks that decision.
func (txn *Txn) Get(key any) (any, error) {
	if s := txn.State(); s != Running {
		if s == Aborted {
			return valtype.Absent, ErrTxnAborted
		}
		return valtype.Absent, ErrTxnNotRunning
	}
	if e, ok := txn.writeLog[key]; ok {
		return e.rec.value, nil
	}
	word := txn.mgr.backing.Get(key)
	val := txn.resolveWord(word)
	if _, isChain := word.(*chainHead); isChain {
		txn.mgr.gc(key, txn)
	}
	return val, nil
}

// resolveWord walks word (and, through superseded records, any earlier
// word) looking for the newest value visible to txn.rv.
func (txn *Txn) resolveWord(word any) any {
	for {
		ch, isChain := word.(*chainHead)
		if !isChain {
			if valtype.IsAbsent(word) {
				return valtype.Absent
			}
			return word
		}
		rec := ch.head
		for {
			vf := rec.version.Load()
			visible := false
			switch vf.kind {
			case vkCommitted:
				visible = vf.committed <= txn.rv
			case vkOwner:
				if vf.owner == txn {
					visible = true
					break
				}
				switch vf.owner.State() {
				case Validating:
					wv := vf.owner.wv.Load()
					if wv != undeterminedWV && wv <= txn.rv {
						txn.mgr.resolve(vf.owner)
						continue // re-examine this record with its now-published version
					}
				case Validated, Aborted:
					// Publish may not have landed in our view yet; help (a
					// no-op once already resolved) and re-check.
					txn.mgr.resolve(vf.owner)
					continue
				}
			case vkAborted:
			}
			if visible {
				return rec.value
			}
			switch nv := rec.loadNext().(type) {
			case *chainHead:
				rec = nv.head
				continue
			default:
				word = nv
			}
			break
		}
	}
}

// Set implements txn/txn.c's tm_set: allocates an update record tagged
// to this transaction, chains it onto the currently observed map word,
// and CASes it in, retrying on a lost race.
func (txn *Txn) Set(key, val any) error {
	if s := txn.State(); s != Running {
		if s == Aborted {
			return ErrTxnAborted
		}
		return ErrTxnNotRunning
	}
	for {
		word := txn.mgr.backing.Get(key)
		rec := &updateRecord{value: val}
		rec.version.Store(&versionField{kind: vkOwner, owner: txn})
		nextWord := word
		rec.next.Store(&nextWord)

		expect := valtype.Whatever
		if valtype.IsAbsent(word) {
			expect = valtype.DoesNotExist
		} else {
			expect = valtype.Concrete(word)
		}

		prev := txn.mgr.backing.Cas(key, expect, &chainHead{head: rec}, 0)
		if !expect.Satisfied(prev) {
			continue
		}

		if txn.writeLog == nil {
			txn.writeLog = make(map[any]*writeLogEntry, 4)
		}
		txn.writeLog[key] = &writeLogEntry{key: key, rec: rec}
		return nil
	}
}

// Commit runs the validate-then-publish protocol. Safe to call from
// more than one goroutine concurrently on the same Txn (a reader that
// blocked on this transaction during Get waits for its outcome) — see
// resolve.
func (txn *Txn) Commit() State {
	return txn.mgr.resolve(txn)
}

// Abort marks a RUNNING transaction ABORTED, publishing ABORTED_VERSION
// to every update record it installed. On a transaction that has already
// left RUNNING it waits for and returns that transaction's terminal state.
func (txn *Txn) Abort() State {
	if !txn.state.CompareAndSwap(int32(Running), int32(Validating)) {
		return txn.awaitTerminal()
	}
	txn.publish(Aborted, 0)
	txn.state.Store(int32(Aborted))
	txn.mgr.retire(txn)
	return Aborted
}

func (txn *Txn) awaitTerminal() State {
	for {
		if s := txn.State(); s == Validated || s == Aborted {
			return s
		}
		runtime.Gosched()
	}
}

// resolve runs (or, if another goroutine already started it, awaits) the
// validate-then-publish protocol for txn. Any number of goroutines may
// call resolve concurrently on the same txn: the state-transition CAS
// below ensures only one of them drives validation. Every other caller
// spins in awaitTerminal until that goroutine stores the final state, so
// a transaction already past RUNNING completes only when the goroutine
// that won the CAS runs; other callers do not take over its validation.
func (mgr *Manager) resolve(txn *Txn) State {
	if s := txn.State(); s == Validated || s == Aborted {
		return s
	}
	if !txn.state.CompareAndSwap(int32(Running), int32(Validating)) {
		return txn.awaitTerminal()
	}

	if len(txn.writeLog) == 0 {
		txn.state.Store(int32(Validated))
		mgr.retire(txn)
		return Validated
	}

	wv := txn.wv.Load()
	if wv == undeterminedWV {
		wv = uint64(mgr.global.add(1))
		txn.wv.Store(wv)
	}

	ok := true
	for _, e := range txn.writeLog {
		if !mgr.validateKey(txn, e) {
			ok = false
			break
		}
	}

	final := Aborted
	if ok {
		final = Validated
	} else {
		obslog.L().Debug().Uint64("txn", txn.id).Msg("stm: transaction aborted on validation")
	}
	txn.publish(final, wv)
	txn.state.Store(int32(final))
	mgr.retire(txn)
	return final
}

// validateKey re-walks the live chain at e.key looking for a conflicting
// write below e.rec: any other transaction's committed write with a
// version newer than txn.rv means txn's snapshot is stale for this key.
// A RUNNING peer is ignored: it cannot commit before us without seeing
// us first. A VALIDATING peer with a lower wv is helped first (the
// deadlock-breaker: lower wv validates first).
func (mgr *Manager) validateKey(txn *Txn, e *writeLogEntry) bool {
	word := txn.mgr.backing.Get(e.key)
	for {
		ch, isChain := word.(*chainHead)
		if !isChain {
			return true
		}
		rec := ch.head
		for rec != nil {
			if rec == e.rec {
				return true
			}
			vf := rec.version.Load()
			switch vf.kind {
			case vkAborted:
				rec = recordAbove(rec)
			case vkCommitted:
				return vf.committed <= txn.rv
			case vkOwner:
				if vf.owner == txn {
					rec = recordAbove(rec)
					continue
				}
				switch vf.owner.State() {
				case Running:
					rec = recordAbove(rec)
				case Validating:
					peerWV := vf.owner.wv.Load()
					if peerWV != undeterminedWV && peerWV < txn.wv.Load() {
						mgr.resolve(vf.owner)
						continue // re-check the same rec now that it's resolved
					}
					rec = recordAbove(rec)
				default:
					mgr.resolve(vf.owner)
					continue
				}
			}
		}
		return true
	}
}

func recordAbove(rec *updateRecord) *updateRecord {
	if ch, ok := rec.loadNext().(*chainHead); ok {
		return ch.head
	}
	return nil
}

func (txn *Txn) publish(final State, wv uint64) {
	var vf *versionField
	if final == Validated {
		vf = &versionField{kind: vkCommitted, committed: wv}
	} else {
		vf = abortedVersion
	}
	for _, e := range txn.writeLog {
		// A repeated Set on one key leaves this transaction's earlier
		// records further down the chain; publish those as well.
		for r := e.rec; r != nil; r = recordAbove(r) {
			if cur := r.version.Load(); cur.kind == vkOwner && cur.owner == txn {
				r.version.Store(vf)
			}
		}
	}
}

// gc opportunistically severs the tail of key's version chain once
// every record below a point is older than the oldest read-version any
// live transaction still holds, and folds the chain head back to a
// plain value once it alone is old enough to be visible to everyone.
//
// Severing drops the link below older, not older itself: older stays
// reachable as the chain's new floor for any transaction whose rv still
// requires it, since only records strictly below older are guaranteed
// invisible to every live reader.
func (mgr *Manager) gc(key any, txn *Txn) {
	word := txn.mgr.backing.Get(key)
	ch, isChain := word.(*chainHead)
	if !isChain {
		return
	}
	minRV, hasActive := mgr.minActiveRV()
	head := ch.head
	vf := head.version.Load()
	if vf.kind != vkCommitted {
		return
	}
	if older, ok := head.loadNext().(*chainHead); ok {
		ovf := older.head.version.Load()
		if ovf.kind == vkCommitted && (!hasActive || ovf.committed < minRV) {
			sev := any(valtype.Absent)
			older.head.next.Store(&sev)
		}
	}
	if !hasActive || vf.committed <= minRV {
		txn.mgr.backing.Cas(key, valtype.Concrete(word), head.value, 0)
	}
}
