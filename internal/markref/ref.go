// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package markref implements a lock-free "markable reference": a pointer
// that carries one extra bit of state (the mark) which can be tested,
// set, and CAS'd atomically together with the pointer itself.
//
// The underlying C library this package's callers are modeled on (nbds)
// packs the mark into a spare high bit of a 64-bit word alongside the
// pointer payload. That trick is memory-unsafe under a moving/precise
// garbage collector: a GC cannot recognize a tagged integer as a live
// pointer. Instead, Ref[T] CAS's a small *Node[T] box holding {Ptr,
// Marked} via atomic.Pointer. The box is immutable once published, so a
// successful CAS is a single atomic pointer swap with exactly the same
// retry semantics (load, decide, CAS, retry-on-failure) as the packed
// word original.
//
// Every list/skiplist "next" link in this module is a Ref[T]; the mark
// bit means "the node owning this link is logically removed" (or, at a
// non-bottom skiplist level, "logically removed at this level").
package markref

import "sync/atomic"

// Node is the immutable value CAS'd into a Ref: a pointer plus its mark.
type Node[T any] struct {
	Ptr    *T
	Marked bool
}

// Ref is an atomically markable reference to a *T.
type Ref[T any] struct {
	p atomic.Pointer[Node[T]]
}

// NewRef returns a Ref initialized to (ptr, unmarked).
func NewRef[T any](ptr *T) *Ref[T] {
	r := &Ref[T]{}
	r.p.Store(&Node[T]{Ptr: ptr})
	return r
}

// Load returns the current pointer and mark bit.
func (r *Ref[T]) Load() (ptr *T, marked bool) {
	n := r.p.Load()
	return n.Ptr, n.Marked
}

// CAS attempts to atomically replace (oldPtr, oldMarked) with (newPtr,
// newMarked). It fails (returns false) if the currently published node
// does not match (oldPtr, oldMarked) bit-for-bit, exactly as a CAS on a
// packed word would.
func (r *Ref[T]) CAS(oldPtr *T, oldMarked bool, newPtr *T, newMarked bool) bool {
	cur := r.p.Load()
	if cur.Ptr != oldPtr || cur.Marked != oldMarked {
		return false
	}
	return r.p.CompareAndSwap(cur, &Node[T]{Ptr: newPtr, Marked: newMarked})
}

// Mark sets the mark bit via a retry loop, leaving the pointer untouched,
// and reports whether the bit was already set by a racing thread (the
// Go analogue of "fetch-or returned a word with the tag already set").
func (r *Ref[T]) Mark() (alreadyMarked bool) {
	for {
		cur := r.p.Load()
		if cur.Marked {
			return true
		}
		if r.p.CompareAndSwap(cur, &Node[T]{Ptr: cur.Ptr, Marked: true}) {
			return false
		}
	}
}

// Store unconditionally replaces the reference. Only used at
// construction time (publishing a brand new tower level) where no other
// thread can yet observe the link.
func (r *Ref[T]) Store(ptr *T, marked bool) {
	r.p.Store(&Node[T]{Ptr: ptr, Marked: marked})
}
