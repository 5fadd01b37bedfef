// Package valtype defines the value vocabulary shared by list, skiplist,
// hashtable, nbmap, and stm: the reserved ABSENT sentinel and the CAS
// "expectation" enum from include/common.h, so every implementation
// agrees on what "not present" and "any previous value" mean.
package valtype

// Absent is the reserved value meaning "no mapping for this key".
// Clients may not store Absent as a real value.
var Absent = &struct{ absent bool }{absent: true}

// IsAbsent reports whether v is the reserved Absent sentinel.
func IsAbsent(v any) bool { return v == Absent }

// Expectation drives the CAS family of operations: the caller supplies
// an expectation drawn from {DOES_NOT_EXIST, EXISTS, WHATEVER, a
// concrete previous value}, matching include/common.h's cas_expected_t.
type Expectation struct {
	kind kind
	want any // only meaningful when kind == kindConcrete
}

type kind int

const (
	kindDoesNotExist kind = iota
	kindExists
	kindWhatever
	kindConcrete
)

// DoesNotExist requires the key to currently be absent (used by Add).
var DoesNotExist = Expectation{kind: kindDoesNotExist}

// Exists requires the key to currently be present with any value (used
// by Replace).
var Exists = Expectation{kind: kindExists}

// Whatever matches regardless of the current value (used by Set/Remove).
var Whatever = Expectation{kind: kindWhatever}

// Concrete requires the key to currently map to exactly want.
func Concrete(want any) Expectation {
	return Expectation{kind: kindConcrete, want: want}
}

// Satisfied reports whether observed (the value currently stored, or
// Absent) meets this expectation.
func (e Expectation) Satisfied(observed any) bool {
	switch e.kind {
	case kindDoesNotExist:
		return IsAbsent(observed)
	case kindExists:
		return !IsAbsent(observed)
	case kindWhatever:
		return true
	case kindConcrete:
		return observed == e.want
	default:
		return false
	}
}

// CompatibleWithAbsence reports whether this expectation permits
// allocating a brand new node when no match was found, i.e. whether the
// expectation doesn't require a pre-existing entry.
func (e Expectation) CompatibleWithAbsence() bool {
	return e.kind == kindDoesNotExist || e.kind == kindWhatever
}
