// Package rt implements the dense per-thread index registry
// runtime/lwt.c's thread_init()/MAX_NUM_THREADS hands out, which the
// rest of nbds's "t int" thread-index parameters assume a caller has
// already obtained. Callers that spin up a fixed pool of worker
// goroutines (cmd/nbds's bench command) call Init once per goroutine and
// use the returned index wherever the library wants one.
package rt

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
)

// MaxThreads bounds the number of distinct goroutine slots the registry
// will hand out. It must be a power of two, matching the C original's
// MAX_NUM_THREADS build-time constant.
const MaxThreads = 64

// ErrTooManyThreads is returned by Init when every slot in [0, MaxThreads)
// is already taken.
var ErrTooManyThreads = fmt.Errorf("rt: more than %d concurrent participants", MaxThreads)

// Thread is the per-goroutine state every participating goroutine owns
// for the lifetime of the process (or at least its own lifetime — slots
// are never recycled, matching runtime/lwt.c's leak-on-exit design).
type Thread struct {
	Index int
	Rand  *rand.Rand
}

var nextIndex atomic.Int64

// Init assigns the calling participant a dense index in [0, MaxThreads)
// and initializes its RNG. It is safe to call concurrently; each call
// returns a fresh *Thread. Mirrors runtime/lwt.c's thread_init().
func Init() (*Thread, error) {
	idx := nextIndex.Add(1) - 1
	if idx >= MaxThreads {
		return nil, ErrTooManyThreads
	}
	return &Thread{
		Index: int(idx),
		Rand:  rand.New(rand.NewPCG(uint64(idx)+1, 0xda3e39cb94b95bdb)),
	}, nil
}

// NumActive reports how many slots have been handed out so far. Exposed
// for tests and the CLI driver; not used for any correctness decision.
func NumActive() int {
	return int(nextIndex.Load())
}
