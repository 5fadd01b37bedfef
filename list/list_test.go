package list

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/valtype"
)

func intCmp(a, b int) int { return a - b }

// TestBasicCRUD exercises a basic add/get/set/remove CRUD sequence.
func TestBasicCRUD(t *testing.T) {
	l := New(intCmp, reclaim.NewDomain(4))

	assert.Equal(t, valtype.Absent, l.Add(1, 10, 0))
	assert.Equal(t, valtype.Absent, l.Add(2, 20, 0))
	assert.Equal(t, 20, l.Get(2))
	assert.Equal(t, 10, l.Set(1, 11, 0))
	assert.Equal(t, 20, l.Add(2, 22, 0))
	assert.Equal(t, 11, l.Remove(1, 0))
	assert.Equal(t, valtype.Absent, l.Remove(1, 0))
	assert.EqualValues(t, 1, l.Count())
}

func TestRoundTrip(t *testing.T) {
	l := New(intCmp, reclaim.NewDomain(4))
	require.Equal(t, valtype.Absent, l.Add(42, "hello", 0))
	require.Equal(t, "hello", l.Get(42))
	require.Equal(t, "hello", l.Remove(42, 0))
	require.Equal(t, valtype.Absent, l.Get(42))
}

func TestCasIdempotentUnderWhatever(t *testing.T) {
	l := New(intCmp, reclaim.NewDomain(4))
	l.Set(1, "a", 0)
	l.Set(1, "b", 0)
	l.Set(1, "b", 0)
	assert.Equal(t, "b", l.Get(1))
}

func TestReplaceRequiresExisting(t *testing.T) {
	l := New(intCmp, reclaim.NewDomain(4))
	assert.Equal(t, valtype.Absent, l.Replace(1, "x", 0))
	assert.Equal(t, valtype.Absent, l.Get(1))
	l.Add(1, "y", 0)
	assert.Equal(t, "y", l.Replace(1, "z", 0))
	assert.Equal(t, "z", l.Get(1))
}

func TestMarkMonotonicity(t *testing.T) {
	l := New(intCmp, reclaim.NewDomain(1))
	l.Add(5, "v", 0)
	_, cur := l.findPredecessor(5, false, 0)
	require.NotNil(t, cur)
	l.Remove(5, 0)
	_, marked := cur.next.Load()
	assert.True(t, marked)
	// Re-observing must still show the mark (monotonicity).
	_, marked2 := cur.next.Load()
	assert.True(t, marked2)
}

// TestConcurrentPartition runs two goroutines that add then remove
// disjoint integer partitions repeatedly; at quiescence the list must be
// empty.
func TestConcurrentPartition(t *testing.T) {
	const n = 2000
	const rounds = 5
	dom := reclaim.NewDomain(2)
	l := New(intCmp, dom)

	var wg sync.WaitGroup
	worker := func(thread int, parity int) {
		defer wg.Done()
		for r := 0; r < rounds; r++ {
			for i := parity; i < n; i += 2 {
				l.Add(i, i, thread)
			}
			dom.Update(thread)
			for i := parity; i < n; i += 2 {
				l.Remove(i, thread)
			}
			dom.Update(thread)
		}
	}
	wg.Add(2)
	go worker(0, 0)
	go worker(1, 1)
	wg.Wait()

	assert.EqualValues(t, 0, l.Count())
	it := l.Iter()
	_, _, ok := it.Next()
	assert.False(t, ok)
}

func TestIterationSum(t *testing.T) {
	const n = 1000
	l := New(intCmp, reclaim.NewDomain(1))
	for i := 1; i <= n; i++ {
		l.Add(i, i, 0)
	}
	sum := 0
	it := l.Iter()
	for {
		_, v, ok := it.Next()
		if !ok {
			break
		}
		sum += v.(int)
	}
	assert.Equal(t, n*(n+1)/2, sum)
}
