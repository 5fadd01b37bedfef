package skiplist

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/valtype"
)

func intCmp(a, b int) int { return a - b }

func TestBasicCRUD(t *testing.T) {
	s := New(intCmp, reclaim.NewDomain(4))
	assert.Equal(t, valtype.Absent, s.Add(1, 10, 0))
	assert.Equal(t, valtype.Absent, s.Add(2, 20, 0))
	assert.Equal(t, 20, s.Get(2))
	assert.Equal(t, 10, s.Set(1, 11, 0))
	assert.Equal(t, 20, s.Add(2, 22, 0))
	assert.Equal(t, 11, s.Remove(1, 0))
	assert.Equal(t, valtype.Absent, s.Remove(1, 0))
	assert.EqualValues(t, 1, s.Count())
}

func TestOrderedInvariant(t *testing.T) {
	const n = 500
	s := New(intCmp, reclaim.NewDomain(1))
	for i := n; i >= 1; i-- {
		s.Add(i, i, 0)
	}
	it := s.Iter()
	prev := -1
	count := 0
	for {
		k, _, ok := it.Next()
		if !ok {
			break
		}
		assert.Greater(t, k, prev)
		prev = k
		count++
	}
	assert.Equal(t, n, count)
}

func TestConcurrentPartition(t *testing.T) {
	const n = 2000
	const rounds = 5
	dom := reclaim.NewDomain(2)
	s := New(intCmp, dom)

	var wg sync.WaitGroup
	worker := func(thread, parity int) {
		defer wg.Done()
		for r := 0; r < rounds; r++ {
			for i := parity; i < n; i += 2 {
				s.Add(i, i, thread)
			}
			dom.Update(thread)
			for i := parity; i < n; i += 2 {
				s.Remove(i, thread)
			}
			dom.Update(thread)
		}
	}
	wg.Add(2)
	go worker(0, 0)
	go worker(1, 1)
	wg.Wait()

	assert.EqualValues(t, 0, s.Count())
	it := s.Iter()
	_, _, ok := it.Next()
	assert.False(t, ok)
}

func TestUnsafeSingleThreaded(t *testing.T) {
	u := NewUnsafe(intCmp)
	require.Equal(t, valtype.Absent, u.Set(3, "c"))
	u.Set(1, "a")
	u.Set(2, "b")
	assert.Equal(t, "a", u.Get(1))
	assert.Equal(t, "c", u.Remove(3))
	assert.Equal(t, valtype.Absent, u.Get(3))
	assert.Equal(t, 2, u.Count())
}
