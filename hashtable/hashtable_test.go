package hashtable

import (
	"hash/maphash"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/valtype"
)

var seed = maphash.MakeSeed()

func intHash(key any) uint64 {
	var h maphash.Hash
	h.SetSeed(seed)
	n := key.(int)
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(n >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum64()
}

// TestBasicCRUD exercises a basic add/get/set/remove CRUD sequence.
func TestBasicCRUD(t *testing.T) {
	h := New(intHash, reclaim.NewDomain(4))
	assert.Equal(t, valtype.Absent, h.Add(1, 10, 0))
	assert.Equal(t, valtype.Absent, h.Add(2, 20, 0))
	assert.Equal(t, 20, h.Get(2))
	assert.Equal(t, 10, h.Set(1, 11, 0))
	assert.Equal(t, 20, h.Add(2, 22, 0))
	assert.Equal(t, 11, h.Remove(1, 0))
	assert.Equal(t, valtype.Absent, h.Remove(1, 0))
	assert.EqualValues(t, 1, h.Count())
}

func TestReplaceRequiresExisting(t *testing.T) {
	h := New(intHash, reclaim.NewDomain(4))
	assert.Equal(t, valtype.Absent, h.Replace(1, "x", 0))
	assert.Equal(t, valtype.Absent, h.Get(1))
	h.Add(1, "y", 0)
	assert.Equal(t, "y", h.Replace(1, "z", 0))
	assert.Equal(t, "z", h.Get(1))
}

// TestGrowthTriggersResize inserts well past the initial scale, which
// must trigger one or more cooperative resizes, with every key
// remaining reachable throughout and afterward.
func TestGrowthTriggersResize(t *testing.T) {
	const n = 5000
	h := New(intHash, reclaim.NewDomain(1), WithMinScale(4))
	for i := 0; i < n; i++ {
		require.Equal(t, valtype.Absent, h.Add(i, i*2, 0))
	}
	assert.EqualValues(t, n, h.Count())
	for i := 0; i < n; i++ {
		require.Equal(t, i*2, h.Get(i), "key %d", i)
	}
	for i := 0; i < n; i += 2 {
		require.Equal(t, i*2, h.Remove(i, 0))
	}
	assert.EqualValues(t, n/2, h.Count())
	for i := 1; i < n; i += 2 {
		require.Equal(t, i*2, h.Get(i))
	}
}

// TestConcurrentGrowth drives concurrent inserts across several
// workers through a resize; the live count must match the net effect
// of every completed operation.
func TestConcurrentGrowth(t *testing.T) {
	const perWorker = 1000
	const workers = 4
	dom := reclaim.NewDomain(workers)
	h := New(intHash, dom, WithMinScale(4))

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(thread int) {
			defer wg.Done()
			base := thread * perWorker
			for i := 0; i < perWorker; i++ {
				h.Add(base+i, base+i, thread)
			}
			dom.Update(thread)
		}(w)
	}
	wg.Wait()

	assert.EqualValues(t, workers*perWorker, h.Count())
	for w := 0; w < workers; w++ {
		base := w * perWorker
		for i := 0; i < perWorker; i++ {
			assert.Equal(t, base+i, h.Get(base+i))
		}
	}
}

func TestIterVisitsLiveKeysOnly(t *testing.T) {
	h := New(intHash, reclaim.NewDomain(1))
	for i := 0; i < 20; i++ {
		h.Add(i, i, 0)
	}
	for i := 0; i < 20; i += 2 {
		h.Remove(i, 0)
	}
	it := h.Iter()
	defer it.Close()
	seen := map[int]bool{}
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		seen[k.(int)] = true
		assert.Equal(t, k, v)
	}
	assert.Len(t, seen, 10)
	for k := range seen {
		assert.Equal(t, 1, k%2)
	}
}

func TestStatValue(t *testing.T) {
	h := New(intHash, reclaim.NewDomain(1))
	h.Add(1, 1, 0)
	h.Add(2, 2, 0)
	n, err := h.StatValue(StatCount)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = h.StatValue(Stat(99))
	assert.ErrorIs(t, err, ErrUnsupported)
}
