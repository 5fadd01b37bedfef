package nbmap

import (
	"bytes"
	"hash/maphash"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argv0/nbds/internal/reclaim"
	"github.com/argv0/nbds/internal/valtype"
)

func intCmp(a, b int) int { return a - b }

func anyIntCmp(a, b any) int { return intCmp(a.(int), b.(int)) }

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

// TestBackendsAgree runs scenario S1's CRUD sequence identically against
// all three backends: the façade must behave the same regardless of
// which one is chosen.
func TestBackendsAgree(t *testing.T) {
	backends := map[string]*Map[any]{
		"list":      NewList(anyIntCmp, reclaim.NewDomain(4)),
		"skiplist":  NewSkiplist(anyIntCmp, reclaim.NewDomain(4)),
		"hashtable": NewHashtable(intHash, reclaim.NewDomain(4)),
	}
	for name, m := range backends {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, valtype.Absent, m.Add(1, 10, 0))
			require.Equal(t, valtype.Absent, m.Add(2, 20, 0))
			require.Equal(t, 20, m.Get(2))
			require.Equal(t, 10, m.Set(1, 11, 0))
			require.Equal(t, 20, m.Add(2, 22, 0))
			require.Equal(t, 11, m.Remove(1, 0))
			require.Equal(t, valtype.Absent, m.Remove(1, 0))
			require.EqualValues(t, 1, m.Count())
		})
	}
}

func TestStatCount(t *testing.T) {
	m := NewSkiplist(intCmp, reclaim.NewDomain(1))
	m.Add(1, "a", 0)
	m.Add(2, "b", 0)
	n, err := m.Stat(StatCount)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = m.Stat(Stat(7))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDumpListsLiveEntries(t *testing.T) {
	m := NewList(intCmp, reclaim.NewDomain(1))
	m.Add(1, "one", 0)
	m.Add(2, "two", 0)
	var buf bytes.Buffer
	m.Dump(&buf)
	out := buf.String()
	assert.Contains(t, out, "list map: count=2")
	assert.Contains(t, out, "one")
	assert.Contains(t, out, "two")
}

func TestDumpHashtableDelegates(t *testing.T) {
	m := NewHashtable(intHash, reclaim.NewDomain(1))
	m.Add(5, "five", 0)
	var buf bytes.Buffer
	m.Dump(&buf)
	assert.True(t, strings.Contains(buf.String(), "five"))
}

func TestKindReporting(t *testing.T) {
	assert.Equal(t, "list", NewList(intCmp, reclaim.NewDomain(1)).Kind().String())
	assert.Equal(t, "skiplist", NewSkiplist(intCmp, reclaim.NewDomain(1)).Kind().String())
	assert.Equal(t, "hashtable", NewHashtable(intHash, reclaim.NewDomain(1)).Kind().String())
}
