package robinhood

import (
	"encoding/json"
	"math/bits"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkSeqTable[K comparable, V any](t testing.TB, m *SeqTable[K, V]) {
	t.Helper()
	n := checkRing(t, m.slots, m.mask, func(k K) uint64 { return m.keyHash(k, m.seed) })
	if n != m.size {
		t.Fatalf("size %d, occupied slots %d", m.size, n)
	}
	if m.size > m.limit {
		t.Fatalf("size %d above load limit %d", m.size, m.limit)
	}
}

// bucketHash pins keys to explicit ideal buckets.
func bucketHash(buckets map[string]uint64) HashFunc[string] {
	return func(key string, _ uint64) uint64 {
		return buckets[key]
	}
}

func TestSeqTable_BasicOperations(t *testing.T) {
	m := NewSeqTable[int, int]()
	_, ok := m.Search(1)
	require.False(t, ok)

	inserted, err := m.Insert(1, 42)
	require.NoError(t, err)
	require.True(t, inserted)
	v, ok := m.Search(1)
	require.True(t, ok)
	require.Equal(t, 42, v)

	inserted, err = m.Insert(1, 43)
	require.NoError(t, err)
	require.False(t, inserted)
	v, _ = m.Search(1)
	require.Equal(t, 43, v)
	require.Equal(t, 1, m.Len())

	require.True(t, m.Remove(1))
	require.False(t, m.Remove(1))
	_, ok = m.Search(1)
	require.False(t, ok)
	require.Equal(t, 0, m.Len())
}

func TestSeqTable_Defaults(t *testing.T) {
	m := NewSeqTable[string, int]()
	require.Equal(t, defaultInitialCapacity, m.Cap())
	require.Equal(t, defaultMaxLoadFactor, m.maxLoadFactor)
	require.Equal(t, 0, m.Len())
}

func TestSeqTable_GrowsAtLoadFactor(t *testing.T) {
	m := NewSeqTable[uint64, uint64](WithInitialCapacity(8), WithMaxLoadFactor(0.75))
	for k := uint64(1); k <= 6; k++ {
		inserted, err := m.Insert(k, k*10)
		require.NoError(t, err)
		require.True(t, inserted)
	}
	require.Equal(t, 8, m.Cap())
	checkSeqTable(t, m)

	inserted, err := m.Insert(7, 70)
	require.NoError(t, err)
	require.True(t, inserted)
	require.Equal(t, 16, m.Cap())
	require.Equal(t, 7, m.Len())
	require.Equal(t, uint32(1), m.Stats().TotalGrowths)
	for k := uint64(1); k <= 7; k++ {
		v, ok := m.Search(k)
		require.True(t, ok, "key %d", k)
		require.Equal(t, k*10, v)
	}
	checkSeqTable(t, m)
}

func TestSeqTable_UpdateAtThresholdDoesNotGrow(t *testing.T) {
	m := NewSeqTable[uint64, uint64](WithInitialCapacity(8))
	for k := uint64(1); k <= 6; k++ {
		_, err := m.Insert(k, k)
		require.NoError(t, err)
	}
	inserted, err := m.Insert(3, 300)
	require.NoError(t, err)
	require.False(t, inserted)
	require.Equal(t, 8, m.Cap())
	v, _ := m.Search(3)
	require.Equal(t, uint64(300), v)
}

func TestSeqTable_CollidingRunAndBackwardShift(t *testing.T) {
	m := NewSeqTable[string, int](
		WithInitialCapacity(8),
		WithKeyHash(bucketHash(map[string]uint64{"A": 3, "B": 3, "C": 3})),
	)
	for i, k := range []string{"A", "B", "C"} {
		_, err := m.Insert(k, i)
		require.NoError(t, err)
	}
	for i, k := range []string{"A", "B", "C"} {
		s := m.slots[3+i]
		require.True(t, s.occupied)
		require.Equal(t, k, s.key)
		require.Equal(t, uint32(i), s.dist)
	}

	require.True(t, m.Remove("A"))
	require.Equal(t, "B", m.slots[3].key)
	require.Equal(t, uint32(0), m.slots[3].dist)
	require.Equal(t, "C", m.slots[4].key)
	require.Equal(t, uint32(1), m.slots[4].dist)
	require.False(t, m.slots[5].occupied)
	checkSeqTable(t, m)

	v, ok := m.Search("C")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestSeqTable_RemoveStopsAtHomeEntry(t *testing.T) {
	m := NewSeqTable[string, int](
		WithInitialCapacity(8),
		WithKeyHash(bucketHash(map[string]uint64{"a": 1, "b": 1, "c": 3})),
	)
	for _, k := range []string{"a", "b", "c"} {
		_, err := m.Insert(k, 0)
		require.NoError(t, err)
	}
	// b sits at 2 (dist 1), c at its ideal bucket 3
	require.True(t, m.Remove("a"))
	require.Equal(t, "b", m.slots[1].key)
	require.False(t, m.slots[2].occupied)
	require.Equal(t, "c", m.slots[3].key)
	require.Equal(t, uint32(0), m.slots[3].dist)
	checkSeqTable(t, m)
}

func TestSeqTable_CapacityExceeded(t *testing.T) {
	m := NewSeqTable[int, int](WithInitialCapacity(4), WithMaxCapacity(4))
	for k := 0; k < 3; k++ {
		_, err := m.Insert(k, k)
		require.NoError(t, err)
	}
	before := m.ToMap()

	inserted, err := m.Insert(99, 99)
	require.False(t, inserted)
	require.True(t, errors.Is(err, ErrCapacityExceeded), "err %v", err)
	require.Equal(t, 4, m.Cap())
	require.Equal(t, before, m.ToMap())
	_, ok := m.Search(99)
	require.False(t, ok)

	inserted, err = m.Insert(1, 100)
	require.NoError(t, err)
	require.False(t, inserted)
	checkSeqTable(t, m)
}

func TestSeqTable_RandomOpsAgainstMap(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	m := NewSeqTable[int, int](WithInitialCapacity(2))
	ref := make(map[int]int)
	for i := 0; i < 50000; i++ {
		k := r.IntN(3000)
		switch r.IntN(3) {
		case 0:
			inserted, err := m.Insert(k, i)
			require.NoError(t, err)
			_, existed := ref[k]
			require.Equal(t, !existed, inserted, "insert %d", k)
			ref[k] = i
		case 1:
			v, ok := m.Search(k)
			rv, rok := ref[k]
			require.Equal(t, rok, ok, "search %d", k)
			require.Equal(t, rv, v)
		case 2:
			_, existed := ref[k]
			require.Equal(t, existed, m.Remove(k), "remove %d", k)
			delete(ref, k)
		}
		if i%5000 == 0 {
			checkSeqTable(t, m)
		}
	}
	checkSeqTable(t, m)
	require.Equal(t, len(ref), m.Len())
	require.Equal(t, ref, m.ToMap())
}

func TestSeqTable_CapacityDoublesFromInitial(t *testing.T) {
	const initial = 4
	m := NewSeqTable[int, int](WithInitialCapacity(initial))
	for k := 0; k < 10000; k++ {
		_, err := m.Insert(k, k)
		require.NoError(t, err)
		c := m.Cap()
		require.Equal(t, 1, bits.OnesCount(uint(c)))
		require.LessOrEqual(t, uint64(m.Len()), loadLimit(uint64(c), m.maxLoadFactor))
		// the smallest capacity that fits the current size
		if c > initial {
			require.Greater(t, uint64(m.Len()), loadLimit(uint64(c/2), m.maxLoadFactor))
		}
	}
}

func TestSeqTable_MaxDisplacementIsLogarithmic(t *testing.T) {
	const n = 1 << 16
	r := rand.New(rand.NewPCG(7, 7))
	m := NewSeqTable[uint64, struct{}]()
	for m.Len() < n {
		_, err := m.Insert(r.Uint64(), struct{}{})
		require.NoError(t, err)
	}
	stats := m.Stats()
	require.Equal(t, uint64(n), stats.Size)
	assert.LessOrEqual(t, stats.MaxDisplacement, uint32(4*bits.Len(n)), stats.ToString())
	assert.Less(t, stats.MeanDisplacement, 4.0, stats.ToString())
	checkSeqTable(t, m)
}

func TestSeqTable_StringKeys(t *testing.T) {
	m := NewSeqTable[string, int]()
	for i := 0; i < 1000; i++ {
		_, err := m.Insert(strconv.Itoa(i), i)
		require.NoError(t, err)
	}
	for i := 0; i < 1000; i++ {
		v, ok := m.Search(strconv.Itoa(i))
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	checkSeqTable(t, m)
}

func TestSeqTable_StructKeys(t *testing.T) {
	type point struct{ x, y int32 }
	m := NewSeqTable[point, string]()
	for i := int32(0); i < 100; i++ {
		_, err := m.Insert(point{i, -i}, strconv.Itoa(int(i)))
		require.NoError(t, err)
	}
	v, ok := m.Search(point{42, -42})
	require.True(t, ok)
	require.Equal(t, "42", v)
	_, ok = m.Search(point{42, 42})
	require.False(t, ok)
}

func TestSeqTable_SeedFixesLayout(t *testing.T) {
	a := NewSeqTable[int, int](WithSeed(5))
	b := NewSeqTable[int, int](WithSeed(5))
	for k := 0; k < 100; k++ {
		_, _ = a.Insert(k, k)
		_, _ = b.Insert(k, k)
	}
	require.Equal(t, a.slots, b.slots)
}

func TestSeqTable_RangeAndAll(t *testing.T) {
	m := NewSeqTable[int, int]()
	for k := 0; k < 100; k++ {
		_, _ = m.Insert(k, k*2)
	}
	seen := make(map[int]int)
	for k, v := range m.All() {
		seen[k] = v
	}
	require.Len(t, seen, 100)
	require.Equal(t, 198, seen[99])

	n := 0
	m.Range(func(int, int) bool {
		n++
		return n < 10
	})
	require.Equal(t, 10, n)
}

func TestSeqTable_Clear(t *testing.T) {
	m := NewSeqTable[int, int](WithInitialCapacity(4))
	for k := 0; k < 100; k++ {
		_, _ = m.Insert(k, k)
	}
	m.Clear()
	require.Equal(t, 0, m.Len())
	require.Equal(t, 4, m.Cap())
	_, ok := m.Search(5)
	require.False(t, ok)
	inserted, err := m.Insert(5, 5)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestSeqTable_String(t *testing.T) {
	m := NewSeqTable[int, string]()
	require.Equal(t, "SeqTable[]", m.String())
	_, _ = m.Insert(1, "one")
	require.Equal(t, "SeqTable[1:one]", m.String())
}

func TestSeqTable_JSON(t *testing.T) {
	m := NewSeqTable[string, int]()
	for i := 0; i < 50; i++ {
		_, _ = m.Insert("k"+strconv.Itoa(i), i)
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var ref map[string]int
	require.NoError(t, json.Unmarshal(data, &ref))
	require.Equal(t, m.ToMap(), ref)

	n := NewSeqTable[string, int]()
	require.NoError(t, n.UnmarshalJSON(data))
	require.Equal(t, ref, n.ToMap())
	require.Error(t, n.UnmarshalJSON([]byte("[1,2")))
}

func TestSetDefaultJSONMarshal(t *testing.T) {
	defer SetDefaultJSONMarshal(jsonMarshal, jsonUnmarshal)
	called := false
	SetDefaultJSONMarshal(func(v any) ([]byte, error) {
		called = true
		return json.Marshal(v)
	}, json.Unmarshal)

	m := NewSeqTable[string, int]()
	_, _ = m.Insert("a", 1)
	data, err := m.MarshalJSON()
	require.NoError(t, err)
	require.True(t, called)
	require.JSONEq(t, `{"a":1}`, string(data))
}

func TestSeqTable_KeyHashTypeMismatch(t *testing.T) {
	require.Panics(t, func() {
		NewSeqTable[string, int](WithKeyHash[int](func(k int, _ uint64) uint64 { return uint64(k) }))
	})
}
