package trace

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOp_String(t *testing.T) {
	assert.Equal(t, "insert", Insert.String())
	assert.Equal(t, "search", Search.String())
	assert.Equal(t, "remove", Remove.String())
	assert.Equal(t, "Op(7)", Op(7).String())
	assert.False(t, Op(3).Valid())
}

func TestGenerate_Deterministic(t *testing.T) {
	cfg := GenConfig{UniqueKeys: 1000, Length: 10000, Seed: 42}
	a, err := Generate(cfg)
	require.NoError(t, err)
	b, err := Generate(cfg)
	require.NoError(t, err)
	require.Len(t, a, 10000)
	require.Equal(t, a, b)

	cfg.Seed = 43
	c, err := Generate(cfg)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestGenerate_Distribution(t *testing.T) {
	const n = 90000
	records, err := Generate(GenConfig{UniqueKeys: 1000, Length: n, Seed: 1})
	require.NoError(t, err)

	ops := make(map[Op]int)
	freq := make(map[uint64]int)
	for _, rec := range records {
		require.Less(t, rec.Key, uint64(1000))
		require.True(t, rec.Op.Valid())
		if rec.Op != Insert {
			require.Zero(t, rec.Value)
		}
		ops[rec.Op]++
		freq[rec.Key]++
	}
	for _, op := range []Op{Insert, Search, Remove} {
		assert.InDelta(t, n/3, ops[op], n/30, "op %s", op)
	}

	// a Zipf trace is dominated by its hottest key
	hottest := 0
	for _, c := range freq {
		hottest = max(hottest, c)
	}
	assert.Greater(t, hottest, n/20)
	assert.Less(t, len(freq), 1000+1)
}

func TestGenerate_Ratios(t *testing.T) {
	records, err := Generate(GenConfig{UniqueKeys: 10, Length: 1000, InsertRatio: 1})
	require.NoError(t, err)
	for _, rec := range records {
		require.Equal(t, Insert, rec.Op)
	}

	records, err = Generate(GenConfig{UniqueKeys: 1, Length: 100, SearchRatio: 1, RemoveRatio: 1})
	require.NoError(t, err)
	for _, rec := range records {
		require.NotEqual(t, Insert, rec.Op)
		require.Equal(t, uint64(0), rec.Key)
	}
}

func TestGenerate_Invalid(t *testing.T) {
	for _, cfg := range []GenConfig{
		{UniqueKeys: 0, Length: 10},
		{UniqueKeys: 10, Length: -1},
		{UniqueKeys: 10, InsertRatio: -1, SearchRatio: 2},
		{UniqueKeys: 10, ZipfS: 0.5},
	} {
		_, err := Generate(cfg)
		require.True(t, errors.Is(err, ErrInvalidGenConfig), "%+v: %v", cfg, err)
	}
}
