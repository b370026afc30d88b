package robinhood

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewConfig_Defaults(t *testing.T) {
	c := newConfig(nil)
	require.Equal(t, uint64(defaultInitialCapacity), c.InitialCapacity)
	require.Equal(t, defaultMaxLoadFactor, c.MaxLoadFactor)
	require.Equal(t, maxTableCapacity, c.MaxCapacity)
	require.NotNil(t, c.logger)

	want := int(nextPowOf2(uint64(min(max(stripesPerCPU*runtime.GOMAXPROCS(0), 2), 1024))))
	require.Equal(t, want, c.Stripes)
}

func TestNewConfig_Normalizes(t *testing.T) {
	c := newConfig([]Option{
		WithInitialCapacity(100),
		WithMaxLoadFactor(1.5),
		WithStripes(3),
		WithMaxCapacity(1000),
	})
	require.Equal(t, uint64(128), c.InitialCapacity)
	require.Equal(t, defaultMaxLoadFactor, c.MaxLoadFactor)
	require.Equal(t, 4, c.Stripes)
	require.Equal(t, uint64(1024), c.MaxCapacity)

	c = newConfig([]Option{WithInitialCapacity(1 << 20), WithMaxCapacity(64), WithStripes(1 << 20)})
	require.Equal(t, uint64(64), c.InitialCapacity)
	require.Equal(t, maxStripes, c.Stripes)

	c = newConfig([]Option{WithInitialCapacity(1)})
	require.Equal(t, uint64(minCapacity), c.InitialCapacity)

	c = newConfig([]Option{WithInitialCapacity(1<<63 + 1)})
	require.Equal(t, maxTableCapacity, c.InitialCapacity)
	c = newConfig([]Option{WithInitialCapacity(math.MaxUint64), WithMaxCapacity(256)})
	require.Equal(t, uint64(256), c.InitialCapacity)
}

func TestNewConfig_Seed(t *testing.T) {
	c := newConfig([]Option{WithSeed(0)})
	require.True(t, c.hasSeed)
	require.Equal(t, uint64(0), c.seed)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, (&Config{}).Validate())
	require.NoError(t, (&Config{InitialCapacity: 64, MaxLoadFactor: 0.5, Stripes: 8, MaxCapacity: 1024}).Validate())

	for _, c := range []Config{
		{InitialCapacity: 100},
		{InitialCapacity: 1},
		{MaxLoadFactor: 1},
		{MaxLoadFactor: -0.5},
		{Stripes: 3},
		{Stripes: -1},
		{Stripes: maxStripes * 2},
		{InitialCapacity: 64, MaxCapacity: 32},
	} {
		err := c.Validate()
		require.True(t, errors.Is(err, ErrInvalidConfig), "%s: %v", c, err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "table.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
initial_capacity = 32
max_load_factor = 0.5
stripes = 16
max_capacity = 4096
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, Config{InitialCapacity: 32, MaxLoadFactor: 0.5, Stripes: 16, MaxCapacity: 4096}, cfg)

	m := NewSeqTable[int, int](WithConfig(cfg))
	require.Equal(t, 32, m.Cap())
	require.Equal(t, 0.5, m.maxLoadFactor)
	p := NewParTable[int, int](WithConfig(cfg))
	require.Len(t, p.stripes, 16)

	require.NoError(t, os.WriteFile(path, []byte("stripes = 6\n"), 0o644))
	_, err = LoadConfig(path)
	require.True(t, errors.Is(err, ErrInvalidConfig), "err %v", err)

	require.NoError(t, os.WriteFile(path, []byte("load_factor = 0.5\n"), 0o644))
	_, err = LoadConfig(path)
	require.True(t, errors.Is(err, ErrInvalidConfig), "err %v", err)

	require.NoError(t, os.WriteFile(path, []byte("stripes = \"many\"\n"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)
}

func TestWithLogger_ResizeEvents(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	m := NewSeqTable[int, int](WithInitialCapacity(4), WithMaxCapacity(8), WithLogger(zap.New(core)))
	for k := 0; k < 6; k++ {
		_, err := m.Insert(k, k)
		require.NoError(t, err)
	}
	_, err := m.Insert(6, 6)
	require.Error(t, err)

	grown := logs.FilterMessage("robinhood: table grown").All()
	require.Len(t, grown, 1)
	fields := grown[0].ContextMap()
	require.Equal(t, uint64(4), fields["from"])
	require.Equal(t, uint64(8), fields["to"])
	require.Equal(t, 1, logs.FilterMessage("robinhood: table cannot grow").Len())

	p := NewParTable[int, int](WithInitialCapacity(4), WithLogger(zap.New(core)))
	for k := 0; k < 4; k++ {
		_, err := p.Insert(k, k)
		require.NoError(t, err)
	}
	require.Equal(t, 2, logs.FilterMessage("robinhood: table grown").Len())
}
