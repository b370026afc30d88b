package robinhood

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/llxisdsh/robinhood/internal/logutil"
)

const (
	// maxStripes bounds the number of stripe locks of a ParTable.
	maxStripes = 1 << 16
	// stripesPerCPU scales the default stripe count with GOMAXPROCS.
	stripesPerCPU = 4
)

// Config defines table construction options. Zero fields select defaults.
type Config struct {
	// InitialCapacity is the starting slot count, a power of two.
	InitialCapacity uint64 `toml:"initial_capacity"`
	// MaxLoadFactor in (0,1) is the occupancy that triggers doubling.
	MaxLoadFactor float64 `toml:"max_load_factor"`
	// Stripes is the number of stripe locks of a ParTable, a power of two.
	Stripes int `toml:"stripes"`
	// MaxCapacity caps growth; inserts that would need more fail with
	// ErrCapacityExceeded.
	MaxCapacity uint64 `toml:"max_capacity"`

	keyHash any
	seed    uint64
	hasSeed bool
	logger  *zap.Logger
}

// Option configures a table.
type Option func(*Config)

// WithInitialCapacity sets the starting slot count. Values that are not a
// power of two are rounded up.
func WithInitialCapacity(capacity uint64) Option {
	return func(c *Config) {
		c.InitialCapacity = capacity
	}
}

// WithMaxLoadFactor sets the occupancy threshold that triggers a resize.
// Values outside (0,1) are ignored.
func WithMaxLoadFactor(f float64) Option {
	return func(c *Config) {
		c.MaxLoadFactor = f
	}
}

// WithStripes sets the number of stripe locks used by ParTable. SeqTable
// ignores it.
func WithStripes(n int) Option {
	return func(c *Config) {
		c.Stripes = n
	}
}

// WithMaxCapacity caps the capacity the table may grow to.
func WithMaxCapacity(capacity uint64) Option {
	return func(c *Config) {
		c.MaxCapacity = capacity
	}
}

// WithKeyHash replaces the default hasher. The table constructor panics if
// K does not match the key type of the table.
func WithKeyHash[K comparable](fn HashFunc[K]) Option {
	return func(c *Config) {
		c.keyHash = fn
	}
}

// WithSeed fixes the hash seed, which is otherwise random per table.
func WithSeed(seed uint64) Option {
	return func(c *Config) {
		c.seed = seed
		c.hasSeed = true
	}
}

// WithLogger sets the logger used for resize events. The default is the
// global logger of internal/logutil.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithConfig copies the exported fields of cfg, typically loaded with
// LoadConfig.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		c.InitialCapacity = cfg.InitialCapacity
		c.MaxLoadFactor = cfg.MaxLoadFactor
		c.Stripes = cfg.Stripes
		c.MaxCapacity = cfg.MaxCapacity
	}
}

// Validate reports the first field that the constructors would have to
// correct.
func (c *Config) Validate() error {
	if c.InitialCapacity != 0 && bits.OnesCount64(c.InitialCapacity) != 1 {
		return errors.Wrapf(ErrInvalidConfig, "initial_capacity %d is not a power of two", c.InitialCapacity)
	}
	if c.InitialCapacity != 0 && c.InitialCapacity < minCapacity {
		return errors.Wrapf(ErrInvalidConfig, "initial_capacity %d is below %d", c.InitialCapacity, minCapacity)
	}
	if c.MaxLoadFactor != 0 && (c.MaxLoadFactor <= 0 || c.MaxLoadFactor >= 1) {
		return errors.Wrapf(ErrInvalidConfig, "max_load_factor %v is outside (0,1)", c.MaxLoadFactor)
	}
	if c.Stripes < 0 || c.Stripes > maxStripes ||
		(c.Stripes != 0 && bits.OnesCount(uint(c.Stripes)) != 1) {
		return errors.Wrapf(ErrInvalidConfig, "stripes %d is not a power of two in [1,%d]", c.Stripes, maxStripes)
	}
	if c.MaxCapacity != 0 && c.MaxCapacity < max(c.InitialCapacity, minCapacity) {
		return errors.Wrapf(ErrInvalidConfig, "max_capacity %d is below initial_capacity %d", c.MaxCapacity, c.InitialCapacity)
	}
	return nil
}

// String implement the formatting output interface fmt.Stringer
func (c Config) String() string {
	return fmt.Sprintf("Config{InitialCapacity: %d, MaxLoadFactor: %v, Stripes: %d, MaxCapacity: %d}",
		c.InitialCapacity, c.MaxLoadFactor, c.Stripes, c.MaxCapacity)
}

// LoadConfig decodes a TOML table configuration from path and validates it.
// Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "decode %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return Config{}, errors.Wrapf(ErrInvalidConfig, "unknown keys %v in %s", undecoded, path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// newConfig applies options and replaces unusable values with defaults.
func newConfig(options []Option) *Config {
	c := &Config{}
	for _, o := range options {
		o(c)
	}

	if c.MaxCapacity == 0 || c.MaxCapacity > maxTableCapacity {
		c.MaxCapacity = maxTableCapacity
	}
	c.MaxCapacity = nextPowOf2(c.MaxCapacity)
	if c.MaxCapacity > maxTableCapacity {
		c.MaxCapacity = maxTableCapacity
	}
	if c.MaxCapacity < minCapacity {
		c.MaxCapacity = minCapacity
	}

	if c.InitialCapacity == 0 {
		c.InitialCapacity = defaultInitialCapacity
	}
	c.InitialCapacity = max(nextPowOf2(min(c.InitialCapacity, c.MaxCapacity)), minCapacity)

	if c.MaxLoadFactor <= 0 || c.MaxLoadFactor >= 1 {
		c.MaxLoadFactor = defaultMaxLoadFactor
	}

	if c.Stripes <= 0 {
		c.Stripes = min(max(stripesPerCPU*runtime.GOMAXPROCS(0), 2), 1024)
	}
	c.Stripes = int(min(nextPowOf2(uint64(c.Stripes)), maxStripes))

	if !c.hasSeed {
		c.seed = rand.Uint64()
	}
	if c.logger == nil {
		c.logger = logutil.GetGlobalLogger()
	}
	return c
}

// resolveKeyHash returns the configured hasher for K, or the default one.
// A hasher for another key type is a programming error.
func resolveKeyHash[K comparable](c *Config) HashFunc[K] {
	if c.keyHash == nil {
		return defaultHasher[K]()
	}
	fn, ok := c.keyHash.(HashFunc[K])
	if !ok {
		panic(fmt.Sprintf("robinhood: key hash %T does not match key type %T", c.keyHash, *new(K)))
	}
	return fn
}
