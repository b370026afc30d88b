package bench

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/llxisdsh/robinhood"
	"github.com/llxisdsh/robinhood/internal/logutil"
	"github.com/llxisdsh/robinhood/trace"
)

// Options is the [bench] section of the bench configuration.
type Options struct {
	// Workers lists the worker counts of the parallel runs.
	Workers []int `toml:"workers"`
	// TraceDB is the SQLite file traces are cached in. Empty disables the
	// cache.
	TraceDB string `toml:"trace_db"`
	// TraceName is the key of the trace inside TraceDB.
	TraceName string `toml:"trace_name"`
}

// Config is the bench configuration file.
type Config struct {
	Table robinhood.Config  `toml:"table"`
	Trace trace.GenConfig   `toml:"trace"`
	Bench Options           `toml:"bench"`
	Log   logutil.LogConfig `toml:"log"`
}

// DefaultConfig returns the configuration used for keys absent from the
// file.
func DefaultConfig() Config {
	return Config{
		Trace: trace.GenConfig{
			UniqueKeys: 100_000,
			Length:     1_000_000,
			Seed:       1,
		},
		Bench: Options{
			Workers:   []int{1, 2, 4, 8, 16, 32},
			TraceName: "default",
		},
	}
}

// LoadConfig reads a TOML bench configuration from path on top of
// DefaultConfig. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "decode %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return Config{}, errors.Errorf("unknown keys %v in %s", undecoded, path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate checks every section.
func (cfg *Config) Validate() error {
	if err := cfg.Table.Validate(); err != nil {
		return err
	}
	if err := cfg.Trace.Validate(); err != nil {
		return err
	}
	for _, w := range cfg.Bench.Workers {
		if w <= 0 {
			return errors.Errorf("bench: worker count %d must be positive", w)
		}
	}
	if cfg.Bench.TraceDB != "" && cfg.Bench.TraceName == "" {
		return errors.New("bench: trace_name is required with trace_db")
	}
	return nil
}
