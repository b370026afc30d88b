// Package trace produces and stores the operation traces replayed against
// the hash tables by the bench runner.
package trace

import (
	"fmt"
	"math/rand/v2"

	"github.com/pkg/errors"
)

// Op is the operation of one trace record.
type Op uint8

const (
	Insert Op = iota
	Search
	Remove
)

func (op Op) String() string {
	switch op {
	case Insert:
		return "insert"
	case Search:
		return "search"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// Valid reports whether op is one of Insert, Search and Remove.
func (op Op) Valid() bool {
	return op <= Remove
}

// Record is one operation of a trace. Value is only meaningful for Insert.
type Record struct {
	Op    Op
	Key   uint64
	Value uint64
}

// ErrInvalidGenConfig is returned by Generate for unusable parameters.
var ErrInvalidGenConfig = errors.New("trace: invalid generator config")

const (
	defaultRatio = 33.0
	defaultZipfS = 1.1
)

// GenConfig parameterizes Generate. Ratios are relative weights; when all
// three are zero the mix is an even 33/33/33.
type GenConfig struct {
	// UniqueKeys is the size of the key universe.
	UniqueKeys int `toml:"unique_keys"`
	// Length is the number of records to produce.
	Length      int     `toml:"length"`
	InsertRatio float64 `toml:"insert_ratio"`
	SearchRatio float64 `toml:"search_ratio"`
	RemoveRatio float64 `toml:"remove_ratio"`
	// ZipfS is the Zipf exponent, > 1. Zero selects 1.1.
	ZipfS float64 `toml:"zipf_s"`
	// Seed makes the trace reproducible.
	Seed uint64 `toml:"seed"`
}

func (cfg GenConfig) withDefaults() GenConfig {
	if cfg.InsertRatio == 0 && cfg.SearchRatio == 0 && cfg.RemoveRatio == 0 {
		cfg.InsertRatio, cfg.SearchRatio, cfg.RemoveRatio = defaultRatio, defaultRatio, defaultRatio
	}
	if cfg.ZipfS == 0 {
		cfg.ZipfS = defaultZipfS
	}
	return cfg
}

// Validate checks the configuration after defaults are applied.
func (cfg GenConfig) Validate() error {
	cfg = cfg.withDefaults()
	switch {
	case cfg.UniqueKeys <= 0:
		return errors.Wrapf(ErrInvalidGenConfig, "unique_keys %d must be positive", cfg.UniqueKeys)
	case cfg.Length < 0:
		return errors.Wrapf(ErrInvalidGenConfig, "length %d is negative", cfg.Length)
	case cfg.InsertRatio < 0 || cfg.SearchRatio < 0 || cfg.RemoveRatio < 0:
		return errors.Wrapf(ErrInvalidGenConfig, "negative ratio %v/%v/%v",
			cfg.InsertRatio, cfg.SearchRatio, cfg.RemoveRatio)
	case cfg.ZipfS <= 1:
		return errors.Wrapf(ErrInvalidGenConfig, "zipf_s %v must be above 1", cfg.ZipfS)
	}
	return nil
}

// Generate returns cfg.Length records. Keys are drawn from a Zipf
// distribution over cfg.UniqueKeys keys; the hottest rank is assigned to a
// random key so frequency does not follow key order. Operations are drawn
// independently by ratio. The same config always yields the same trace.
func Generate(cfg GenConfig) ([]Record, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	r := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851F42D4C957F2D))
	keys := make([]uint64, cfg.UniqueKeys)
	for i, k := range r.Perm(cfg.UniqueKeys) {
		keys[i] = uint64(k)
	}
	var zipf *rand.Zipf
	if cfg.UniqueKeys > 1 {
		zipf = rand.NewZipf(r, cfg.ZipfS, 1, uint64(cfg.UniqueKeys-1))
	}

	total := cfg.InsertRatio + cfg.SearchRatio + cfg.RemoveRatio
	records := make([]Record, cfg.Length)
	for i := range records {
		rec := &records[i]
		if zipf != nil {
			rec.Key = keys[zipf.Uint64()]
		} else {
			rec.Key = keys[0]
		}
		switch x := r.Float64() * total; {
		case x < cfg.InsertRatio:
			rec.Op = Insert
			rec.Value = r.Uint64()
		case x < cfg.InsertRatio+cfg.SearchRatio:
			rec.Op = Search
		default:
			rec.Op = Remove
		}
	}
	return records, nil
}
