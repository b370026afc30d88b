// Package bench replays operation traces against the hash tables, one
// goroutine at a time or striped across a worker pool, and reports the wall
// clock time of each run.
package bench

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/llxisdsh/robinhood"
	"github.com/llxisdsh/robinhood/internal/logutil"
	"github.com/llxisdsh/robinhood/trace"
)

// Table is the operation surface shared by SeqTable and ParTable with
// uint64 keys and values.
type Table interface {
	Insert(key, value uint64) (bool, error)
	Search(key uint64) (uint64, bool)
	Remove(key uint64) bool
}

// ErrUnknownOp is returned by Apply for a record with an invalid operation.
var ErrUnknownOp = errors.New("bench: unknown trace op")

// ctxCheckInterval is how many records a runner applies between checks of
// its context.
const ctxCheckInterval = 1024

// Outcome is the effect of one applied record. Hit is true for an insert of
// a new key, a search that found its key, and a remove of a present key.
type Outcome struct {
	Op  trace.Op
	Hit bool
}

// Apply performs rec against t.
func Apply(t Table, rec trace.Record) (Outcome, error) {
	out := Outcome{Op: rec.Op}
	switch rec.Op {
	case trace.Insert:
		inserted, err := t.Insert(rec.Key, rec.Value)
		if err != nil {
			return out, err
		}
		out.Hit = inserted
	case trace.Search:
		_, out.Hit = t.Search(rec.Key)
	case trace.Remove:
		out.Hit = t.Remove(rec.Key)
	default:
		return out, errors.Wrapf(ErrUnknownOp, "op %d", uint8(rec.Op))
	}
	return out, nil
}

// Counts tallies outcomes by operation.
type Counts struct {
	Inserts      int64 `json:"inserts"`
	Updates      int64 `json:"updates"`
	SearchHits   int64 `json:"search_hits"`
	SearchMisses int64 `json:"search_misses"`
	Removes      int64 `json:"removes"`
	RemoveMisses int64 `json:"remove_misses"`
}

func (c *Counts) add(out Outcome) {
	switch {
	case out.Op == trace.Insert && out.Hit:
		c.Inserts++
	case out.Op == trace.Insert:
		c.Updates++
	case out.Op == trace.Search && out.Hit:
		c.SearchHits++
	case out.Op == trace.Search:
		c.SearchMisses++
	case out.Hit:
		c.Removes++
	default:
		c.RemoveMisses++
	}
}

func (c *Counts) merge(o Counts) {
	c.Inserts += o.Inserts
	c.Updates += o.Updates
	c.SearchHits += o.SearchHits
	c.SearchMisses += o.SearchMisses
	c.Removes += o.Removes
	c.RemoveMisses += o.RemoveMisses
}

// Total is the number of records applied.
func (c Counts) Total() int64 {
	return c.Inserts + c.Updates + c.SearchHits + c.SearchMisses + c.Removes + c.RemoveMisses
}

// Result describes one run.
type Result struct {
	Name    string        `json:"name"`
	Workers int           `json:"workers"`
	Records int           `json:"records"`
	Elapsed time.Duration `json:"elapsed_ns"`
	Counts  Counts        `json:"counts"`
}

// OpsPerSecond is the throughput of the run.
func (r Result) OpsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Counts.Total()) / r.Elapsed.Seconds()
}

// RunSequential applies records in order on the calling goroutine.
func RunSequential(ctx context.Context, t Table, records []trace.Record) (Result, error) {
	res := Result{Name: "sequential", Workers: 1, Records: len(records)}
	start := time.Now()
	for i := range records {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		out, err := Apply(t, records[i])
		if err != nil {
			return res, errors.Wrapf(err, "record %d", i)
		}
		res.Counts.add(out)
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// RunParallel applies records with workers goroutines drawn from pool;
// worker i applies records i, i+workers, i+2*workers and so on. A nil pool
// is replaced by a temporary one of the right size. The first error stops
// every worker and is returned.
func RunParallel(ctx context.Context, t Table, records []trace.Record, workers int, pool *ants.Pool) (Result, error) {
	if workers <= 0 {
		return Result{}, errors.Errorf("bench: %d workers", workers)
	}
	if pool == nil {
		p, err := ants.NewPool(workers)
		if err != nil {
			return Result{}, errors.Wrap(err, "create worker pool")
		}
		defer p.Release()
		pool = p
	}
	res := Result{Name: "parallel", Workers: workers, Records: len(records)}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}
	counts := make([]Counts, workers)

	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			c := &counts[w]
			for i, n := w, 0; i < len(records); i, n = i+workers, n+1 {
				if n%ctxCheckInterval == 0 && ctx.Err() != nil {
					fail(ctx.Err())
					return
				}
				out, err := Apply(t, records[i])
				if err != nil {
					fail(errors.Wrapf(err, "worker %d record %d", w, i))
					return
				}
				c.add(out)
			}
		})
		if err != nil {
			wg.Done()
			fail(errors.Wrap(err, "submit worker"))
			break
		}
	}
	wg.Wait()
	res.Elapsed = time.Since(start)

	if firstErr != nil {
		return res, firstErr
	}
	for i := range counts {
		res.Counts.merge(counts[i])
	}
	return res, nil
}

// Sweep runs records once sequentially and once in parallel per worker
// count of cfg, each on a fresh table built from cfg.Table.
func Sweep(ctx context.Context, cfg Config, records []trace.Record) (*Report, error) {
	logger := logutil.GetGlobalLogger()
	report := &Report{Records: len(records), StartedAt: time.Now()}

	opts := []robinhood.Option{robinhood.WithConfig(cfg.Table), robinhood.WithLogger(logger)}
	res, err := RunSequential(ctx, robinhood.NewSeqTable[uint64, uint64](opts...), records)
	if err != nil {
		return nil, errors.Wrap(err, "sequential run")
	}
	logRun(logger, res)
	report.Runs = append(report.Runs, res)

	maxWorkers := 0
	for _, w := range cfg.Bench.Workers {
		maxWorkers = max(maxWorkers, w)
	}
	if maxWorkers == 0 {
		return report, nil
	}
	pool, err := ants.NewPool(maxWorkers, ants.WithPanicHandler(func(v interface{}) {
		panic(v)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "create worker pool")
	}
	defer pool.Release()

	for _, w := range cfg.Bench.Workers {
		res, err := RunParallel(ctx, robinhood.NewParTable[uint64, uint64](opts...), records, w, pool)
		if err != nil {
			return nil, errors.Wrapf(err, "parallel run with %d workers", w)
		}
		logRun(logger, res)
		report.Runs = append(report.Runs, res)
	}
	return report, nil
}

func logRun(logger *zap.Logger, res Result) {
	logger.Info("bench run finished",
		zap.String("name", res.Name),
		zap.Int("workers", res.Workers),
		zap.Int("records", res.Records),
		zap.Duration("elapsed", res.Elapsed),
		zap.Float64("ops_per_sec", res.OpsPerSecond()))
}
