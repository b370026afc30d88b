// Command rhbench replays a Zipfian operation trace against SeqTable and
// against ParTable at increasing worker counts, and prints the wall clock
// time of every run.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/llxisdsh/robinhood/bench"
	"github.com/llxisdsh/robinhood/internal/logutil"
	"github.com/llxisdsh/robinhood/trace"
)

var (
	configFile = flag.String("config", "", "toml configuration of the bench; defaults are used when empty")
	regen      = flag.Bool("regen", false, "generate the trace even if trace_db already holds it")
	jsonOutput = flag.Bool("json", false, "print the report as JSON")
)

func main() {
	flag.Parse()

	cfg := bench.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = bench.LoadConfig(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to parse config from %s, error: %v\n", *configFile, err)
			os.Exit(2)
		}
	}
	logger, err := logutil.SetupLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logger, error: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *regen, *jsonOutput, os.Stdout); err != nil {
		logger.Error("bench failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg bench.Config, regen, asJSON bool, w io.Writer) error {
	records, err := loadTrace(ctx, cfg, regen)
	if err != nil {
		return err
	}
	report, err := bench.Sweep(ctx, cfg, records)
	if err != nil {
		return err
	}
	if !asJSON {
		return report.WriteText(w)
	}
	data, err := report.JSON()
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// loadTrace returns the configured trace, read from the trace store when one
// is configured and holds it, and generated (and stored) otherwise.
func loadTrace(ctx context.Context, cfg bench.Config, regen bool) ([]trace.Record, error) {
	logger := logutil.GetGlobalLogger()
	if cfg.Bench.TraceDB == "" {
		return generate(logger, cfg.Trace)
	}

	store, err := trace.OpenStore(ctx, cfg.Bench.TraceDB)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	name := cfg.Bench.TraceName
	if !regen {
		records, err := store.Load(ctx, name)
		if err == nil {
			logger.Info("trace loaded",
				zap.String("db", cfg.Bench.TraceDB),
				zap.String("name", name),
				zap.Int("records", len(records)))
			return records, nil
		}
		if !errors.Is(err, trace.ErrNotFound) {
			return nil, err
		}
	}

	records, err := generate(logger, cfg.Trace)
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, name, records); err != nil {
		return nil, err
	}
	logger.Info("trace saved", zap.String("db", cfg.Bench.TraceDB), zap.String("name", name))
	return records, nil
}

func generate(logger *zap.Logger, cfg trace.GenConfig) ([]trace.Record, error) {
	records, err := trace.Generate(cfg)
	if err != nil {
		return nil, err
	}
	logger.Info("trace generated",
		zap.Int("records", len(records)),
		zap.Int("unique_keys", cfg.UniqueKeys),
		zap.Uint64("seed", cfg.Seed))
	return records, nil
}
