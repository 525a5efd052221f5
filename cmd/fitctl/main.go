// Command fitctl runs global fits for problem documents and prints the
// reports as a JSON array.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/copyleftdev/globalfit/internal/fit"
	"github.com/copyleftdev/globalfit/internal/logging"
	"github.com/copyleftdev/globalfit/internal/optimization/models"
	"github.com/copyleftdev/globalfit/internal/problem"
)

const (
	exitOK = iota
	exitNotConverged
	exitConfig
)

type options struct {
	files    []string
	hops     int
	seed     int64
	accuracy float64
	noErrors bool
	workers  int
	logLevel string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (*options, *flag.FlagSet, error) {
	opts := &options{}
	fs := flag.NewFlagSet("fitctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringSliceVarP(&opts.files, "file", "f", nil, "problem document (yaml or json); repeatable")
	fs.IntVar(&opts.hops, "hops", 0, "number of basin hops")
	fs.Int64Var(&opts.seed, "seed", 0, "base random seed")
	fs.Float64Var(&opts.accuracy, "accuracy", 0, "residual increase that defines an error bound")
	fs.BoolVar(&opts.noErrors, "no-errors", false, "skip error bound estimation")
	fs.IntVar(&opts.workers, "workers", 4, "problems fitted concurrently")
	fs.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	opts.files = append(opts.files, fs.Args()...)
	if len(opts.files) == 0 {
		return nil, nil, errors.New("at least one problem file is required")
	}
	return opts, fs, nil
}

// baseConfig applies explicitly set flags on top of the defaults.
func baseConfig(opts *options, fs *flag.FlagSet) fit.Config {
	cfg := fit.DefaultConfig()
	if fs.Changed("hops") {
		cfg.BasinHops = opts.hops
	}
	if fs.Changed("seed") {
		cfg.Seed = opts.seed
	}
	if fs.Changed("accuracy") {
		cfg.RequiredAccuracy = opts.accuracy
	}
	return cfg
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, fs, err := parseFlags(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "fitctl: %v\n", err)
		return exitConfig
	}

	logger, err := logging.NewLogger(&logging.Config{Level: opts.logLevel, Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(stderr, "fitctl: %v\n", err)
		return exitConfig
	}
	logger = logger.WithField("component", "fitctl")

	var docs []problem.Document
	for _, path := range opts.files {
		loaded, err := problem.Load(path)
		if err != nil {
			logger.Error("Failed to load problem file", map[string]interface{}{"file": path, "error": err})
			return exitConfig
		}
		docs = append(docs, loaded...)
	}

	base := baseConfig(opts, fs)
	reports, err := fitDocuments(ctx, docs, base, opts.workers, !opts.noErrors, logger)
	if err != nil {
		logger.Error("Fit setup failed", map[string]interface{}{"error": err})
		return exitConfig
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		logger.Error("Failed to write reports", map[string]interface{}{"error": err})
		return exitConfig
	}

	code := exitOK
	for _, r := range reports {
		switch {
		case r.Error != "" && r.Converged:
			// Fit converged but the error estimate failed; still a usable report.
			logger.Warn("Error estimation incomplete", map[string]interface{}{"tag": r.Tag, "error": r.Error})
		case r.Error != "":
			logger.Error("Fit failed", map[string]interface{}{"tag": r.Tag, "error": r.Error})
			code = max(code, exitConfig)
		case !r.Converged:
			logger.Warn("Fit did not converge", map[string]interface{}{"tag": r.Tag, "message": r.Message})
			code = max(code, exitNotConverged)
		}
	}
	return code
}

// fitDocuments builds every document's problem and fits them in batches of
// equal configuration. Reports come back in document order. A document that
// fails to build yields a report carrying the error.
func fitDocuments(ctx context.Context, docs []problem.Document, base fit.Config, workers int, withBounds bool, logger *logging.Logger) ([]*problem.Report, error) {
	if err := base.Validate(); err != nil {
		return nil, err
	}

	reg := models.Default()
	reports := make([]*problem.Report, len(docs))
	names := make([][]string, len(docs))

	type batch struct {
		indices  []int
		problems []fit.Problem
	}
	batches := make(map[fit.Config]*batch)
	var order []fit.Config

	for i := range docs {
		d := &docs[i]
		cfg := d.Apply(base)
		p, err := d.Problem(reg)
		if err == nil {
			err = p.Validate()
		}
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			reports[i] = problem.NewReport(fit.Outcome{Tag: d.Tag, Err: err}, nil)
			continue
		}
		names[i] = p.ParameterNames

		b, ok := batches[cfg]
		if !ok {
			b = &batch{}
			batches[cfg] = b
			order = append(order, cfg)
		}
		b.indices = append(b.indices, i)
		b.problems = append(b.problems, p)
	}

	zl := logging.NewZapLogger(logger)
	for _, cfg := range order {
		b := batches[cfg]
		fitter, err := fit.NewFitter(cfg, zl)
		if err != nil {
			return nil, err
		}
		logger.Info("Running batch", map[string]interface{}{
			"problems": len(b.problems),
			"hops":     cfg.BasinHops,
			"seed":     cfg.Seed,
		})
		for k, out := range fitter.RunBatch(ctx, b.problems, workers, withBounds) {
			i := b.indices[k]
			reports[i] = problem.NewReport(out, names[i])
			if out.Bounds != nil && out.Bounds.Saturated() {
				logger.Warn("Error bounds saturated", map[string]interface{}{
					"tag":   out.Tag,
					"error": out.Bounds.Err(),
				})
			}
		}
	}
	return reports, nil
}
