// Command corrbench runs k-means patching and two-point correlations over
// synthetic catalogs and reports timings and results as YAML.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/TrevorS/treecorr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app carries the state shared by the subcommands of one invocation.
type app struct {
	configPath string
	flags      Config
	cfg        Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "corrbench",
		Short:        "Benchmark tree-based k-means and correlations on synthetic catalogs",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file")
	bindFlags(root, &a.flags)

	root.AddCommand(
		&cobra.Command{
			Use:   "kmeans",
			Short: "Split a synthetic catalog into patches with k-means",
			Args:  cobra.NoArgs,
			RunE:  a.runKMeans,
		},
		&cobra.Command{
			Use:   "corr",
			Short: "Compute a two-point correlation of synthetic catalogs",
			Args:  cobra.NoArgs,
			RunE:  a.runCorr,
		},
		&cobra.Command{
			Use:   "show [summary file]",
			Short: "Print a summary file, decompressing .zst files",
			Args:  cobra.ExactArgs(1),
			// No config or logging needed.
			PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := readSummary(args[0])
				if err != nil {
					return err
				}
				return encodeSummary(s, cmd.OutOrStdout())
			},
		},
	)
	return root
}

// setup resolves the configuration and the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	overlayFlags(cmd, &cfg, &a.flags)
	if err := cfg.validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = newLogger(cmd.ErrOrStderr(), cfg.Verbose)
	slog.SetDefault(a.logger)
	return nil
}

// newLogger maps verbosity 0..3 onto slog levels. Level 3 adds source
// locations.
func newLogger(w io.Writer, verbose int) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelWarn}
	switch {
	case verbose >= 3:
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	case verbose == 2:
		opts.Level = slog.LevelDebug
	case verbose == 1:
		opts.Level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (a *app) runKMeans(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := a.cfg
	started := time.Now()
	summary := newSummary("kmeans", cfg, started)

	cat, err := synthCatalog(cfg, cfg.Seed, "kmeans", false)
	if err != nil {
		return errors.Wrap(err, "generate catalog")
	}
	summary.Timings.SynthSeconds = time.Since(started).Seconds()

	t := time.Now()
	f, err := treecorr.BuildFieldContext(ctx, cat, treecorr.BuildOptions{
		Seed:    cfg.Seed,
		Workers: cfg.Workers,
		Logger:  a.logger,
	})
	if err != nil {
		return errors.Wrap(err, "build field")
	}
	summary.Timings.BuildSeconds = time.Since(t).Seconds()

	method, err := treecorr.ParseInitMethod(cfg.KMeans.Init)
	if err != nil {
		return err
	}
	kcfg := treecorr.DefaultKMeansConfig(cfg.KMeans.NPatch)
	kcfg.Init = method
	kcfg.MaxIter = cfg.KMeans.MaxIter
	kcfg.Alt = cfg.KMeans.Alt
	kcfg.Seed = cfg.Seed
	kcfg.Workers = cfg.Workers
	kcfg.Logger = a.logger

	t = time.Now()
	res, err := f.RunKMeans(ctx, kcfg)
	if err != nil {
		return errors.Wrap(err, "run k-means")
	}
	summary.Timings.RunSeconds = time.Since(t).Seconds()
	summary.KMeans = summarizeKMeans(res)

	a.logger.Info("kmeans finished",
		slog.String("run_id", summary.RunID),
		slog.Float64("inertia", res.Inertia),
		slog.Int("iterations", res.Iterations),
	)
	return writeSummary(summary, cfg.Output, cmd.OutOrStdout())
}

func (a *app) runCorr(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := a.cfg
	started := time.Now()
	summary := newSummary("corr", cfg, started)

	kind, err := treecorr.ParseKind(cfg.Corr.Kind)
	if err != nil {
		return err
	}
	metric, err := treecorr.ParseMetric(cfg.Corr.Metric)
	if err != nil {
		return err
	}
	observables := kind != treecorr.KindNN

	cat1, err := synthCatalog(cfg, cfg.Seed, "first", observables)
	if err != nil {
		return errors.Wrap(err, "generate catalog")
	}
	// Kinds with different observables on each side correlate two catalogs.
	var cat2 *treecorr.Catalog
	if kind[0] != kind[1] {
		cat2, err = synthCatalog(cfg, cfg.Seed+1, "second", observables)
		if err != nil {
			return errors.Wrap(err, "generate catalog")
		}
	}
	summary.Timings.SynthSeconds = time.Since(started).Seconds()

	ccfg := treecorr.DefaultCorrConfig()
	ccfg.Kind = kind
	ccfg.Metric = metric
	ccfg.MinSep = cfg.Corr.MinSep
	ccfg.MaxSep = cfg.Corr.MaxSep
	ccfg.NBins = cfg.Corr.NBins
	ccfg.BinSlop = cfg.Corr.BinSlop
	ccfg.Workers = cfg.Workers
	ccfg.Logger = a.logger
	acc, err := treecorr.NewAccumulator(ccfg)
	if err != nil {
		return err
	}

	// Build the trees up front so build and traversal are timed apart.
	t := time.Now()
	accCfg := acc.Config()
	for _, c := range []*treecorr.Catalog{cat1, cat2} {
		if c == nil {
			continue
		}
		if _, err := c.Field(accCfg.BuildOptions()); err != nil {
			return errors.Wrap(err, "build field")
		}
	}
	summary.Timings.BuildSeconds = time.Since(t).Seconds()

	t = time.Now()
	res, err := acc.ProcessCatalogs(ctx, cat1, cat2)
	if err != nil {
		return errors.Wrap(err, "process")
	}
	summary.Timings.RunSeconds = time.Since(t).Seconds()
	summary.Corr = summarizeCorr(res)

	a.logger.Info("correlation finished",
		slog.String("run_id", summary.RunID),
		slog.String("kind", string(kind)),
		slog.Float64("npairs", summary.Corr.NPairs),
	)
	return writeSummary(summary, cfg.Output, cmd.OutOrStdout())
}
