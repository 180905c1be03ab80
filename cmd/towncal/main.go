package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"towncal/internal/config"
	"towncal/internal/geo"
	"towncal/internal/images"
	"towncal/internal/logging"
	"towncal/internal/pipeline"
	"towncal/internal/schedule"
	"towncal/internal/source"
	"towncal/internal/store"
	"towncal/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	job        string
}

func main() {
	flags := parseFlags()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if flags.listen != "" {
		cfg.Server.Listen = flags.listen
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logging.Info().
		Str("listen", cfg.Server.Listen).
		Int("sources", len(cfg.EnabledSources())).
		Bool("once", flags.once).
		Msg("towncal starting")

	if err := run(cfg, flags); err != nil {
		logging.Error().Err(err).Msg("towncal exiting with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, flags flagConfig) error {
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	adapters, err := source.NewAll(cfg.Sources, cfg.Fetch)
	if err != nil {
		return err
	}
	runner := pipeline.NewRunner(adapters, geo.NewFilter(cfg.Geo.AllowedZips), st)

	objects, err := images.NewObjectStore(cfg.Images.ObjectStore)
	if err != nil {
		return err
	}
	search := images.NewSearchClient(cfg.Images.SearchEndpoint, cfg.Fetch.Timeout)
	backfiller := images.NewBackfiller(st, search, objects, cfg.Fetch.Timeout, cfg.Images.BackfillLimit)
	expirer := images.NewExpirer(st, objects, cfg.Images.RetentionDays)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("signal received, shutting down")
		cancel()
	}()

	if flags.once {
		return runOnce(ctx, flags.job, runner, backfiller, expirer)
	}

	sched, err := schedule.New(cfg.Schedule, schedule.JobSet{
		Ingest: func(ctx context.Context) error {
			res, err := runner.Run(ctx)
			if err != nil {
				return err
			}
			if res.Errored() {
				logging.Warn().Interface("result", res).Msg("ingestion finished with partial failures")
			}
			return nil
		},
		Backfill: func(ctx context.Context) error {
			res, err := backfiller.Run(ctx, time.Now())
			if err != nil {
				return err
			}
			logging.Info().Interface("result", res).Msg("backfill finished")
			return nil
		},
		Expiry: func(ctx context.Context) error {
			res, err := expirer.Run(ctx, time.Now())
			if err != nil {
				return err
			}
			logging.Info().Interface("result", res).Msg("expiry finished")
			return nil
		},
	})
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	srv := web.NewServer(web.Options{
		Config:    cfg.Server,
		Store:     st,
		Runner:    runner,
		Backfill:  backfiller,
		Expiry:    expirer,
		AssetsDir: diskAssetsDir(cfg),
	})
	return srv.Run(ctx)
}

// runOnce executes a single job and exits, for cron-style deployments
// and manual operation.
func runOnce(ctx context.Context, job string, runner *pipeline.Runner, backfiller *images.Backfiller, expirer *images.Expirer) error {
	switch job {
	case "", "ingest":
		res, err := runner.Run(ctx)
		if err != nil {
			return err
		}
		logging.Info().Interface("result", res).Msg("ingestion finished")
		if res.Errored() {
			return fmt.Errorf("ingestion finished with partial failures")
		}
		return nil
	case "backfill":
		res, err := backfiller.Run(ctx, time.Now())
		if err != nil {
			return err
		}
		logging.Info().Interface("result", res).Msg("backfill finished")
		return nil
	case "expiry":
		res, err := expirer.Run(ctx, time.Now())
		if err != nil {
			return err
		}
		logging.Info().Interface("result", res).Msg("expiry finished")
		return nil
	default:
		return fmt.Errorf("unknown job %q (want ingest, backfill or expiry)", job)
	}
}

// diskAssetsDir returns the directory to serve under /assets/ when the
// object store is disk-backed.
func diskAssetsDir(cfg *config.Config) string {
	if cfg.Images.ObjectStore.Backend == "disk" {
		return cfg.Images.ObjectStore.Disk.Dir
	}
	return ""
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "", "Path to config file (YAML)")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run a single job and exit instead of scheduling")
	flag.StringVar(&cfg.job, "job", "ingest", "Job to run with -once: ingest, backfill or expiry")

	flag.Parse()

	return cfg
}
