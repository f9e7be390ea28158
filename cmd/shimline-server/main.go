package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/version"

	"github.com/okauppin/shimline/config"
	"github.com/okauppin/shimline/timeline"
	"github.com/okauppin/shimline/watcher"
)

// CLI defines the command-line interface for shimline-server.
type CLI struct {
	WatchDir string `arg:"" help:"Directory to watch for incoming hive collections." type:"path"`

	Regex     []string      `short:"e" help:"Regex pattern to anchor on. Can be specified multiple times."`
	Regexfile string        `short:"r" help:"File of newline-delimited regex patterns." type:"path"`
	Config    string        `short:"c" help:"YAML file of analysis tunables." type:"path"`
	Settle    time.Duration `default:"5s" help:"How long a collection must stay quiet before analysis."`

	MetricsPort int    `default:"9090" help:"Port for metrics server."`
	LogLevel    string `default:"info" help:"Log level (debug, info, warn, error)."`
	Verbose     bool   `short:"v" help:"Enable verbose logging."`

	Version kong.VersionFlag `short:"V" help:"Show version."`
}

// metrics holds Prometheus metrics collectors.
type metrics struct {
	collectionsProcessed prometheus.Counter
	entitiesEmitted      prometheus.Counter
	analysisDuration     prometheus.Histogram
	collectionsPending   prometheus.Gauge
}

func main() {
	var cli CLI

	kctx := kong.Parse(&cli,
		kong.Name("shimline-server"),
		kong.Description("Watch a triage drop directory and analyze arriving hive collections"),
		kong.UsageOnError(),
		kong.Vars{"version": version.Version()},
	)

	// Set log level via environment variable for logger package
	if cli.Verbose {
		os.Setenv("LOG_LEVEL", "DEBUG")
	} else if cli.LogLevel != "" {
		os.Setenv("LOG_LEVEL", cli.LogLevel)
	}

	log := logger.Setup()

	if err := run(context.Background(), &cli, log); err != nil {
		log.Error("fatal error", "error", err)
		kctx.Exit(1)
	}
}

func run(ctx context.Context, cli *CLI, log *slog.Logger) error {
	watchDir, err := filepath.Abs(cli.WatchDir)
	if err != nil {
		return fmt.Errorf("resolve watch dir: %w", err)
	}

	fi, err := os.Stat(watchDir)
	if err != nil {
		return fmt.Errorf("stat watch dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("watch dir is not a directory: %s", watchDir)
	}

	patterns, err := timeline.LoadPatterns(cli.Regexfile, cli.Regex)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if cli.Config != "" {
		cfg, err = config.Load(cli.Config)
		if err != nil {
			return err
		}
	}

	log.Info("starting shimline-server",
		"version", version.Version(),
		"watch_dir", watchDir,
		"patterns", len(patterns),
		"settle", cli.Settle,
		"near_match_window", cfg.Window(),
		"near_match_source", cfg.NearMatchSource,
		"metrics_port", cli.MetricsPort,
	)

	// Start metrics server
	metricsSrv := metricsserver.New()

	collectionsProcessed := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shimline_collections_processed_total",
			Help: "Total number of hive collections analyzed",
		},
	)

	entitiesEmitted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shimline_timeline_entities_total",
			Help: "Total number of timeline entities written",
		},
	)

	analysisDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shimline_analysis_duration_seconds",
			Help:    "Time taken to analyze one collection",
			Buckets: prometheus.DefBuckets,
		},
	)

	collectionsPending := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shimline_collections_pending",
			Help: "Collections seen but not yet analyzed",
		},
	)

	metricsSrv.Registry().MustRegister(
		collectionsProcessed,
		entitiesEmitted,
		analysisDuration,
		collectionsPending,
	)

	go func() {
		log.Info("metrics server starting", "port", cli.MetricsPort)
		if err := metricsSrv.ListenAndServe(ctx, cli.MetricsPort); err != nil {
			log.Error("metrics server error", "error", err)
		}
	}()

	m := &metrics{
		collectionsProcessed: collectionsProcessed,
		entitiesEmitted:      entitiesEmitted,
		analysisDuration:     analysisDuration,
		collectionsPending:   collectionsPending,
	}

	// Create watcher
	w, err := watcher.New(watchDir, patterns,
		timeline.Options{
			NearMatchWindow: cfg.Window(),
			NearMatchSource: cfg.Source(),
			Logger:          log,
		},
		watcher.WithSettleDelay(cli.Settle),
		watcher.WithErrorHandler(func(err error) {
			log.Error("watcher error", "error", err)
		}),
		watcher.WithResultCallback(func(dir string, entities int, duration time.Duration) {
			m.collectionsProcessed.Inc()
			m.entitiesEmitted.Add(float64(entities))
			m.analysisDuration.Observe(duration.Seconds())
		}),
	)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := w.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}

	log.Info("watcher started")

	// Report pending-collection gauge
	stopGauge := make(chan struct{})
	gaugeDone := make(chan struct{})
	go func() {
		defer close(gaugeDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collectionsPending.Set(float64(w.Stats().PendingCollections))
			case <-stopGauge:
				return
			}
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("received shutdown signal", "signal", sig.String())

	close(stopGauge)
	<-gaugeDone

	if err := w.Stop(); err != nil {
		return fmt.Errorf("stop watcher: %w", err)
	}

	stats := w.Stats()
	log.Info("shutdown complete",
		"collections_processed", stats.ProcessedCollections,
	)

	return nil
}
