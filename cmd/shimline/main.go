package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"go.ntppool.org/common/version"

	"github.com/okauppin/shimline/check"
	"github.com/okauppin/shimline/config"
	"github.com/okauppin/shimline/hive"
	"github.com/okauppin/shimline/report"
	"github.com/okauppin/shimline/timeline"
)

// CLI defines the command-line interface for shimline.
type CLI struct {
	Analyze AnalyzeCmd `cmd:"" help:"Build an execution timeline from a SYSTEM hive's shimcache."`
	Dump    DumpCmd    `cmd:"" help:"Dump parsed hive entries without analysis."`
	Check   CheckCmd   `cmd:"" help:"Verify that hive collections under a directory are parseable."`

	LogLevel string           `default:"info" help:"Log level (debug, info, warn, error)."`
	Verbose  bool             `short:"v" help:"Enable verbose logging."`
	Version  kong.VersionFlag `short:"V" help:"Show version."`
}

// appEnv carries shared state into subcommand Run methods.
type appEnv struct {
	log *slog.Logger
}

// AnalyzeCmd reconstructs the execution timeline.
type AnalyzeCmd struct {
	Shimcache string `arg:"" help:"Path to the SYSTEM hive containing the shimcache." type:"path"`

	Amcache   string   `short:"a" help:"Path to Amcache.hve for timeline enrichment." type:"path"`
	Regex     []string `short:"e" help:"Regex pattern to anchor on. Can be specified multiple times."`
	Regexfile string   `short:"r" help:"File of newline-delimited regex patterns." type:"path"`
	Output    string   `short:"o" help:"CSV destination; stdout if omitted." type:"path"`
	Config    string   `short:"c" help:"YAML file of analysis tunables." type:"path"`
}

// Run executes the analyze subcommand.
func (cmd *AnalyzeCmd) Run(app *appEnv) error {
	patterns, err := timeline.LoadPatterns(cmd.Regexfile, cmd.Regex)
	if err != nil {
		return err
	}
	app.log.Info("regex patterns loaded", "count", len(patterns))

	cfg := config.Default()
	if cmd.Config != "" {
		cfg, err = config.Load(cmd.Config)
		if err != nil {
			return err
		}
	}

	shimcache, err := loadShimcache(cmd.Shimcache, app.log)
	if err != nil {
		return err
	}

	var amcache *hive.AmcacheArtifact
	if cmd.Amcache != "" {
		amcache, err = loadAmcache(cmd.Amcache, app.log)
		if err != nil {
			return err
		}
	}

	entities, err := timeline.Analyze(shimcache, amcache, patterns, timeline.Options{
		NearMatchWindow: cfg.Window(),
		NearMatchSource: cfg.Source(),
		Logger:          app.log,
	})
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(cmd.Output)
	if err != nil {
		return err
	}
	defer closeOut()

	if err := report.WriteTimeline(out, entities); err != nil {
		return fmt.Errorf("write timeline: %w", err)
	}

	if cmd.Output != "" {
		app.log.Info("saved output", "path", cmd.Output)
	}
	return nil
}

// DumpCmd prints parsed hive entries without running the analysis.
type DumpCmd struct {
	Hive string `arg:"" help:"Path to the hive file." type:"path"`

	Kind   string `short:"k" default:"shimcache" enum:"shimcache,amcache" help:"Artifact to dump (shimcache or amcache)."`
	Output string `short:"o" help:"CSV destination; stdout if omitted." type:"path"`
}

// Run executes the dump subcommand.
func (cmd *DumpCmd) Run(app *appEnv) error {
	out, closeOut, err := openOutput(cmd.Output)
	if err != nil {
		return err
	}
	defer closeOut()

	switch cmd.Kind {
	case "amcache":
		amcache, err := loadAmcache(cmd.Hive, app.log)
		if err != nil {
			return err
		}
		return report.WriteAmcacheDump(out, amcache)
	default:
		shimcache, err := loadShimcache(cmd.Hive, app.log)
		if err != nil {
			return err
		}
		return report.WriteShimcacheDump(out, shimcache)
	}
}

// CheckCmd validates hive collections without analyzing them.
type CheckCmd struct {
	Dir string `arg:"" help:"Directory tree containing hive collections." type:"path"`

	SkipAmcache bool `help:"Only verify SYSTEM hives."`
}

// Run executes the check subcommand.
func (cmd *CheckCmd) Run(app *appEnv) error {
	result, err := check.Run(cmd.Dir, check.Options{
		SkipAmcache: cmd.SkipAmcache,
		Logger:      app.log,
	})
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	fmt.Printf("Collections: %d\n", result.Collections)
	fmt.Printf("Issues found: %d\n", result.Issues)

	if result.Issues > 0 {
		return fmt.Errorf("found %d issues", result.Issues)
	}
	fmt.Println("✓ No issues found")
	return nil
}

func loadShimcache(path string, log *slog.Logger) (*hive.ShimcacheArtifact, error) {
	parser, err := hive.Load(path)
	if err != nil {
		return nil, err
	}
	defer parser.Close()

	shimcache, err := parser.ParseShimcache()
	if err != nil {
		return nil, err
	}

	log.Info("shimcache hive loaded",
		"path", absPath(path),
		"version", shimcache.Version.String(),
		"entries", len(shimcache.Entries),
	)
	return shimcache, nil
}

func loadAmcache(path string, log *slog.Logger) (*hive.AmcacheArtifact, error) {
	parser, err := hive.Load(path)
	if err != nil {
		return nil, err
	}
	defer parser.Close()

	amcache, err := parser.ParseAmcache()
	if err != nil {
		return nil, err
	}

	log.Info("amcache hive loaded",
		"path", absPath(path),
		"file_entries", len(amcache.FileEntries),
		"program_entries", len(amcache.ProgramEntries),
	)
	return amcache, nil
}

// openOutput returns stdout or a created file, plus a close function.
func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func main() {
	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("shimline"),
		kong.Description("Reconstruct Windows execution timelines from shimcache and amcache artifacts"),
		kong.UsageOnError(),
		kong.Vars{"version": version.Version()},
	)

	logLevel := slog.LevelInfo
	if cli.Verbose || cli.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	} else if cli.LogLevel == "warn" {
		logLevel = slog.LevelWarn
	} else if cli.LogLevel == "error" {
		logLevel = slog.LevelError
	}

	// CSV goes to stdout, so diagnostics go to stderr.
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if err := ctx.Run(&appEnv{log: log}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		ctx.Exit(1)
	}
}
