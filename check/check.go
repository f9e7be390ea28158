// Package check validates hive collections before analysis.
package check

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/okauppin/shimline/hive"
	"github.com/okauppin/shimline/watcher"
)

// Options controls check behavior.
type Options struct {
	SkipAmcache bool         // Only verify SYSTEM hives
	Logger      *slog.Logger // Required for all output
}

// Result contains check findings.
type Result struct {
	Collections int            // Collections examined
	Issues      int            // Total issues found
	IssuesFound map[string]int // Issues per check type
}

// Run walks a directory tree and verifies that every hive collection in
// it can be parsed. A collection is any directory holding a file that
// looks like a SYSTEM or Amcache hive.
func Run(root string, opts Options) (*Result, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	opts.Logger.Info("starting collection check",
		"root", root,
		"skip_amcache", opts.SkipAmcache,
	)

	result := &Result{
		IssuesFound: make(map[string]int),
	}

	collections, err := findCollections(root)
	if err != nil {
		return nil, fmt.Errorf("scan collections: %w", err)
	}

	for _, dir := range collections {
		result.Collections++
		checkCollection(dir, opts, result)
	}

	for _, count := range result.IssuesFound {
		result.Issues += count
	}

	opts.Logger.Info("collection check complete",
		"collections", result.Collections,
		"issues_found", result.Issues,
		"missing_system", result.IssuesFound["missing_system"],
		"bad_shimcache", result.IssuesFound["bad_shimcache"],
		"bad_amcache", result.IssuesFound["bad_amcache"],
	)

	return result, nil
}

// findCollections returns every directory under root that holds a
// hive-looking file.
func findCollections(root string) ([]string, error) {
	seen := make(map[string]bool)
	var collections []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !watcher.IsHiveFile(d.Name()) {
			return nil
		}
		dir := filepath.Dir(path)
		if !seen[dir] {
			seen[dir] = true
			collections = append(collections, dir)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collections, nil
}

// checkCollection verifies one collection directory.
func checkCollection(dir string, opts Options, result *Result) {
	systemPath, amcachePath, err := watcher.FindHives(dir)
	if err != nil {
		opts.Logger.Warn("collection has no SYSTEM hive", "dir", dir)
		result.IssuesFound["missing_system"]++
		return
	}

	if err := verifyShimcache(systemPath); err != nil {
		opts.Logger.Warn("shimcache not parseable", "path", systemPath, "error", err)
		result.IssuesFound["bad_shimcache"]++
	} else {
		opts.Logger.Debug("shimcache verified", "path", systemPath)
	}

	if amcachePath != "" && !opts.SkipAmcache {
		if err := verifyAmcache(amcachePath); err != nil {
			opts.Logger.Warn("amcache not parseable", "path", amcachePath, "error", err)
			result.IssuesFound["bad_amcache"]++
		} else {
			opts.Logger.Debug("amcache verified", "path", amcachePath)
		}
	}
}

func verifyShimcache(path string) error {
	parser, err := hive.Load(path)
	if err != nil {
		return err
	}
	defer parser.Close()

	_, err = parser.ParseShimcache()
	return err
}

func verifyAmcache(path string) error {
	parser, err := hive.Load(path)
	if err != nil {
		return err
	}
	defer parser.Close()

	_, err = parser.ParseAmcache()
	return err
}
