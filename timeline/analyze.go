// Package timeline reconstructs an approximate execution timeline from
// a shimcache artifact, optionally cross-correlated with amcache
// records and analyst-supplied regex anchors.
//
// Shimcache orders entries by insertion, newest first, but carries no
// execution times. The analysis promotes entries to exact timestamps
// through four passes (pattern anchoring, amcache joining, near-
// timestamp promotion, in-range promotion) and fills the gaps between
// anchors with the bounded intervals that insertion order permits.
package timeline

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/okauppin/shimline/hive"
)

// DefaultNearMatchWindow bounds how far apart a shimcache and an
// amcache timestamp may be to still count as observations of the same
// event.
const DefaultNearMatchWindow = time.Minute

// NearMatchSource selects which of the two near timestamps is assigned
// when a near match promotes an entity.
type NearMatchSource int

const (
	// SourceAmcache assigns the amcache key-last-modified time.
	SourceAmcache NearMatchSource = iota
	// SourceShimcache assigns the shimcache last-modified time.
	SourceShimcache
)

// Options controls the analysis.
type Options struct {
	// NearMatchWindow for the near-timestamp pass; zero means
	// DefaultNearMatchWindow.
	NearMatchWindow time.Duration

	// NearMatchSource picks the timestamp a near match assigns.
	NearMatchSource NearMatchSource

	// Logger is required; warnings about inconsistent input go here.
	Logger *slog.Logger
}

// Analyze builds the timeline for a parsed shimcache, enriched by an
// optional amcache artifact. Entities come back in shimcache insertion
// order with a synthetic head entity at index 0 carrying the cache's
// last-update time; every other entity holds either an exact timestamp
// or the tightest interval the passes could establish.
func Analyze(shimcache *hive.ShimcacheArtifact, amcache *hive.AmcacheArtifact, patterns []*regexp.Regexp, opts Options) ([]*Entity, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	log := opts.Logger

	window := opts.NearMatchWindow
	if window <= 0 {
		window = DefaultNearMatchWindow
	}

	if len(patterns) == 0 {
		log.Warn("no regex patterns defined")
	}

	entities := buildEntities(shimcache)

	patternMatches := applyPatternAnchors(entities, patterns)
	if patternMatches == 0 {
		log.Warn("no pattern matching entries found in shimcache")
	} else {
		log.Info("pattern matching entries found in shimcache", "count", patternMatches)
	}

	fillRanges(entities, log)

	if amcache != nil {
		files, programs := joinAmcache(entities, amcache)
		log.Debug("amcache entries matched to shimcache",
			"file_entries", files,
			"program_entries", programs,
		)

		nearMatches := promoteNearMatches(entities, window, opts.NearMatchSource)
		log.Info("temporally near shimcache and amcache timestamp pairs found",
			"count", nearMatches,
		)
		fillRanges(entities, log)

		rangeMatches := promoteRangeMatches(entities)
		log.Info("timestamp range matches found from amcache", "count", rangeMatches)
		fillRanges(entities, log)
	}

	if len(anchorIndices(entities)) <= 1 {
		log.Warn("no entries could be anchored; timeline contains only bounded ranges")
	}

	return entities, nil
}
