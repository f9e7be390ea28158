package timeline

import (
	"regexp"
	"strings"
	"time"

	"github.com/okauppin/shimline/hive"
)

// applyPatternAnchors tests the analyst's matchers against each entity
// in declaration order and anchors the first match to the entry's
// last-modified time. File paths are lowercased before matching;
// program names are matched as-is. Entries without a last-modified
// timestamp stay unanchored even when a pattern matches.
func applyPatternAnchors(entities []*Entity, patterns []*regexp.Regexp) int {
	matched := 0
	for _, entity := range entities {
		entry := entity.Shimcache
		if entry == nil {
			continue
		}
		for _, re := range patterns {
			var hit bool
			if entry.Kind == hive.KindFile {
				hit = re.MatchString(strings.ToLower(entry.Path))
			} else {
				hit = re.MatchString(entry.ProgramName)
			}
			if !hit {
				continue
			}
			if !entry.LastModified.IsZero() {
				entity.Timestamp = Exact{TS: entry.LastModified, Type: PatternMatch}
				matched++
			}
			break
		}
	}
	return matched
}

// joinAmcache attaches each amcache record to the first entity whose
// shimcache entry matches it: file entries by case-insensitive path,
// program entries by exact program name. Duplicate shimcache paths
// attach only to the first occurrence.
func joinAmcache(entities []*Entity, amcache *hive.AmcacheArtifact) (files, programs int) {
	for i := range amcache.FileEntries {
		fileEntry := amcache.FileEntries[i]
		want := strings.ToLower(fileEntry.Path)
		for _, entity := range entities {
			entry := entity.Shimcache
			if entry == nil || entry.Kind != hive.KindFile {
				continue
			}
			if strings.ToLower(entry.Path) == want {
				entity.AmcacheFile = &fileEntry
				files++
				break
			}
		}
	}

	for i := range amcache.ProgramEntries {
		programEntry := amcache.ProgramEntries[i]
		for _, entity := range entities {
			entry := entity.Shimcache
			if entry == nil || entry.Kind != hive.KindProgram {
				continue
			}
			if entry.ProgramName == programEntry.ProgramName {
				entity.AmcacheProgram = &programEntry
				programs++
				break
			}
		}
	}

	return files, programs
}

// promoteNearMatches anchors entities whose shimcache last-modified and
// amcache key-last-modified timestamps agree within the window. Which
// of the two timestamps is assigned is configurable; the amcache one is
// the default since the key write more closely tracks registration.
func promoteNearMatches(entities []*Entity, window time.Duration, source NearMatchSource) int {
	count := 0
	for _, entity := range entities {
		entry := entity.Shimcache
		fileEntry := entity.AmcacheFile
		if entry == nil || fileEntry == nil || entry.LastModified.IsZero() {
			continue
		}
		difference := entry.LastModified.Sub(fileEntry.KeyLastModified)
		if difference < 0 {
			difference = -difference
		}
		if difference > window {
			continue
		}
		ts := fileEntry.KeyLastModified
		if source == SourceShimcache {
			ts = entry.LastModified
		}
		entity.Timestamp = Exact{TS: ts, Type: NearTimestampMatch}
		count++
	}
	return count
}

// promoteRangeMatches anchors entities left in a bounded range whose
// attached amcache file entry was observed inside that range: the
// amcache timestamp is then a plausible execution time consistent with
// shimcache insertion order.
func promoteRangeMatches(entities []*Entity) int {
	count := 0
	for _, entity := range entities {
		entry := entity.Shimcache
		fileEntry := entity.AmcacheFile
		if entry == nil || fileEntry == nil || entry.Kind != hive.KindFile {
			continue
		}
		rng, ok := entity.Timestamp.(Range)
		if !ok {
			continue
		}
		ts := fileEntry.KeyLastModified
		if rng.From.Before(ts) && ts.Before(rng.To) {
			entity.Timestamp = Exact{TS: ts, Type: AmcacheRangeMatch}
			count++
		}
	}
	return count
}
