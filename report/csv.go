// Package report emits analysis results as CSV record streams.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/okauppin/shimline/hive"
	"github.com/okauppin/shimline/timeline"
)

// timelineColumns is the stable column set for timeline output.
var timelineColumns = []string{
	"shimcache_index",
	"entry_kind",
	"path_or_name",
	"shimcache_last_modified",
	"amcache_file_key_last_modified",
	"amcache_program_key_last_modified",
	"timeline_timestamp_kind",
	"timeline_ts_or_from",
	"timeline_ts_or_to",
	"provenance",
}

// WriteTimeline writes one record per entity, in order. Absent values
// emit empty cells; timestamps are RFC 3339 UTC.
func WriteTimeline(w io.Writer, entities []*timeline.Entity) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(timelineColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, entity := range entities {
		if err := cw.Write(timelineRow(entity)); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func timelineRow(entity *timeline.Entity) []string {
	row := make([]string, len(timelineColumns))

	if entry := entity.Shimcache; entry != nil {
		row[0] = strconv.Itoa(entry.Index)
		row[1] = entry.Kind.String()
		row[2] = entry.DisplayName()
		row[3] = formatTime(entry.LastModified)
	}
	if fileEntry := entity.AmcacheFile; fileEntry != nil {
		row[4] = formatTime(fileEntry.KeyLastModified)
	}
	if programEntry := entity.AmcacheProgram; programEntry != nil {
		row[5] = formatTime(programEntry.KeyLastModified)
	}
	row[6], row[7], row[8], row[9] = describeTimestamp(entity.Timestamp)

	return row
}

// describeTimestamp flattens the timestamp sum type into the four
// timeline columns.
func describeTimestamp(ts timeline.Timestamp) (kind, from, to, provenance string) {
	switch v := ts.(type) {
	case timeline.Exact:
		return "exact", formatTime(v.TS), "", v.Type.String()
	case timeline.Range:
		return "range", formatTime(v.From), formatTime(v.To), "none"
	case timeline.RangeStart:
		return "range_start", formatTime(v.From), "", "none"
	case timeline.RangeEnd:
		return "range_end", "", formatTime(v.To), "none"
	default:
		return "none", "", "", "none"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// shimcacheColumns is the column set for raw shimcache dumps.
var shimcacheColumns = []string{
	"index",
	"entry_kind",
	"path_or_name",
	"program_version",
	"publisher",
	"last_modified",
}

// WriteShimcacheDump writes the raw parsed shimcache entries without
// any timeline analysis.
func WriteShimcacheDump(w io.Writer, artifact *hive.ShimcacheArtifact) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(shimcacheColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := range artifact.Entries {
		entry := &artifact.Entries[i]
		row := []string{
			strconv.Itoa(entry.Index),
			entry.Kind.String(),
			entry.DisplayName(),
			entry.ProgramVersion,
			entry.Publisher,
			formatTime(entry.LastModified),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// amcacheColumns is the column set for raw amcache dumps.
var amcacheColumns = []string{
	"entry_kind",
	"path_or_name",
	"version",
	"publisher",
	"sha1",
	"key_last_modified",
}

// WriteAmcacheDump writes the raw parsed amcache file and program
// entries.
func WriteAmcacheDump(w io.Writer, artifact *hive.AmcacheArtifact) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(amcacheColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := range artifact.FileEntries {
		entry := &artifact.FileEntries[i]
		row := []string{
			"file",
			entry.Path,
			"",
			"",
			entry.SHA1,
			formatTime(entry.KeyLastModified),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	for i := range artifact.ProgramEntries {
		entry := &artifact.ProgramEntries[i]
		row := []string{
			"program",
			entry.ProgramName,
			entry.Version,
			entry.Publisher,
			"",
			formatTime(entry.KeyLastModified),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
