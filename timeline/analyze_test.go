package timeline

import (
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/okauppin/shimline/hive"
)

func mustCompile(t *testing.T, sources ...string) []*regexp.Regexp {
	t.Helper()
	patterns, err := CompilePatterns(sources)
	if err != nil {
		t.Fatalf("CompilePatterns failed: %v", err)
	}
	return patterns
}

// Pattern-only analysis: a matched entry becomes an anchor, entries
// above it fall into the interval it spans with the head, entries
// below become open-ended.
func TestAnalyzePatternOnly(t *testing.T) {
	shimcache := newShimcache(t4,
		fileEntry(`C:\a.exe`, t3),
		fileEntry(`C:\b.exe`, t2),
		fileEntry(`C:\evil.exe`, t1),
		fileEntry(`C:\c.exe`, t0),
	)

	entities, err := Analyze(shimcache, nil, mustCompile(t, `evil\.exe$`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(entities) != 5 {
		t.Fatalf("entity count = %d, want 5", len(entities))
	}

	assertExact(t, entities[0], t4, ShimcacheLastUpdate)
	assertRange(t, entities[1], t1, t4)
	assertRange(t, entities[2], t1, t4)
	assertExact(t, entities[3], t1, PatternMatch)
	assertRangeEnd(t, entities[4], t1)
}

// Near-timestamp promotion: an amcache observation within the window
// anchors the entry to the amcache timestamp.
func TestAnalyzeNearTimestampPromotion(t *testing.T) {
	shimcache := newShimcache(t4,
		fileEntry(`C:\a.exe`, t3),
		fileEntry(`C:\b.exe`, t2),
		fileEntry(`C:\evil.exe`, t1),
		fileEntry(`C:\c.exe`, t0),
	)
	near := t3.Add(30 * time.Second)
	amcache := &hive.AmcacheArtifact{
		FileEntries: []hive.FileEntry{
			{Path: `C:\a.exe`, KeyLastModified: near},
		},
	}

	entities, err := Analyze(shimcache, amcache, mustCompile(t, `nomatch`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	assertExact(t, entities[0], t4, ShimcacheLastUpdate)
	assertExact(t, entities[1], near, NearTimestampMatch)
	assertRangeEnd(t, entities[2], near)
	assertRangeEnd(t, entities[3], near)
	assertRangeEnd(t, entities[4], near)
}

// In-range promotion: an amcache timestamp too far from the shimcache
// mtime for a near match still anchors the entry when it falls inside
// the interval insertion order permits.
func TestAnalyzeAmcacheRangePromotion(t *testing.T) {
	shimcache := newShimcache(t4,
		fileEntry(`C:\x.exe`, t3),
		fileEntry(`C:\y.exe`, t1),
	)
	amcache := &hive.AmcacheArtifact{
		FileEntries: []hive.FileEntry{
			{Path: `C:\x.exe`, KeyLastModified: t2},
		},
	}

	// y.exe is pattern-anchored at t1, so x.exe sits in (t1, t4)
	// before the in-range pass runs.
	entities, err := Analyze(shimcache, amcache, mustCompile(t, `y\.exe$`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	assertExact(t, entities[0], t4, ShimcacheLastUpdate)
	assertExact(t, entities[1], t2, AmcacheRangeMatch)
	assertExact(t, entities[2], t1, PatternMatch)
}

// Without the anchor between them, no bounded interval exists and the
// in-range pass has nothing to promote.
func TestAnalyzeNoRangeWithoutInteriorAnchor(t *testing.T) {
	shimcache := newShimcache(t4,
		fileEntry(`C:\x.exe`, t3),
		fileEntry(`C:\y.exe`, t1),
	)
	amcache := &hive.AmcacheArtifact{
		FileEntries: []hive.FileEntry{
			{Path: `C:\x.exe`, KeyLastModified: t2},
		},
	}

	entities, err := Analyze(shimcache, amcache, mustCompile(t, `nomatch`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	assertRangeEnd(t, entities[1], t4)
	assertRangeEnd(t, entities[2], t4)
}

// Empty anchor set: every real entry is only known to be older than
// the cache's last update.
func TestAnalyzeEmptyAnchors(t *testing.T) {
	shimcache := newShimcache(t4,
		fileEntry(`C:\a.exe`, t3),
		fileEntry(`C:\b.exe`, t2),
	)

	capture := &captureHandler{}
	entities, err := Analyze(shimcache, nil, mustCompile(t, `nomatch`), Options{
		Logger: slog.New(capture),
	})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	assertExact(t, entities[0], t4, ShimcacheLastUpdate)
	assertRangeEnd(t, entities[1], t4)
	assertRangeEnd(t, entities[2], t4)

	if len(capture.warnings()) == 0 {
		t.Error("expected a warning when no entries could be anchored")
	}
}

// Case-insensitive path join feeding the near-timestamp pass.
func TestAnalyzeCaseInsensitivePathJoin(t *testing.T) {
	shimcache := newShimcache(t4,
		fileEntry(`C:\Windows\Foo.EXE`, t2),
	)
	near := t2.Add(10 * time.Second)
	amcache := &hive.AmcacheArtifact{
		FileEntries: []hive.FileEntry{
			{Path: `c:\windows\foo.exe`, KeyLastModified: near},
		},
	}

	entities, err := Analyze(shimcache, amcache, mustCompile(t, `nomatch`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if entities[1].AmcacheFile == nil {
		t.Fatal("amcache file entry was not attached")
	}
	assertExact(t, entities[1], near, NearTimestampMatch)
}

// Program entries join case-sensitively on the exact name and never
// participate in the near-timestamp pass.
func TestAnalyzeProgramJoin(t *testing.T) {
	shimcache := newShimcache(t4,
		programEntry("Acme Agent", t1),
	)
	amcache := &hive.AmcacheArtifact{
		ProgramEntries: []hive.ProgramEntry{
			{ProgramName: "Acme Agent", KeyLastModified: t1.Add(5 * time.Second)},
		},
	}

	entities, err := Analyze(shimcache, amcache, mustCompile(t, `nomatch`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if entities[1].AmcacheProgram == nil {
		t.Fatal("amcache program entry was not attached")
	}
	assertRangeEnd(t, entities[1], t4)
}

func TestAnalyzeProgramJoinIsCaseSensitive(t *testing.T) {
	shimcache := newShimcache(t4,
		programEntry("Acme Agent", t1),
	)
	amcache := &hive.AmcacheArtifact{
		ProgramEntries: []hive.ProgramEntry{
			{ProgramName: "acme agent", KeyLastModified: t1.Add(5 * time.Second)},
		},
	}

	entities, err := Analyze(shimcache, amcache, mustCompile(t, `nomatch`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if entities[1].AmcacheProgram != nil {
		t.Error("program names differing in case should not join")
	}
}

// Provenance precedence: the near-timestamp pass overwrites a pattern
// anchor, and a near-timestamp anchor is never re-promoted by the
// in-range pass.
func TestAnalyzeProvenancePrecedence(t *testing.T) {
	shimcache := newShimcache(t4,
		fileEntry(`C:\evil.exe`, t3),
		fileEntry(`C:\old.exe`, t0),
	)
	near := t3.Add(45 * time.Second)
	amcache := &hive.AmcacheArtifact{
		FileEntries: []hive.FileEntry{
			{Path: `C:\evil.exe`, KeyLastModified: near},
		},
	}

	entities, err := Analyze(shimcache, amcache, mustCompile(t, `evil\.exe$`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	// Pattern fired first, then the near match took over.
	assertExact(t, entities[1], near, NearTimestampMatch)

	// The head is never overwritten.
	assertExact(t, entities[0], t4, ShimcacheLastUpdate)
}

func TestAnalyzeRequiresLogger(t *testing.T) {
	shimcache := newShimcache(t4)
	if _, err := Analyze(shimcache, nil, nil, Options{}); err == nil {
		t.Fatal("Analyze without logger should fail")
	}
}

// Exact timestamps must be non-increasing by index for well-formed
// input.
func TestAnalyzeMonotoneAnchors(t *testing.T) {
	shimcache := newShimcache(t4,
		fileEntry(`C:\a.exe`, t3),
		fileEntry(`C:\b.exe`, t2),
		fileEntry(`C:\c.exe`, t1),
	)

	entities, err := Analyze(shimcache, nil, mustCompile(t, `\.exe$`), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	var prev time.Time
	for i, entity := range entities {
		exact, ok := entity.Timestamp.(Exact)
		if !ok {
			continue
		}
		if i > 0 && exact.TS.After(prev) {
			t.Errorf("anchor at index %d is newer than its predecessor: %v > %v", i, exact.TS, prev)
		}
		prev = exact.TS
	}
}

func assertExact(t *testing.T, entity *Entity, want time.Time, wantType TimestampType) {
	t.Helper()
	exact, ok := entity.Timestamp.(Exact)
	if !ok {
		t.Fatalf("timestamp = %#v, want Exact(%v, %v)", entity.Timestamp, want, wantType)
	}
	if !exact.TS.Equal(want) {
		t.Errorf("exact ts = %v, want %v", exact.TS, want)
	}
	if exact.Type != wantType {
		t.Errorf("exact type = %v, want %v", exact.Type, wantType)
	}
}

func assertRange(t *testing.T, entity *Entity, wantFrom, wantTo time.Time) {
	t.Helper()
	rng, ok := entity.Timestamp.(Range)
	if !ok {
		t.Fatalf("timestamp = %#v, want Range(%v, %v)", entity.Timestamp, wantFrom, wantTo)
	}
	if !rng.From.Equal(wantFrom) || !rng.To.Equal(wantTo) {
		t.Errorf("range = (%v, %v), want (%v, %v)", rng.From, rng.To, wantFrom, wantTo)
	}
}

func assertRangeEnd(t *testing.T, entity *Entity, wantTo time.Time) {
	t.Helper()
	re, ok := entity.Timestamp.(RangeEnd)
	if !ok {
		t.Fatalf("timestamp = %#v, want RangeEnd(%v)", entity.Timestamp, wantTo)
	}
	if !re.To.Equal(wantTo) {
		t.Errorf("range end = %v, want %v", re.To, wantTo)
	}
}
