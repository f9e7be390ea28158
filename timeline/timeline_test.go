package timeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/okauppin/shimline/hive"
)

// Timestamps used across scenario tests.
var (
	t0 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC)
	t2 = time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	t3 = time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC)
	t4 = time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureHandler records log output so tests can assert on warnings.
type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, r)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func (h *captureHandler) warnings() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var msgs []string
	for _, r := range h.records {
		if r.Level == slog.LevelWarn {
			msgs = append(msgs, r.Message)
		}
	}
	return msgs
}

// fileEntry builds a shimcache file entry for tests.
func fileEntry(path string, lastModified time.Time) hive.ShimcacheEntry {
	return hive.ShimcacheEntry{
		Kind:         hive.KindFile,
		Path:         path,
		LastModified: lastModified,
	}
}

// programEntry builds a shimcache program entry for tests.
func programEntry(name string, lastModified time.Time) hive.ShimcacheEntry {
	return hive.ShimcacheEntry{
		Kind:         hive.KindProgram,
		ProgramName:  name,
		LastModified: lastModified,
	}
}

// newShimcache assembles an artifact, assigning insertion indices.
func newShimcache(lastUpdate time.Time, entries ...hive.ShimcacheEntry) *hive.ShimcacheArtifact {
	for i := range entries {
		entries[i].Index = i
	}
	return &hive.ShimcacheArtifact{
		Version:    hive.VersionWindows10,
		LastUpdate: lastUpdate,
		Entries:    entries,
	}
}
