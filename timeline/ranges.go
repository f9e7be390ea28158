package timeline

import (
	"log/slog"
	"time"
)

// anchorIndices returns the indices of entities holding exact
// timestamps, in ascending order.
func anchorIndices(entities []*Entity) []int {
	var indices []int
	for i, entity := range entities {
		if _, ok := entity.Timestamp.(Exact); ok {
			indices = append(indices, i)
		}
	}
	return indices
}

// fillRanges assigns interval timestamps to every unanchored entity
// based on shimcache insertion order: entities above the first anchor
// are newer than it, entities between two anchors fall in the open
// interval they span, entities below the last anchor are older than it.
//
// Running it twice with the same anchor set is a no-op; adding anchors
// between runs only narrows intervals. A computed interval whose bounds
// are inverted means the shimcache entries were out of order; it is
// written as-is and reported through the logger.
func fillRanges(entities []*Entity, log *slog.Logger) {
	anchors := anchorIndices(entities)
	if len(anchors) == 0 {
		return
	}

	exactTS := func(i int) time.Time {
		return entities[i].Timestamp.(Exact).TS
	}

	first := anchors[0]
	if first > 0 {
		ts := RangeStart{From: exactTS(first)}
		for i := 0; i < first; i++ {
			entities[i].Timestamp = ts
		}
	}

	for w := 0; w+1 < len(anchors); w++ {
		newer := anchors[w]
		older := anchors[w+1]
		if older-newer < 2 {
			continue
		}
		ts := Range{From: exactTS(older), To: exactTS(newer)}
		if !ts.From.Before(ts.To) {
			log.Warn("inconsistent shimcache ordering: interval bounds inverted",
				"newer_index", newer,
				"older_index", older,
				"from", ts.From,
				"to", ts.To,
			)
		}
		for i := newer + 1; i < older; i++ {
			entities[i].Timestamp = ts
		}
	}

	last := anchors[len(anchors)-1]
	if last+1 < len(entities) {
		ts := RangeEnd{To: exactTS(last)}
		for i := last + 1; i < len(entities); i++ {
			entities[i].Timestamp = ts
		}
	}
}
