package timeline

import (
	"github.com/okauppin/shimline/hive"
)

// Entity is one row of the reconstructed timeline: a shimcache entry
// plus whatever amcache records and timestamp the correlation passes
// attached to it.
//
// The entity at index 0 is synthetic: it has no shimcache entry and
// carries the cache's own last-update time as an exact timestamp, so
// the range filler can bound everything below it.
type Entity struct {
	// Shimcache is nil only for the synthetic head entity.
	Shimcache *hive.ShimcacheEntry

	// Amcache enrichments, attached by the join pass. Each amcache
	// record is attached to at most one entity.
	AmcacheFile    *hive.FileEntry
	AmcacheProgram *hive.ProgramEntry

	// Timestamp is nil until a pass assigns one.
	Timestamp Timestamp
}

// buildEntities converts a shimcache artifact into the ordered entity
// vector, prepending the synthetic head.
func buildEntities(shimcache *hive.ShimcacheArtifact) []*Entity {
	entities := make([]*Entity, 0, len(shimcache.Entries)+1)
	entities = append(entities, &Entity{
		Timestamp: Exact{TS: shimcache.LastUpdate, Type: ShimcacheLastUpdate},
	})
	for i := range shimcache.Entries {
		entities = append(entities, &Entity{Shimcache: &shimcache.Entries[i]})
	}
	return entities
}
