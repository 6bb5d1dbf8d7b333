package reconcile

import (
	"sync"
)

// EntityCache is the only shared mutable resource between shards. The lock
// guards the id index; entities guard their own fields. Inserts for
// disjoint ids commute, so interleaved population from concurrent shards
// converges on the same contents.
type EntityCache struct {
	diagnostics *Diagnostics

	stateLock sync.Mutex
	entities  map[Id]*Entity
}

func NewEntityCache(diagnostics *Diagnostics) *EntityCache {
	return &EntityCache{
		diagnostics: diagnostics,
		entities:    map[Id]*Entity{},
	}
}

// Get returns nil if the id is not cached.
func (self *EntityCache) Get(id Id) *Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.entities[id]
}

func (self *EntityCache) Insert(entity *Entity) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.entities[entity.Id()] = entity
}

// Patch merges the payload into the cached entity. A payload referencing
// an unknown id materializes a fresh entity first (insert-then-patch), so
// partial updates ahead of the full object are not lost.
// Unknown or uncoercible fields are dropped and diagnosed, never stored.
func (self *EntityCache) Patch(id Id, schema *Schema, shardId Id, patch Patch) (entity *Entity, changed bool) {
	self.stateLock.Lock()
	entity = self.entities[id]
	if entity == nil {
		entity = NewEntity(id, schema, shardId)
		self.entities[id] = entity
	}
	self.stateLock.Unlock()

	changed, dropped := entity.Merge(patch)
	if 0 < len(dropped) {
		self.diagnostics.report(Diagnostic{
			Kind:     DiagnosticPatchSchemaMismatch,
			EntityId: id,
			ShardId:  entity.ShardId(),
			Fields:   dropped,
		})
	}
	return entity, changed
}

// Remove returns the removed entity, or nil if the id was not cached.
func (self *EntityCache) Remove(id Id) *Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entity := self.entities[id]
	delete(self.entities, id)
	return entity
}

func (self *EntityCache) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.entities)
}

// ByShard supports sharded fan-out over the entities a shard populated.
func (self *EntityCache) ByShard(shardId Id) []*Entity {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entities := []*Entity{}
	for _, entity := range self.entities {
		if entity.ShardId() == shardId {
			entities = append(entities, entity)
		}
	}
	return entities
}
