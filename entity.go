package reconcile

import (
	"sync"

	"golang.org/x/exp/maps"
)

type FieldKind int

const (
	FieldString FieldKind = iota
	FieldBool
	FieldInt
	// FieldRef holds the Id of another entity
	FieldRef
)

// a Schema declares the complete set of optional fields an entity kind can
// carry. Every field starts at the nil sentinel and stays representable as
// either nil or its declared kind, so "present", "absent", and "null" in a
// patch payload are all distinguishable without dynamic inspection.
type Schema struct {
	Kind   string
	Fields map[string]FieldKind
}

var UserSchema = &Schema{
	Kind: "user",
	Fields: map[string]FieldKind{
		"username":    FieldString,
		"handle":      FieldString,
		"avatar":      FieldString,
		"status":      FieldString,
		"verified":    FieldBool,
		"mfa_enabled": FieldBool,
	},
}

var CollectionSchema = &Schema{
	Kind: "collection",
	Fields: map[string]FieldKind{
		"name":         FieldString,
		"topic":        FieldString,
		"owner_id":     FieldRef,
		"member_count": FieldInt,
		"available":    FieldBool,
	},
}

var ChannelSchema = &Schema{
	Kind: "channel",
	Fields: map[string]FieldKind{
		"recipient_id":    FieldRef,
		"topic":           FieldString,
		"last_message_id": FieldRef,
	},
}

// an identified, mutable record. The id never changes after creation.
// All mutation goes through `Merge`. Field values are scalars only
// (string, bool, int64, Id) or nil for the neutral sentinel.
type Entity struct {
	id      Id
	schema  *Schema
	shardId Id

	mutex  sync.Mutex
	fields map[string]any
}

func NewEntity(id Id, schema *Schema, shardId Id) *Entity {
	fields := map[string]any{}
	for name := range schema.Fields {
		fields[name] = nil
	}
	return &Entity{
		id:      id,
		schema:  schema,
		shardId: shardId,
		fields:  fields,
	}
}

func (self *Entity) Id() Id {
	return self.id
}

func (self *Entity) Kind() string {
	return self.schema.Kind
}

func (self *Entity) ShardId() Id {
	return self.shardId
}

func (self *Entity) Field(name string) any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.fields[name]
}

func (self *Entity) Snapshot() map[string]any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.fields)
}

// Merge applies the present fields of the patch onto the entity.
// See `Patch` for the present/absent/null contract. `changed` is true if
// any stored value changed. `dropped` lists payload fields that are not in
// the schema or did not coerce; these are never stored.
func (self *Entity) Merge(patch Patch) (changed bool, dropped []string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for name, raw := range patch {
		kind, ok := self.schema.Fields[name]
		if !ok {
			dropped = append(dropped, name)
			continue
		}
		value, ok := coerceField(kind, raw)
		if !ok {
			dropped = append(dropped, name)
			continue
		}
		if self.fields[name] != value {
			self.fields[name] = value
			changed = true
		}
	}
	return changed, dropped
}

func fieldsEqual(a map[string]any, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for name, value := range a {
		if bValue, ok := b[name]; !ok || bValue != value {
			return false
		}
	}
	return true
}
