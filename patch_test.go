package reconcile

import (
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMergePresence(t *testing.T) {
	entity := NewEntity(NewId(), UserSchema, NewId())

	patch, err := PatchFromJson([]byte(`{"username": "ada", "verified": true}`))
	assert.Equal(t, err, nil)
	changed, dropped := entity.Merge(patch)
	assert.Equal(t, changed, true)
	assert.Equal(t, len(dropped), 0)
	assert.Equal(t, entity.Field("username"), "ada")
	assert.Equal(t, entity.Field("verified"), true)
	// never-sent fields stay at the nil sentinel, so the shape is stable
	assert.Equal(t, entity.Field("avatar"), nil)

	// absent fields never change
	patch, err = PatchFromJson([]byte(`{"avatar": "a1"}`))
	assert.Equal(t, err, nil)
	entity.Merge(patch)
	assert.Equal(t, entity.Field("username"), "ada")
	assert.Equal(t, entity.Field("verified"), true)
	assert.Equal(t, entity.Field("avatar"), "a1")

	// explicit null resets to the neutral value, present false overwrites
	patch, err = PatchFromJson([]byte(`{"avatar": null, "verified": false}`))
	assert.Equal(t, err, nil)
	changed, _ = entity.Merge(patch)
	assert.Equal(t, changed, true)
	assert.Equal(t, entity.Field("avatar"), nil)
	assert.Equal(t, entity.Field("verified"), false)
}

func TestMergeNoOp(t *testing.T) {
	entity := NewEntity(NewId(), UserSchema, NewId())

	patch, _ := PatchFromJson([]byte(`{"username": "ada"}`))
	changed, _ := entity.Merge(patch)
	assert.Equal(t, changed, true)

	// re-sending the same value is not a change
	patch, _ = PatchFromJson([]byte(`{"username": "ada"}`))
	changed, _ = entity.Merge(patch)
	assert.Equal(t, changed, false)
}

func TestMergeComposition(t *testing.T) {
	// merge(merge(E,P1),P2) == merge(E, P1 overlaid by P2)
	shardId := NewId()
	ownerId := NewId()

	p1, _ := PatchFromJson([]byte(`{"name": "general", "member_count": 3, "available": true}`))
	p2, _ := PatchFromJson([]byte(fmt.Sprintf(
		`{"name": "random", "owner_id": "%s", "member_count": null}`,
		ownerId,
	)))

	entityId := NewId()

	sequential := NewEntity(entityId, CollectionSchema, shardId)
	sequential.Merge(p1)
	sequential.Merge(p2)

	combined := NewEntity(entityId, CollectionSchema, shardId)
	combined.Merge(p1.Overlay(p2))

	assert.Equal(t, sequential.Snapshot(), combined.Snapshot())
	assert.Equal(t, sequential.Field("name"), "random")
	assert.Equal(t, sequential.Field("available"), true)
	assert.Equal(t, sequential.Field("member_count"), nil)
	assert.Equal(t, sequential.Field("owner_id"), ownerId)
}

func TestMergeBoolCoercion(t *testing.T) {
	entity := NewEntity(NewId(), UserSchema, NewId())

	// only a boolean is accepted for a bool field. Other value shapes
	// coerce to the nil sentinel and are not schema mismatches.
	patch, _ := PatchFromJson([]byte(`{"verified": 1, "mfa_enabled": "yes"}`))
	_, dropped := entity.Merge(patch)
	assert.Equal(t, len(dropped), 0)
	assert.Equal(t, entity.Field("verified"), nil)
	assert.Equal(t, entity.Field("mfa_enabled"), nil)

	patch, _ = PatchFromJson([]byte(`{"verified": true}`))
	entity.Merge(patch)
	assert.Equal(t, entity.Field("verified"), true)
}

func TestMergeUnknownFieldDropped(t *testing.T) {
	entity := NewEntity(NewId(), UserSchema, NewId())

	patch, _ := PatchFromJson([]byte(`{"username": "ada", "flux_level": 9, "status": 7}`))
	changed, dropped := entity.Merge(patch)
	assert.Equal(t, changed, true)
	// flux_level is not in the schema; status is but 7 does not coerce
	assert.Equal(t, len(dropped), 2)
	assert.Equal(t, entity.Field("username"), "ada")
	snapshot := entity.Snapshot()
	_, ok := snapshot["flux_level"]
	assert.Equal(t, ok, false)
	assert.Equal(t, snapshot["status"], nil)
}

func TestPatchTake(t *testing.T) {
	patch, _ := PatchFromJson([]byte(`{"username": "ada", "session_token": "tok"}`))

	token, ok := patch.TakeString("session_token")
	assert.Equal(t, ok, true)
	assert.Equal(t, token, "tok")
	assert.Equal(t, patch.Has("session_token"), false)

	_, ok = patch.TakeString("session_token")
	assert.Equal(t, ok, false)
}
