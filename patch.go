package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"

	"golang.org/x/exp/maps"
)

// a Patch is a partial update decoded from a gateway payload.
// A field key that is absent carries no intent and leaves the entity
// untouched. A key that is present with JSON null resets the field to the
// nil sentinel. A key that is present with a value overwrites, including
// `false` and `0`.
type Patch map[string]json.RawMessage

func PatchFromJson(payload []byte) (Patch, error) {
	patch := Patch{}
	if err := json.Unmarshal(payload, &patch); err != nil {
		return nil, fmt.Errorf("Bad patch payload: %w", err)
	}
	return patch, nil
}

func (self Patch) Has(name string) bool {
	_, ok := self[name]
	return ok
}

// Take removes and returns a field. Used for side-channel fields that ride
// on a patch payload but are not part of the entity, like the session
// token refresh.
func (self Patch) Take(name string) (json.RawMessage, bool) {
	raw, ok := self[name]
	if ok {
		delete(self, name)
	}
	return raw, ok
}

func (self Patch) TakeString(name string) (string, bool) {
	raw, ok := self.Take(name)
	if !ok {
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", false
	}
	return value, true
}

func (self Patch) TakeId(name string) (Id, bool) {
	idStr, ok := self.TakeString(name)
	if !ok {
		return Id{}, false
	}
	id, err := ParseId(idStr)
	if err != nil {
		return Id{}, false
	}
	return id, true
}

// Overlay returns a patch equivalent to applying self then other,
// with other's present fields dominating on overlap.
func (self Patch) Overlay(other Patch) Patch {
	next := maps.Clone(self)
	if next == nil {
		next = Patch{}
	}
	maps.Copy(next, other)
	return next
}

func jsonNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// coerceField maps a raw payload value to the stored representation of the
// field kind. Booleans accept only a boolean value, anything else coerces
// to the nil sentinel (matches the platform's verified/mfa flags, which
// some gateway versions send as 0/1 or strings).
func coerceField(kind FieldKind, raw json.RawMessage) (any, bool) {
	if jsonNull(raw) {
		return nil, true
	}
	switch kind {
	case FieldString:
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, false
		}
		return value, true
	case FieldBool:
		var value bool
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, true
		}
		return value, true
	case FieldInt:
		var value int64
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, false
		}
		return value, true
	case FieldRef:
		var idStr string
		if err := json.Unmarshal(raw, &idStr); err != nil {
			return nil, false
		}
		id, err := ParseId(idStr)
		if err != nil {
			return nil, false
		}
		return id, true
	default:
		return nil, false
	}
}
