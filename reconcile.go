package reconcile

import (
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// Client-side reconciliation for the helix real-time platform.
// The gateway pushes typed events; this package folds each event into a
// local entity cache, derives high-level notifications for application
// listeners, and correlates command completions with follow-up events.
//
// Out of scope here, handled by external collaborators:
// heartbeating, reconnect/resume, rate limiting, and the REST transport.

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	id, err := ulid.Parse(idStr)
	if err != nil {
		return Id{}, fmt.Errorf("Bad id %s: %w", idStr, err)
	}
	return Id(id), nil
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[:]
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

func (self Id) IsZero() bool {
	return self == Id{}
}
