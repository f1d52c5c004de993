// Package model holds PulseDB's entity types, shared by the root
// package (the public API facade) and pkg/engine (the orchestrator
// that operates on them) without creating an import cycle between the
// two.
package model

import (
	"github.com/google/uuid"
)

// ID is a 128-bit, time-ordered identifier shared by every entity in
// PulseDB (collectives, experiences, relations, insights). It is a
// UUIDv7 under the hood: the high bits encode a millisecond timestamp,
// so created_at ordering and id ordering agree without a separate
// sequence allocator.
type ID [16]byte

// NilID is the zero-value ID, used to mean "absent" in optional fields
// such as TypeDetail.ProblemRef.
var NilID ID

// NewID generates a new time-ordered ID.
func NewID() (ID, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return NilID, err
	}
	return ID(u), nil
}

// String renders the ID in canonical UUID form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == NilID
}

// ParseID parses a canonical UUID string into an ID.
func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NilID, err
	}
	return ID(u), nil
}
