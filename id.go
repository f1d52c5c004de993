package pulsedb

import "github.com/pulsedb/pulsedb/pkg/model"

// ID is a 128-bit, time-ordered identifier shared by every entity in
// PulseDB (collectives, experiences, relations, insights). See
// pkg/model for the implementation: a UUIDv7 whose high bits encode a
// millisecond timestamp, so created_at ordering and id ordering agree
// without a separate sequence allocator.
type ID = model.ID

// NilID is the zero-value ID, used to mean "absent" in optional fields
// such as TypeDetail.ProblemRef.
var NilID = model.NilID

// NewID generates a new time-ordered ID.
func NewID() (ID, error) { return model.NewID() }

// ParseID parses a canonical UUID string into an ID.
func ParseID(s string) (ID, error) { return model.ParseID(s) }
