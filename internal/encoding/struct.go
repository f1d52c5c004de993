package encoding

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// EncodeGob serializes v (a pointer to a struct) using encoding/gob.
// Structured entities (experiences, relations, insights, activities)
// use this rather than JSON to avoid allocation/reflection overhead on
// the record write path, favoring a raw binary codec over text
// encodings wherever a value sits on the hot path (see vector.go's raw
// float32 vector codec). Unlike the compact, fixed-field-order,
// length-prefixed layout with a 1-byte variant discriminant this format
// could in principle use, gob re-emits a self-describing type
// descriptor the first time each concrete type crosses the wire in a
// given stream — larger on disk and not position-addressable, but it
// round-trips struct field additions without a hand-maintained
// discriminant table, which is worth more here than the extra bytes.
func EncodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encoding: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGob deserializes data into v (a pointer to a struct).
func DecodeGob(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("encoding: gob decode: %w", err)
	}
	return nil
}
