// Package encoding implements PulseDB's on-disk binary formats: raw
// little-endian float32 vectors, gob-encoded entity records, and the
// compound secondary-index keys used by the KV layer.
package encoding

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrInvalidVector is returned when a vector is nil, empty, or contains
// a NaN/Inf component.
var ErrInvalidVector = errors.New("encoding: invalid vector")

// EncodeVector writes vec as a contiguous little-endian float32 blob.
// Unlike a general-purpose vector codec, no length prefix is written:
// a collective's dimension is frozen at creation, so callers always
// know the expected length and can validate it against the blob size.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector reads a little-endian float32 blob of the given
// dimension. It returns an error if the blob length doesn't match.
func DecodeVector(data []byte, dim int) ([]float32, error) {
	if len(data) != dim*4 {
		return nil, ErrInvalidVector
	}
	vec := make([]float32, dim)
	for i := range vec {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec, nil
}

// ValidateVector rejects nil/empty vectors and any component that is
// NaN or +/-Inf.
func ValidateVector(vec []float32) error {
	if len(vec) == 0 {
		return ErrInvalidVector
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// EncodeUint64BE encodes v as 8 big-endian bytes, used for timestamp
// components of compound keys so lexicographic byte order matches
// numeric order.
func EncodeUint64BE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64BE is the inverse of EncodeUint64BE.
func DecodeUint64BE(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
