package kv

import (
	bolt "go.etcd.io/bbolt"

	"github.com/pulsedb/pulsedb/internal/encoding"
)

// migration runs a single forward schema step inside the caller's
// write transaction and must leave the metadata schema_version key
// untouched — the registry loop below bumps it once after the last
// migration succeeds.
type migration struct {
	from int
	to   int
	run  func(tx *bolt.Tx) error
}

// registry lists every forward migration in order. It is empty today
// because SchemaVersion is 1 and PulseDB has shipped no prior format;
// it exists so a future bump has a place to land without restructuring
// checkOrInitSchemaVersion.
var registry []migration

// migrate runs every registered migration from stored to target,
// atomically within tx, and bumps the stored schema_version at the end.
func migrate(tx *bolt.Tx, stored, target uint32) error {
	v := int(stored)
	for _, m := range registry {
		if m.from != v {
			continue
		}
		if err := m.run(tx); err != nil {
			return err
		}
		v = m.to
	}
	if v != int(target) {
		return ErrVersionMismatch
	}
	meta := tx.Bucket(BucketMetadata)
	return meta.Put(keySchemaVersion, encoding.EncodeUint64BE(uint64(v)))
}
