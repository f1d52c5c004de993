package kv

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/pulsedb/pulsedb/internal/encoding"
)

// ReadTx is a snapshot read transaction. It never blocks writers or
// other readers and always sees a consistent point-in-time view,
// established at BeginRead (bbolt's MVCC guarantee).
type ReadTx struct {
	tx    *bolt.Tx
	store *Store
	done  bool
}

// Get returns the value for key in bucket, or nil if absent.
func (r *ReadTx) Get(bucket, key []byte) []byte {
	b := r.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	v := b.Get(key)
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// ScanPrefix calls fn for every (key, value) pair in bucket whose key
// has the given prefix, in ascending key order. fn's value slice is
// only valid for the duration of the call (per bbolt cursor semantics);
// callers that retain it must copy.
func (r *ReadTx) ScanPrefix(bucket, prefix []byte, fn func(key, value []byte) error) error {
	b := r.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ScanPrefixReverse is ScanPrefix in descending key order, used for the
// recency scan over exp_by_collective (chronological descent, since the
// timestamp component is big-endian).
func (r *ReadTx) ScanPrefixReverse(bucket, prefix []byte, fn func(key, value []byte) error) error {
	b := r.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	// Seek to the first key >= the prefix's upper bound, then walk back.
	upper := append(append([]byte{}, prefix...), 0xff)
	k, v := c.Seek(upper)
	if k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil; k, v = c.Prev() {
		if !bytes.HasPrefix(k, prefix) {
			if bytes.Compare(k, prefix) < 0 {
				break
			}
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// CSN returns the change sequence number this snapshot was taken at.
func (r *ReadTx) CSN() uint64 {
	raw := r.Get(BucketMetadata, keyCSN)
	if raw == nil {
		return 0
	}
	return encoding.DecodeUint64BE(raw)
}

// Rollback releases the snapshot and its read slot. Safe to call
// multiple times.
func (r *ReadTx) Rollback() error {
	if r.done {
		return nil
	}
	r.done = true
	err := r.tx.Rollback()
	r.store.readSem.Release(1)
	return err
}

// WriteTx is the single exclusive write transaction. Only one may be
// open at a time per Store (enforced by bbolt).
type WriteTx struct {
	tx    *bolt.Tx
	store *Store
	done  bool
}

// Get mirrors ReadTx.Get for use inside a write transaction (a writer
// may need to read-modify-write the same row).
func (w *WriteTx) Get(bucket, key []byte) []byte {
	b := w.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	v := b.Get(key)
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Put writes key/value into bucket.
func (w *WriteTx) Put(bucket, key, value []byte) error {
	b := w.tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrBucketMissing, bucket)
	}
	return b.Put(key, value)
}

// Delete removes key from bucket. Deleting an absent key is a no-op,
// matching bbolt's own semantics.
func (w *WriteTx) Delete(bucket, key []byte) error {
	b := w.tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("%w: %s", ErrBucketMissing, bucket)
	}
	return b.Delete(key)
}

// ScanPrefix mirrors ReadTx.ScanPrefix for use inside a write
// transaction, e.g. to gather cascade-delete targets before mutating.
func (w *WriteTx) ScanPrefix(bucket, prefix []byte, fn func(key, value []byte) error) error {
	b := w.tx.Bucket(bucket)
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// BumpCSN increments and returns the change sequence number. Must be
// called at most once per committed logical change; callers that
// perform several row writes for one logical operation (e.g.
// RecordExperience's experience+embedding+index rows) call this
// exactly once for the whole operation.
func (w *WriteTx) BumpCSN() (uint64, error) {
	meta := w.tx.Bucket(BucketMetadata)
	raw := meta.Get(keyCSN)
	var csn uint64
	if raw != nil {
		csn = encoding.DecodeUint64BE(raw)
	}
	csn++
	if err := meta.Put(keyCSN, encoding.EncodeUint64BE(csn)); err != nil {
		return 0, err
	}
	return csn, nil
}

// Commit finalizes the transaction. Under SyncParanoid, an additional
// explicit fsync is issued after bbolt's own commit-time fsync.
func (w *WriteTx) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrTxnAborted, err)
	}
	if w.store.mode == SyncParanoid {
		if err := w.store.Sync(); err != nil {
			return fmt.Errorf("%w: %v", ErrIoFailure, err)
		}
	}
	return nil
}

// Rollback aborts the transaction, discarding every write. Safe to call
// after Commit (no-op).
func (w *WriteTx) Rollback() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.tx.Rollback()
}
