package kv

import "errors"

// Sentinel errors for the KV layer's failure taxonomy.
var (
	ErrCorruptDatabase = errors.New("kv: corrupt database")
	ErrVersionMismatch = errors.New("kv: stored schema version newer than this build")
	ErrIoFailure       = errors.New("kv: io failure")
	ErrTxnAborted      = errors.New("kv: transaction aborted")
	ErrBucketMissing   = errors.New("kv: bucket missing")
)
