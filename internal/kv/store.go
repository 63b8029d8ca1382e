// Package kv defines the minimal compare-and-set key/value contract the
// registry's typed catalogues are built on.
package kv

import "context"

// ErrNotFound is the error value for a missing key. Store.Get does not
// return it: Get reports a missing key as ok=false with a nil error.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "kv: key not found" }

// Store is the shared KV backend. CAS semantics: old == nil means "key
// must not currently exist" (insert); otherwise old must byte-equal the
// stored value for the write to take effect.
type Store interface {
	// Get returns the current value of key, or ok=false if absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// CAS atomically writes new if the current value equals old
	// (old == nil meaning "absent"). Reports whether the write took
	// effect.
	CAS(ctx context.Context, key string, old, new []byte) (bool, error)

	// ScanPrefix returns every key/value pair whose key starts with
	// prefix.
	ScanPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// Del removes key unconditionally.
	Del(ctx context.Context, key string) error

	// Incr atomically increments the integer counter stored at key by
	// delta and returns the new value.
	Incr(ctx context.Context, key string, delta int64) (int64, error)
}
