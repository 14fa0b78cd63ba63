// Package util contains internal helpers (hashing, sharding, padding).
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

// Fnv64a hashes s with 64-bit FNV-1a.
//
// Routing depends on this hash being deterministic and stable across
// process restarts: the same key must resolve to the same shard after a
// redeploy. FNV-1a is a fixed polynomial hash with no per-process seed,
// unlike the runtime's map hash.
func Fnv64a(s string) uint64 {
	h := uint64(fnvOffset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= fnvPrime64
	}
	return h
}

// Fnv64aBytes is the []byte counterpart of Fnv64a.
func Fnv64aBytes(b []byte) uint64 {
	h := uint64(fnvOffset64)
	for _, c := range b {
		h ^= uint64(c)
		h *= fnvPrime64
	}
	return h
}

const (
	fnvOffset64 = 1469598103934665603
	fnvPrime64  = 1099511628211
)
