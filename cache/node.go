package cache

import (
	"time"

	"github.com/IvanBrykalov/vectorshard/codec"
)

// node is an intrusive doubly linked list element owned by a namespace.
// It holds either a raw vector or a compressed envelope, never both.
type node struct {
	key string

	vec    []float32    // raw payload (nil when compressed)
	blob   []byte       // compressed envelope (nil when raw)
	method codec.Method // codec id, set iff blob != nil

	md map[string]string

	// Intrusive list links: head is MRU, tail is LRU.
	prev *node
	next *node

	size int64 // resident payload bytes

	// Absolute expiration deadline in UnixNano. Zero means "no TTL".
	exp int64

	insertedAt int64
	lastAccess int64
}

func (n *node) compressed() bool { return n.blob != nil }

// Entry is the caller-visible view of a cache entry. Payload slices are
// shared with the cache; treat them as read-only.
type Entry struct {
	Key string

	// Vector is the raw payload; nil when the entry is compressed.
	Vector []float32
	// Compressed is the codec envelope; nil when the entry is raw.
	Compressed []byte
	// Method is the codec identifier, set iff Compressed != nil.
	Method codec.Method

	Metadata map[string]string

	Size         int64
	InsertedAt   time.Time
	LastAccessed time.Time
}

func (n *node) entry() *Entry {
	return &Entry{
		Key:          n.key,
		Vector:       n.vec,
		Compressed:   n.blob,
		Method:       n.method,
		Metadata:     n.md,
		Size:         n.size,
		InsertedAt:   time.Unix(0, n.insertedAt),
		LastAccessed: time.Unix(0, n.lastAccess),
	}
}
