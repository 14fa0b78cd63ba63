package cache

import "errors"

var (
	// ErrNamespaceNotFound is returned by read operations on a namespace
	// that was never created.
	ErrNamespaceNotFound = errors.New("cache: namespace not found")

	// ErrConfigConflict is returned by CreateNamespace when the namespace
	// already exists with a different configuration.
	ErrConfigConflict = errors.New("cache: namespace exists with a different config")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")
)
