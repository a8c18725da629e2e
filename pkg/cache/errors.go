package cache

import "fmt"

// Common cache errors.
var (
	// ErrCacheDirectory is returned when the cache root is invalid.
	ErrCacheDirectory = fmt.Errorf("invalid cache directory")

	// ErrCorruptEntry is returned when an entry's metadata record is
	// unreadable or inconsistent with its key.
	ErrCorruptEntry = fmt.Errorf("corrupt cache entry")

	// ErrInvalidHash is returned for keys that are not hex SHA-256 digests.
	ErrInvalidHash = fmt.Errorf("invalid content hash")
)
