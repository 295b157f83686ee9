// Package cache provides the metadata cache used by the definition catalog.
//
// Looking a formula or cask up in a remote tap costs a network round trip;
// the Cache interface lets the catalog keep deserialized definitions warm
// between runs. Three backends are provided:
//   - FileCache: entries as files under a directory (the CLI default)
//   - RedisCache: a shared Redis instance (multi-machine build farms)
//   - NullCache: caching disabled
//
// The download cache for artifacts is a separate mechanism (pkg/fetch);
// artifact files are content-checksummed and never expire.
package cache

import (
	"context"
	"time"
)

// TTLDefinition is how long a resolved package definition stays fresh when
// no TTL is configured.
const TTLDefinition = time.Hour

// Cache is the interface for metadata cache backends.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a value. The second return reports whether the key was
	// present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL. A zero TTL means no expiration.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes a value. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// DefinitionKey builds the cache key for a package definition lookup.
func DefinitionKey(tap, name string) string {
	return hashKey("def", tap, name)
}
