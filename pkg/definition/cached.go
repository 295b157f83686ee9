package definition

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/matzehuels/cellarman/pkg/cache"
)

// CachedCatalog decorates a Catalog with metadata caching. Lookups are
// keyed by tap and name; negative results are not cached, so a package
// added to the tap becomes visible immediately.
type CachedCatalog struct {
	inner Catalog
	cache cache.Cache
	tap   string
	ttl   time.Duration
}

// NewCachedCatalog wraps inner with the given cache. The tap string
// namespaces keys so multiple taps can share one cache backend.
// A nil cache disables caching; a non-positive ttl uses TTLDefinition.
func NewCachedCatalog(inner Catalog, c cache.Cache, tap string, ttl time.Duration) *CachedCatalog {
	if c == nil {
		c = cache.NewNullCache()
	}
	if ttl <= 0 {
		ttl = cache.TTLDefinition
	}
	return &CachedCatalog{inner: inner, cache: c, tap: tap, ttl: ttl}
}

// storedDefinition is the cache serialization of the Formula/Cask union.
type storedDefinition struct {
	Kind    Kind     `json:"kind"`
	Formula *Formula `json:"formula,omitempty"`
	Cask    *Cask    `json:"cask,omitempty"`
}

// Load implements Catalog.
func (c *CachedCatalog) Load(ctx context.Context, name string) (Definition, error) {
	key := cache.DefinitionKey(c.tap, name)

	if data, hit, err := c.cache.Get(ctx, key); err == nil && hit {
		if def, err := decodeStored(data); err == nil {
			return def, nil
		}
		// Corrupt entry - drop it and fall through to the inner catalog.
		_ = c.cache.Delete(ctx, key)
	}

	def, err := c.inner.Load(ctx, name)
	if err != nil {
		return nil, err
	}

	if data, err := encodeStored(def); err == nil {
		_ = c.cache.Set(ctx, key, data, c.ttl)
	}
	return def, nil
}

func encodeStored(def Definition) ([]byte, error) {
	stored := storedDefinition{Kind: def.DefinitionKind()}
	switch d := def.(type) {
	case *Formula:
		stored.Formula = d
	case *Cask:
		stored.Cask = d
	}
	return json.Marshal(stored)
}

func decodeStored(data []byte) (Definition, error) {
	var stored storedDefinition
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	switch stored.Kind {
	case KindFormula:
		if stored.Formula != nil {
			return stored.Formula, nil
		}
	case KindCask:
		if stored.Cask != nil {
			return stored.Cask, nil
		}
	}
	return nil, errInvalidCacheEntry
}

var errInvalidCacheEntry = errors.New("cache entry has no definition payload")

// Ensure CachedCatalog implements Catalog.
var _ Catalog = (*CachedCatalog)(nil)
