// Package cached wraps a core.ArtifactStore with an in-process read cache
// backed by dgraph-io/ristretto. Artifacts are immutable once written, so
// cached reads never go stale; the cache only bounds memory via its cost
// budget and admission policy.
package cached

import (
	"github.com/dgraph-io/ristretto/v2"
	"github.com/hupe1980/phasemesh/core"
)

// Options configures the cached artifact store.
type Options struct {
	// MaxCostBytes is the maximum total size of cached artifact bytes.
	MaxCostBytes int64
}

// Store is a read-through caching decorator around another ArtifactStore.
type Store struct {
	inner core.ArtifactStore
	cache *ristretto.Cache[string, []byte]
}

var _ core.ArtifactStore = (*Store)(nil)

// New wraps the given store with a ristretto read cache.
func New(inner core.ArtifactStore, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{
		MaxCostBytes: 64 << 20, // 64 MiB
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: opts.MaxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     opts.MaxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Store{inner: inner, cache: cache}, nil
}

// Write delegates to the inner store and seeds the cache with the new
// artifact so a subsequent read by the same process is a hit.
func (s *Store) Write(runID string, data []byte) (string, error) {
	handle, err := s.inner.Write(runID, data)
	if err != nil {
		return "", err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.cache.Set(cacheKey(runID, handle), cp, int64(len(cp)))
	return handle, nil
}

// Read serves from the cache when possible, falling back to the inner store
// and populating the cache on a miss.
func (s *Store) Read(runID, handle string) ([]byte, error) {
	key := cacheKey(runID, handle)
	if data, found := s.cache.Get(key); found {
		cp := make([]byte, len(data))
		copy(cp, data)
		return cp, nil
	}

	data, err := s.inner.Read(runID, handle)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.cache.Set(key, cp, int64(len(cp)))
	return data, nil
}

// Wait blocks until buffered cache writes have been applied. Mainly useful
// in tests; ristretto applies Set calls asynchronously.
func (s *Store) Wait() {
	s.cache.Wait()
}

// Close shuts down the cache and releases resources.
func (s *Store) Close() {
	s.cache.Close()
}

func cacheKey(runID, handle string) string {
	return runID + "/" + handle
}
