package partition

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/atomic"

	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/model"
	"github.com/dreamware/fedround/internal/registry"
	"github.com/dreamware/fedround/internal/storage"
)

// Loader loads the local dataset of one client.
type Loader interface {
	Load(ctx context.Context, clientID string) (model.Dataset, error)
}

// ManifestLoader reads client data from the user_data section of a
// manifest. The file is read once, on first use.
type ManifestLoader struct {
	path string

	once     sync.Once
	manifest *registry.Manifest
	err      error
}

var _ Loader = (*ManifestLoader)(nil)

// NewManifestLoader returns a loader over the manifest at path.
func NewManifestLoader(path string) *ManifestLoader {
	return &ManifestLoader{path: path}
}

// Load returns the examples of clientID. Unknown clients fail with
// ErrClientNotFound; malformed data fails with ErrDataFormat.
func (l *ManifestLoader) Load(ctx context.Context, clientID string) (model.Dataset, error) {
	l.once.Do(func() {
		l.manifest, l.err = registry.ReadManifest(l.path)
	})
	if l.err != nil {
		return model.Dataset{}, l.err
	}
	if err := ctx.Err(); err != nil {
		return model.Dataset{}, errors.Trace(err)
	}
	data, ok := l.manifest.UserData[clientID]
	if !ok {
		return model.Dataset{}, ferrors.ErrClientNotFound.GenWithStackByArgs(clientID)
	}
	if len(data.X) != len(data.Y) || len(data.Y) == 0 {
		return model.Dataset{}, ferrors.ErrDataFormat.GenWithStackByArgs(l.path,
			fmt.Sprintf("client %q has %d inputs and %d targets", clientID, len(data.X), len(data.Y)))
	}
	return model.Dataset{X: data.X, Y: data.Y}, nil
}

// LoadDataset concatenates the examples of every user of the manifest at
// path, in the order of its users list. It serves held-out sets, which are
// never assigned to workers.
func LoadDataset(ctx context.Context, path string) (model.Dataset, error) {
	m, err := registry.ReadManifest(path)
	if err != nil {
		return model.Dataset{}, err
	}
	users := m.Users
	if len(users) == 0 {
		users = make([]string, 0, len(m.UserData))
		for id := range m.UserData {
			users = append(users, id)
		}
		sort.Strings(users)
	}
	l := &ManifestLoader{path: path, manifest: m}
	l.once.Do(func() {})
	var out model.Dataset
	for _, id := range users {
		d, err := l.Load(ctx, id)
		if err != nil {
			return model.Dataset{}, err
		}
		out.X = append(out.X, d.X...)
		out.Y = append(out.Y, d.Y...)
	}
	if out.Len() == 0 {
		return model.Dataset{}, ferrors.ErrDataFormat.GenWithStackByArgs(path, "no examples")
	}
	return out, nil
}

// DefaultCacheBytes is the partition budget of NewCache.
const DefaultCacheBytes = 256 << 20

// Stats tracks partition cache operations.
type Stats struct {
	Loads     uint64 // Number of Load calls
	Hits      uint64 // Served from the cache
	Misses    uint64 // Served by the loader
	Evictions uint64 // Partitions dropped to stay within the budget
	Cached    int    // Number of cached partitions
	Bytes     int    // Encoded size of the cached partitions
}

// Cache keeps the encoded datasets of the clients a worker has trained in a
// storage.Store so repeated assignments of a client skip the loader.
// Datasets are returned as private copies. The store bounds the memory a
// long run spends on partitions.
type Cache struct {
	loader Loader
	store  storage.Store

	loads  atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ Loader = (*Cache)(nil)

// NewCache wraps loader with an LRU cache of DefaultCacheBytes.
func NewCache(loader Loader) *Cache {
	return NewCacheWithStore(loader, storage.NewLRUStore(DefaultCacheBytes))
}

// NewCacheWithStore wraps loader with a cache kept in store.
func NewCacheWithStore(loader Loader, store storage.Store) *Cache {
	return &Cache{loader: loader, store: store}
}

// Load returns the dataset of clientID from the cache or the loader.
func (c *Cache) Load(ctx context.Context, clientID string) (model.Dataset, error) {
	c.loads.Inc()
	if raw, err := c.store.Get(clientID); err == nil {
		var d model.Dataset
		if err := msgpack.Unmarshal(raw, &d); err == nil {
			c.hits.Inc()
			return d, nil
		}
		_ = c.store.Delete(clientID)
	}
	c.misses.Inc()
	d, err := c.loader.Load(ctx, clientID)
	if err != nil {
		return model.Dataset{}, err
	}
	raw, err := msgpack.Marshal(&d)
	if err != nil {
		return model.Dataset{}, errors.Trace(err)
	}
	if err := c.store.Put(clientID, raw); err != nil {
		return model.Dataset{}, errors.Trace(err)
	}
	var out model.Dataset
	if err := msgpack.Unmarshal(raw, &out); err != nil {
		return model.Dataset{}, errors.Trace(err)
	}
	return out, nil
}

// Stats returns the current cache statistics.
func (c *Cache) Stats() Stats {
	s := c.store.Stats()
	return Stats{
		Loads:     c.loads.Load(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: s.Evictions,
		Cached:    s.Keys,
		Bytes:     s.Bytes,
	}
}
