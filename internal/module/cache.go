package module

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"
)

// Cache holds already-materialised modules so that identical state is turned
// into a live Module only once. Byte state is keyed by kind and content hash;
// saved directories are keyed by absolute path and the modification time of
// their config file, so a directory that is saved again yields a fresh load.
// It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Module
	group   singleflight.Group
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]Module),
	}
}

// FromBytes returns the cached module for kind and data, materialising it
// with kind.FromBytes on a miss.
func (c *Cache) FromBytes(kind Kind, data []byte) (Module, error) {
	key := "bytes:" + kind.Name() + ":" + strconv.FormatUint(xxhash.Sum64(data), 16)
	return c.load(key, func() (Module, error) {
		return kind.FromBytes(data)
	})
}

// LoadPath returns the cached module saved at path, loading it with kind.Load
// on a miss.
func (c *Cache) LoadPath(kind Kind, path string) (Module, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve model path: %w", err)
	}
	info, err := os.Stat(filepath.Join(abs, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("stat model config: %w", err)
	}
	key := "path:" + abs + ":" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
	return c.load(key, func() (Module, error) {
		return kind.Load(abs)
	})
}

// Len reports the number of cached modules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) load(key string, materialise func() (Module, error)) (Module, error) {
	c.mu.RLock()
	m, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		m, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return m, nil
		}

		m, err := materialise()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = m
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Module), nil
}
