package module

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when a kind name has no catalog entry.
var ErrUnknownKind = errors.New("unknown module kind")

// KindInfo describes a registered kind for listing.
type KindInfo struct {
	Name string `json:"name"`
}

// Catalog holds the registered kinds. The parent process and every worker
// process must register the same kinds so that a kind name resolves to the
// same implementation on both sides of the process boundary.
type Catalog struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		kinds: make(map[string]Kind),
	}
}

// Register adds k under k.Name(). Registering a different kind under a name
// that is already taken is an error; re-registering the same kind is not.
// Kinds of a non-comparable type are the same when they are deeply equal.
func (c *Catalog) Register(k Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := k.Name()
	if current, ok := c.kinds[name]; ok && !sameKind(current, k) {
		return fmt.Errorf("conflicting registration of kind %q", name)
	}
	c.kinds[name] = k
	return nil
}

func sameKind(a, b Kind) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if reflect.ValueOf(a).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// Lookup returns the kind registered under name.
func (c *Catalog) Lookup(name string) (Kind, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	k, ok := c.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return k, nil
}

// List returns all registered kinds, sorted by name for a stable API response.
func (c *Catalog) List() []KindInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	infos := make([]KindInfo, 0, len(c.kinds))
	for name := range c.kinds {
		infos = append(infos, KindInfo{Name: name})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
