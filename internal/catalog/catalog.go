// Package catalog resolves product codes to human-readable names.
package catalog

import "sync"

// Defaults is the built-in product name table.
var Defaults = map[string]string{
	"coffee":       "Coffee",
	"coffee-latte": "Coffee Latte",
	"tea":          "Tea",
	"orange-juice": "Orange Juice",
	"salad":        "Salad",
	"pizza":        "Pizza",
	"pasta":        "Pasta",
}

// Catalog is safe for concurrent use; Replace may be called while alerts are
// being dispatched.
type Catalog struct {
	mu    sync.RWMutex
	names map[string]string
}

// New returns a catalog seeded with names. A nil map yields Defaults.
func New(names map[string]string) *Catalog {
	c := &Catalog{}
	if names == nil {
		names = Defaults
	}
	c.Replace(names)
	return c
}

// Name returns the display name for code, or code itself when unmapped.
func (c *Catalog) Name(code string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n, ok := c.names[code]; ok && n != "" {
		return n
	}
	return code
}

// Replace swaps the whole table.
func (c *Catalog) Replace(names map[string]string) {
	next := make(map[string]string, len(names))
	for k, v := range names {
		next[k] = v
	}
	c.mu.Lock()
	c.names = next
	c.mu.Unlock()
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.names)
}
