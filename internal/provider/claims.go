package provider

import (
	"strings"
	"sync"
)

// NameClaims tracks VM names with an in-flight create in this process.
//
// Some backends (Hyper-V) accept duplicate VM names, and none make
// check-then-create atomic. Adapters claim the name before checking backend
// state so two concurrent runs for one name fail with KindConflict instead
// of racing.
type NameClaims struct {
	mu    sync.Mutex
	names map[string]struct{}
}

// Claim reserves name and returns a release function. It fails with
// KindConflict when another caller holds the name. Names are compared
// case-insensitively, as Hyper-V and VirtualBox do.
func (c *NameClaims) Claim(op, name string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := strings.ToLower(name)
	if c.names == nil {
		c.names = make(map[string]struct{})
	}
	if _, held := c.names[key]; held {
		return nil, Errorf(KindConflict, op, name, "another provisioning run is creating a VM with this name")
	}
	c.names[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.names, key)
		})
	}, nil
}

// Held reports whether name is currently claimed.
func (c *NameClaims) Held(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, held := c.names[strings.ToLower(name)]
	return held
}
