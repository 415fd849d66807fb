package config

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// historyLimit caps the number of reload records kept in memory.
const historyLimit = 50

// Diff describes the effect of applying a new registry snapshot.
type Diff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

// Empty reports whether the diff touches no servers.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// ReloadRecord is one entry of the in-memory reload history.
type ReloadRecord struct {
	Version int       `json:"version"`
	At      time.Time `json:"at"`
	Diff    Diff      `json:"diff"`
}

// Registry stores server configurations in memory with thread-safe access.
// The version counter bumps on every successful Apply, including no-op
// reloads of an identical file.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*ServerConfig
	order   []string // sorted names of the current snapshot
	version int
	history []ReloadRecord
}

// NewRegistry creates a registry from an initial snapshot at version 1.
func NewRegistry(servers map[string]*ServerConfig) *Registry {
	r := &Registry{
		servers: make(map[string]*ServerConfig, len(servers)),
		version: 1,
	}
	for name, sc := range servers {
		r.servers[name] = sc
	}
	r.order = sortedNames(servers)
	return r
}

// Get retrieves a server configuration by name.
func (r *Registry) Get(name string) (*ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sc, ok := r.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return sc, nil
}

// GetAll returns all server configurations (copy of the map; the configs
// themselves are immutable).
func (r *Registry) GetAll() map[string]*ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ServerConfig, len(r.servers))
	for k, v := range r.servers {
		result[k] = v
	}
	return result
}

// Has checks whether a server exists in the registry.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.servers[name]
	return ok
}

// Names returns the configured server names in stable (sorted) order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// First returns the first configured server name, used as the default
// execution target when a tool does not resolve to a specific server.
func (r *Registry) First() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.order) == 0 {
		return "", false
	}
	return r.order[0], true
}

// Version returns the current registry version.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.version
}

// History returns a copy of the retained reload records, oldest first.
func (r *Registry) History() []ReloadRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]ReloadRecord(nil), r.history...)
}

// Apply installs a new snapshot, computes the diff against the current one,
// bumps the version, and records the reload. Returns the diff and the new
// version.
func (r *Registry) Apply(servers map[string]*ServerConfig) (Diff, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	diff := Diff{}
	for name, next := range servers {
		prev, ok := r.servers[name]
		switch {
		case !ok:
			diff.Added = append(diff.Added, name)
		case !reflect.DeepEqual(prev, next):
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range r.servers {
		if _, ok := servers[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)

	r.servers = make(map[string]*ServerConfig, len(servers))
	for name, sc := range servers {
		r.servers[name] = sc
	}
	r.order = sortedNames(servers)
	r.version++
	r.history = append(r.history, ReloadRecord{Version: r.version, At: time.Now(), Diff: diff})
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	return diff, r.version
}

func sortedNames(servers map[string]*ServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
