package proc

import (
	"sort"
	"sync"
	"time"

	"github.com/toolgate/toolgate/pkg/config"
)

// serverState is the internal per-server record. Status fields are
// guarded by the StatusRegistry mutex; startMu serializes the slow
// start/stop/recover critical section without holding the registry
// lock across spawns.
type serverState struct {
	startMu sync.Mutex

	status           ServerStatus
	handle           *StdioHandle
	lastStartAttempt time.Time
}

// StatusRegistry tracks runtime state for every configured server.
type StatusRegistry struct {
	mu      sync.RWMutex
	servers map[string]*serverState
}

func newStatusRegistry() *StatusRegistry {
	return &StatusRegistry{servers: make(map[string]*serverState)}
}

// sync reconciles the state map with the configured server set. New
// servers get a fresh entry, removed servers are dropped, and the
// Enabled flag follows config. Removed servers must already be torn
// down; sync does not stop processes.
func (r *StatusRegistry) sync(cfgs map[string]*config.ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, sc := range cfgs {
		st, ok := r.servers[name]
		if !ok {
			r.servers[name] = &serverState{
				status: ServerStatus{Name: name, Enabled: sc.Enabled},
			}
			continue
		}
		st.status.Enabled = sc.Enabled
	}

	for name := range r.servers {
		if _, ok := cfgs[name]; ok {
			continue
		}
		delete(r.servers, name)
	}
}

// state returns the internal record for name.
func (r *StatusRegistry) state(name string) (*serverState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.servers[name]
	return st, ok
}

// get returns a copy of the server's status.
func (r *StatusRegistry) get(name string) (ServerStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.servers[name]
	if !ok {
		return ServerStatus{}, false
	}
	return st.status.clone(), true
}

// all returns status copies for every server, sorted by name.
func (r *StatusRegistry) all() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerStatus, 0, len(r.servers))
	for _, st := range r.servers {
		out = append(out, st.status.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// update applies fn to the server's status under the registry lock.
func (r *StatusRegistry) update(name string, fn func(*ServerStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.servers[name]; ok {
		fn(&st.status)
	}
}

// handle returns the server's current stdio handle, or nil.
func (r *StatusRegistry) getHandle(name string) *StdioHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.servers[name]; ok {
		return st.handle
	}
	return nil
}

// setHandle installs (or clears) the server's stdio handle.
func (r *StatusRegistry) setHandle(name string, h *StdioHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.servers[name]; ok {
		st.handle = h
	}
}

// lastAttempt returns the time of the most recent start attempt.
func (r *StatusRegistry) lastAttempt(name string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.servers[name]; ok {
		return st.lastStartAttempt
	}
	return time.Time{}
}

// markAttempt records a start attempt at now.
func (r *StatusRegistry) markAttempt(name string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.servers[name]; ok {
		st.lastStartAttempt = now
	}
}

// managedPIDs returns every pid the registry believes it owns, including
// recorded children. The reaper must never touch these.
func (r *StatusRegistry) managedPIDs() map[int32]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pids := make(map[int32]bool)
	for _, st := range r.servers {
		pi := st.status.ProcessInfo
		if pi == nil {
			continue
		}
		if pi.PID != 0 {
			pids[pi.PID] = true
		}
		for _, c := range pi.Children {
			pids[c] = true
		}
	}
	return pids
}

// expectedRunning counts servers that should currently be up: enabled
// and not marked failed.
func (r *StatusRegistry) expectedRunning() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.servers {
		if st.status.Enabled && !st.status.MarkedFailed {
			n++
		}
	}
	return n
}

// names returns all registered server names, sorted.
func (r *StatusRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for name := range r.servers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
