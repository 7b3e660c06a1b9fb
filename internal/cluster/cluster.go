package cluster

import (
	"sync"
)

// MetaPersister is the subset of MetaStore the Cluster needs to persist a
// committed Configuration. Defined here (not imported from internal/meta)
// to avoid a cluster<->meta import cycle; internal/meta's *Store satisfies
// it.
type MetaPersister interface {
	SaveConfiguration(cfg Configuration) error
}

// TransitionRequester is satisfied by RaftContext: when the local member's
// type changes, Cluster asks it to switch roles.
type TransitionRequester interface {
	RequestTransitionForType(t MemberType)
}

// Cluster maintains the live Configuration and the local member's identity.
// All mutation is expected to happen on the single server thread (RaftContext);
// Cluster itself still guards its fields with a mutex so read-only callers
// (status endpoints, the replicator) can observe it from other goroutines.
type Cluster struct {
	mu      sync.RWMutex
	localID string
	current Configuration

	meta        MetaPersister
	transitions TransitionRequester
}

// New creates a Cluster for the given local member id. The initial
// Configuration is empty until the first configure() call installs one
// (e.g. loaded from MetaStore at startup, or delivered by a bootstrap
// ConfigureRequest).
func New(localID string, meta MetaPersister, transitions TransitionRequester) *Cluster {
	return &Cluster{
		localID:     localID,
		meta:        meta,
		transitions: transitions,
	}
}

// LocalID returns the local member's id.
func (c *Cluster) LocalID() string { return c.localID }

// Current returns a copy of the currently installed configuration.
func (c *Cluster) Current() Configuration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Clone()
}

// LocalType returns the local member's current MemberType, or
// MemberInactive if the local id is not present in the configuration yet.
func (c *Cluster) LocalType() MemberType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.current.Member(c.localID); ok {
		return m.Type
	}
	return MemberInactive
}

// Configure installs cfg as described in spec.md §4.3:
//  1. if cfg.Index <= current.Index, ignore it.
//  2. otherwise install cfg, and if the local member's type changed,
//     request a role transition.
// It does not persist; callers commit() separately once commitIndex has
// caught up to cfg.Index.
func (c *Cluster) Configure(cfg Configuration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.Index <= c.current.Index {
		return false
	}

	prevType := MemberInactive
	if m, ok := c.current.Member(c.localID); ok {
		prevType = m.Type
	}

	c.current = cfg.Clone()

	newType := MemberInactive
	if m, ok := c.current.Member(c.localID); ok {
		newType = m.Type
	}

	if newType != prevType && c.transitions != nil {
		c.transitions.RequestTransitionForType(newType)
	}
	return true
}

// Commit persists the current configuration to the MetaStore.
func (c *Cluster) Commit() error {
	c.mu.RLock()
	cfg := c.current.Clone()
	c.mu.RUnlock()
	if c.meta == nil {
		return nil
	}
	return c.meta.SaveConfiguration(cfg)
}

// UpdatePeer mutates the replication bookkeeping for a single member in
// place (nextIndex/matchIndex/heartbeat/backoff), used by the leader's
// replicator.
func (c *Cluster) UpdatePeer(id string, fn func(*Member)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.current.Members {
		if c.current.Members[i].ID == id {
			fn(&c.current.Members[i])
			return
		}
	}
}

// Peer returns a copy of a single member's state.
func (c *Cluster) Peer(id string) (Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.Member(id)
}
