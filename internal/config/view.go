package config

import (
	"sync/atomic"
)

// Snapshot is an immutable view over the configured entities.
// Request handlers read snapshots; writers build a new one and swap.
type Snapshot struct {
	Global   GlobalConfig
	Services []ServiceDescriptor
	Certs    []Certificate

	apiKeys map[string]*ApiKey
	groups  map[string]*ServiceGroup
}

// NewSnapshot indexes the given config into a read-optimized view.
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{
		Global:   cfg.Global,
		Services: cfg.Services,
		Certs:    cfg.Certs,
		apiKeys:  make(map[string]*ApiKey, len(cfg.ApiKeys)),
		groups:   make(map[string]*ServiceGroup, len(cfg.Groups)),
	}
	for i := range cfg.ApiKeys {
		k := cfg.ApiKeys[i]
		s.apiKeys[k.ClientID] = &k
	}
	for i := range cfg.Groups {
		g := cfg.Groups[i]
		s.groups[g.ID] = &g
	}
	return s
}

// ApiKey resolves an API key by client id.
func (s *Snapshot) ApiKey(clientID string) (*ApiKey, bool) {
	k, ok := s.apiKeys[clientID]
	return k, ok
}

// Group resolves a service group by id.
func (s *Snapshot) Group(id string) (*ServiceGroup, bool) {
	g, ok := s.groups[id]
	return g, ok
}

// ApiKeyCount returns the number of configured keys.
func (s *Snapshot) ApiKeyCount() int {
	return len(s.apiKeys)
}

// View hands out the current Snapshot and lets a single writer swap it.
type View struct {
	current atomic.Pointer[Snapshot]
}

// NewView creates a view seeded with the given snapshot.
func NewView(s *Snapshot) *View {
	v := &View{}
	v.current.Store(s)
	return v
}

// Get returns the current snapshot. Never nil after NewView.
func (v *View) Get() *Snapshot {
	return v.current.Load()
}

// Swap atomically replaces the snapshot.
func (v *View) Swap(s *Snapshot) {
	v.current.Store(s)
}
