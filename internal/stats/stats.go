// Package stats counts delivery outcomes globally and per sending identity.
package stats

import (
	"sort"
	"sync"
	"time"
)

// UnknownIdentity is used for outcomes recorded without an identity.
const UnknownIdentity = "unknown"

// Counters is a snapshot of delivery outcomes.
type Counters struct {
	Sent        uint64
	Failed      uint64
	LastSuccess time.Time
	LastFailure time.Time
}

// Store holds in-memory counters. It is safe for concurrent use and keeps
// lock sections short so that callers on the delivery path never wait long.
type Store struct {
	mu         sync.Mutex
	global     Counters
	identities map[string]*Counters
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{identities: make(map[string]*Counters)}
}

// RecordSuccess counts one delivered message.
func (s *Store) RecordSuccess(identity string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.identity(identity)
	c.Sent++
	s.global.Sent++
	if at.After(c.LastSuccess) {
		c.LastSuccess = at
	}
	if at.After(s.global.LastSuccess) {
		s.global.LastSuccess = at
	}
}

// RecordFailure counts one failed delivery attempt.
func (s *Store) RecordFailure(identity string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.identity(identity)
	c.Failed++
	s.global.Failed++
	if at.After(c.LastFailure) {
		c.LastFailure = at
	}
	if at.After(s.global.LastFailure) {
		s.global.LastFailure = at
	}
}

// identity returns the counters for name, creating them. The caller must
// hold s.mu.
func (s *Store) identity(name string) *Counters {
	if name == "" {
		name = UnknownIdentity
	}
	c, ok := s.identities[name]
	if !ok {
		c = &Counters{}
		s.identities[name] = c
	}
	return c
}

// Global returns the totals across all identities.
func (s *Store) Global() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.global
}

// Identity returns the counters for one identity.
func (s *Store) Identity(name string) (Counters, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.identities[name]
	if !ok {
		return Counters{}, false
	}
	return *c, true
}

// Identities returns the known identity names in sorted order.
func (s *Store) Identities() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.identities))
	for name := range s.identities {
		names = append(names, name)
	}
	s.mu.Unlock()

	sort.Strings(names)
	return names
}

// Snapshot returns a copy of every identity's counters.
func (s *Store) Snapshot() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Counters, len(s.identities))
	for name, c := range s.identities {
		out[name] = *c
	}
	return out
}
