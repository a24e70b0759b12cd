package policy

import "sync/atomic"

// Store holds the current Policy. Load is safe for concurrent use with Swap.
type Store struct {
	current atomic.Pointer[Policy]
}

// NewStore creates a Store holding p.
func NewStore(p *Policy) *Store {
	s := &Store{}
	s.current.Store(p)
	return s
}

// Load returns the current Policy. A Store that was never given a Policy
// returns an empty one, which denies everything.
func (s *Store) Load() *Policy {
	if p := s.current.Load(); p != nil {
		return p
	}
	return &Policy{}
}

// Swap installs p for subsequent requests and returns the previous Policy.
func (s *Store) Swap(p *Policy) *Policy {
	return s.current.Swap(p)
}
