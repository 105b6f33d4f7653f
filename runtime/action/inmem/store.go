// Package inmem provides the in-memory action instance store used by default.
// Instances live for the process lifetime at most; the manager removes them
// as sessions resolve.
package inmem

import (
	"context"
	"sync"

	"goa.design/montage/runtime/action"
)

// Store is a mutex-guarded in-memory action.Store.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*action.Instance
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{instances: make(map[string]*action.Instance)}
}

// Put inserts or replaces an instance.
func (s *Store) Put(_ context.Context, inst *action.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

// Get returns the instance with the given id.
func (s *Store) Get(_ context.Context, id string) (*action.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, action.ErrUnknownInstance
	}
	return inst, nil
}

// BySession returns all live instances for a session.
func (s *Store) BySession(_ context.Context, sessionID string) ([]*action.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*action.Instance
	for _, inst := range s.instances {
		if inst.SessionID == sessionID {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Delete removes an instance.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}
