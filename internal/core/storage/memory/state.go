package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aevon-lab/calcengine/internal/core/quorum"
	"github.com/aevon-lab/calcengine/internal/core/state"
	"github.com/aevon-lab/calcengine/internal/core/storage"
	"github.com/google/uuid"
)

// StateStore is an in-memory storage.StateStore. States are kept in encoded form so
// that callers never share memory with the store.
type StateStore struct {
	mu     sync.RWMutex
	states map[storage.StateKey][]byte
}

// NewStateStore creates an empty in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{states: make(map[storage.StateKey][]byte)}
}

func (s *StateStore) Fetch(_ context.Context, key storage.StateKey) (*state.State, error) {
	s.mu.RLock()
	data, ok := s.states[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return state.Unmarshal(data)
}

func (s *StateStore) Persist(_ context.Context, key storage.StateKey, st *state.State, cb quorum.Callback) {
	data, err := st.Marshal()
	if err != nil {
		cb.OnFailure(err)
		return
	}
	s.mu.Lock()
	s.states[key] = data
	s.mu.Unlock()
	cb.OnSuccess()
}

func (s *StateStore) Remove(_ context.Context, key storage.StateKey, cb quorum.Callback) {
	s.mu.Lock()
	delete(s.states, key)
	s.mu.Unlock()
	cb.OnSuccess()
}

func (s *StateStore) List(_ context.Context, tenantID uuid.UUID, fn func(storage.StateKey, *state.State) error) error {
	s.mu.RLock()
	keys := make([]storage.StateKey, 0, len(s.states))
	for key := range s.states {
		if key.TenantID == tenantID {
			keys = append(keys, key)
		}
	}
	encoded := make(map[storage.StateKey][]byte, len(keys))
	for _, key := range keys {
		encoded[key] = s.states[key]
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, key := range keys {
		st, err := state.Unmarshal(encoded[key])
		if err != nil {
			return err
		}
		if err := fn(key, st); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored states.
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
