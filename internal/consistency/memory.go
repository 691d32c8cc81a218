package consistency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps state in a mutex-guarded map. It is the default
// backend for single-run use; nothing survives the process.
type MemoryStore struct {
	mu      sync.Mutex
	states  map[string]State
	deriver Deriver
}

func NewMemoryStore(deriver Deriver) *MemoryStore {
	return &MemoryStore{
		states:  make(map[string]State),
		deriver: deriver,
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, patientKey string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[patientKey]; ok {
		return st, nil
	}
	st, err := s.deriver.Derive(patientKey)
	if err != nil {
		return State{}, fmt.Errorf("failed to derive patient state: %w", err)
	}
	st.CreatedAt = time.Now().UTC()
	s.states[patientKey] = st
	return st, nil
}

func (s *MemoryStore) Purge(ctx context.Context, patientKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[patientKey]; !ok {
		return ErrStateNotFound
	}
	delete(s.states, patientKey)
	return nil
}

// Len reports how many patient keys currently hold state.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
