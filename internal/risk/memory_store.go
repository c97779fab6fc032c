package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for dev/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // actorID → assessments, oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	cp.Recommendations = append([]string(nil), a.Recommendations...)
	s.assessments[a.ActorID] = append(s.assessments[a.ActorID], &cp)
	return nil
}

func (s *MemoryStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[actorID]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}

	// Most recent first.
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		cp := *all[i]
		cp.Recommendations = append([]string(nil), all[i].Recommendations...)
		result = append(result, &cp)
	}
	return result, nil
}
