package lobby

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/erilali/studybuddy/internal/errs"
	"github.com/google/uuid"
)

// MemoryStore keeps lobbies in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	lobbies map[string]*Lobby
	now     func() time.Time
}

// NewMemoryStore returns an empty store. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		lobbies: make(map[string]*Lobby),
		now:     now,
	}
}

func (s *MemoryStore) Find(_ context.Context, subjects []string) ([]Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Lobby
	for _, l := range s.lobbies {
		if !l.IsFull() && l.Overlap(subjects) > 0 {
			out = append(out, l.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, subjects []string) (Lobby, error) {
	subjects, err := NormalizeSubjects(subjects)
	if err != nil {
		return Lobby{}, err
	}

	now := s.now()
	l := &Lobby{
		ID:           uuid.NewString(),
		Subjects:     subjects,
		UserCount:    1,
		CreatedAt:    now,
		LastActivity: now,
	}

	s.mu.Lock()
	s.lobbies[l.ID] = l
	s.mu.Unlock()
	return l.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lobbies[id]
	if !ok {
		return Lobby{}, fmt.Errorf("lobby %s: %w", id, errs.ErrNotFound)
	}
	return l.clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, userCount int) (Lobby, error) {
	if userCount < 0 {
		return Lobby{}, fmt.Errorf("%w: user_count must not be negative", errs.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lobbies[id]
	if !ok {
		return Lobby{}, fmt.Errorf("lobby %s: %w", id, errs.ErrNotFound)
	}
	l.UserCount = userCount
	l.LastActivity = s.now()
	return l.clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lobbies[id]; !ok {
		return fmt.Errorf("lobby %s: %w", id, errs.ErrNotFound)
	}
	delete(s.lobbies, id)
	return nil
}

func (s *MemoryStore) PurgeInactive(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, l := range s.lobbies {
		if l.LastActivity.Before(before) {
			delete(s.lobbies, id)
			n++
		}
	}
	return n, nil
}
