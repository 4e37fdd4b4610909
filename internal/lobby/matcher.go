package lobby

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/erilali/studybuddy/internal/errs"
	"github.com/erilali/studybuddy/internal/logger"
	"github.com/google/uuid"
)

// LocalPrefix marks lobbies synthesized when the store is unreachable.
const LocalPrefix = "local-"

// MatchResult is the outcome of Match.
type MatchResult struct {
	Lobby   Lobby `json:"lobby"`
	Created bool  `json:"created"`
	Local   bool  `json:"local"`
}

// Matcher pairs users into lobbies through a Store. Concurrent matchers may
// race for the last seat of a lobby; nothing serializes them.
type Matcher struct {
	store  Store
	logger *logger.Logger
	now    func() time.Time
}

func NewMatcher(store Store, log *logger.Logger) *Matcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Matcher{store: store, logger: log, now: time.Now}
}

// Store returns the collaborator the matcher reads and writes through.
func (m *Matcher) Store() Store {
	return m.store
}

// FindBest returns the non-full lobby sharing the most subjects, preferring
// the most recently active on ties. It returns nil when nothing matches.
func (m *Matcher) FindBest(ctx context.Context, subjects []string) (*Lobby, error) {
	subjects, err := NormalizeSubjects(subjects)
	if err != nil {
		return nil, err
	}

	found, err := m.store.Find(ctx, subjects)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		lobby   Lobby
		overlap int
	}
	var candidates []candidate
	for _, l := range found {
		if l.IsFull() {
			continue
		}
		if n := l.Overlap(subjects); n > 0 {
			candidates = append(candidates, candidate{l, n})
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		if !a.lobby.LastActivity.Equal(b.lobby.LastActivity) {
			return a.lobby.LastActivity.After(b.lobby.LastActivity)
		}
		return a.lobby.ID < b.lobby.ID
	})
	best := candidates[0].lobby
	return &best, nil
}

// Create persists a new lobby holding one user.
func (m *Matcher) Create(ctx context.Context, subjects []string) (Lobby, error) {
	subjects, err := NormalizeSubjects(subjects)
	if err != nil {
		return Lobby{}, err
	}
	return m.store.Create(ctx, subjects)
}

func (m *Matcher) Get(ctx context.Context, id string) (Lobby, error) {
	return m.store.Get(ctx, id)
}

// Join adds a user to the lobby. A full lobby is reported as an error
// matching both errs.ErrLobbyFull and errs.ErrNotFound.
func (m *Matcher) Join(ctx context.Context, id string) (Lobby, error) {
	l, err := m.store.Get(ctx, id)
	if err != nil {
		return Lobby{}, err
	}
	if l.IsFull() {
		return Lobby{}, fmt.Errorf("lobby %s: %w: %w", id, errs.ErrNotFound, errs.ErrLobbyFull)
	}
	return m.store.Update(ctx, id, l.UserCount+1)
}

// Leave removes a user from the lobby. The lobby is deleted once empty, in
// which case deleted is true and the returned lobby has a zero count.
func (m *Matcher) Leave(ctx context.Context, id string) (l Lobby, deleted bool, err error) {
	l, err = m.store.Get(ctx, id)
	if err != nil {
		return Lobby{}, false, err
	}

	count := l.UserCount - 1
	if count <= 0 {
		if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return Lobby{}, false, err
		}
		l.UserCount = 0
		return l, true, nil
	}

	l, err = m.store.Update(ctx, id, count)
	return l, false, err
}

// Match joins the best lobby for subjects or creates one. If the store is
// unreachable a local lobby is synthesized instead of failing.
func (m *Matcher) Match(ctx context.Context, subjects []string) (MatchResult, error) {
	subjects, err := NormalizeSubjects(subjects)
	if err != nil {
		return MatchResult{}, err
	}

	best, err := m.FindBest(ctx, subjects)
	if err != nil {
		return m.fallback(subjects, err)
	}

	if best != nil {
		joined, err := m.Join(ctx, best.ID)
		switch {
		case err == nil:
			return MatchResult{Lobby: joined}, nil
		case errors.Is(err, errs.ErrNotFound):
			m.logger.Debugf("lobby %s vanished or filled before join, creating a new one", best.ID)
		default:
			return m.fallback(subjects, err)
		}
	}

	created, err := m.store.Create(ctx, subjects)
	if err != nil {
		return m.fallback(subjects, err)
	}
	return MatchResult{Lobby: created, Created: true}, nil
}

func (m *Matcher) fallback(subjects []string, err error) (MatchResult, error) {
	if !errors.Is(err, errs.ErrPersistenceUnavailable) {
		return MatchResult{}, err
	}
	m.logger.Warnf("lobby store unavailable, using a local lobby: %v", err)

	now := m.now()
	return MatchResult{
		Lobby: Lobby{
			ID:           LocalPrefix + uuid.NewString(),
			Subjects:     subjects,
			UserCount:    1,
			CreatedAt:    now,
			LastActivity: now,
		},
		Created: true,
		Local:   true,
	}, nil
}
