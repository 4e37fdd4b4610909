// Package lobby pairs users into study lobbies by subject overlap.
package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/erilali/studybuddy/internal/errs"
)

// Capacity is the number of users a lobby holds before it is full.
const Capacity = 4

type Lobby struct {
	ID           string    `json:"id"`
	Subjects     []string  `json:"subjects"`
	UserCount    int       `json:"user_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// IsFull is derived from UserCount and never stored.
func (l Lobby) IsFull() bool {
	return l.UserCount >= Capacity
}

// Overlap counts how many of subjects the lobby covers.
func (l Lobby) Overlap(subjects []string) int {
	n := 0
	for _, want := range subjects {
		for _, have := range l.Subjects {
			if want == have {
				n++
				break
			}
		}
	}
	return n
}

func (l Lobby) MarshalJSON() ([]byte, error) {
	type plain Lobby
	return json.Marshal(struct {
		plain
		IsFull bool `json:"is_full"`
	}{plain(l), l.IsFull()})
}

func (l Lobby) clone() Lobby {
	l.Subjects = append([]string(nil), l.Subjects...)
	return l
}

// Store is the persistence collaborator behind the matcher.
//
// Find returns lobbies sharing at least one subject that are not full.
// Get, Update and Delete return errs.ErrNotFound for unknown ids. Backend
// failures wrap errs.ErrPersistenceUnavailable.
type Store interface {
	Find(ctx context.Context, subjects []string) ([]Lobby, error)
	Create(ctx context.Context, subjects []string) (Lobby, error)
	Get(ctx context.Context, id string) (Lobby, error)
	Update(ctx context.Context, id string, userCount int) (Lobby, error)
	Delete(ctx context.Context, id string) error
}

// Purger is implemented by stores that can drop lobbies idle since before.
type Purger interface {
	PurgeInactive(ctx context.Context, before time.Time) (int, error)
}

// NormalizeSubjects trims and de-duplicates subjects, keeping their order.
// An empty result is a validation error.
func NormalizeSubjects(subjects []string) ([]string, error) {
	seen := make(map[string]struct{}, len(subjects))
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one subject is required", errs.ErrValidation)
	}
	return out, nil
}
