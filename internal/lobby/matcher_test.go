package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/erilali/studybuddy/internal/errs"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestMatcher() (*Matcher, *MemoryStore) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(clock.Now)
	return NewMatcher(store, nil), store
}

func seed(t *testing.T, store Store, subjects []string, count int) Lobby {
	t.Helper()
	ctx := context.Background()
	l, err := store.Create(ctx, subjects)
	if err != nil {
		t.Fatal(err)
	}
	if count != l.UserCount {
		if l, err = store.Update(ctx, l.ID, count); err != nil {
			t.Fatal(err)
		}
	}
	return l
}

func TestFindBestPrefersOverlapOverCount(t *testing.T) {
	m, store := newTestMatcher()
	both := seed(t, store, []string{"Math", "Bio"}, 1)
	seed(t, store, []string{"Math"}, 3)

	best, err := m.FindBest(context.Background(), []string{"Math", "Bio"})
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.ID != both.ID {
		t.Fatalf("expected lobby %s, got %+v", both.ID, best)
	}
}

func TestFindBestBreaksTiesByActivity(t *testing.T) {
	m, store := newTestMatcher()
	seed(t, store, []string{"Math"}, 1)
	newer := seed(t, store, []string{"Math"}, 2)

	best, err := m.FindBest(context.Background(), []string{"Math"})
	if err != nil {
		t.Fatal(err)
	}
	if best == nil || best.ID != newer.ID {
		t.Fatalf("expected most recently active lobby %s, got %+v", newer.ID, best)
	}
}

func TestFindBestIgnoresFullLobbies(t *testing.T) {
	m, store := newTestMatcher()
	seed(t, store, []string{"Math"}, Capacity)
	seed(t, store, []string{"Math", "Bio"}, Capacity)

	best, err := m.FindBest(context.Background(), []string{"Math"})
	if err != nil {
		t.Fatal(err)
	}
	if best != nil {
		t.Fatalf("expected no match, got %+v", best)
	}
}

func TestFindBestRejectsEmptySubjects(t *testing.T) {
	m, _ := newTestMatcher()
	for _, subjects := range [][]string{nil, {}, {"  ", ""}} {
		if _, err := m.FindBest(context.Background(), subjects); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("subjects %q: expected validation error, got %v", subjects, err)
		}
	}
}

func TestJoinUntilFull(t *testing.T) {
	m, _ := newTestMatcher()
	ctx := context.Background()

	l, err := m.Create(ctx, []string{"Math"})
	if err != nil {
		t.Fatal(err)
	}
	if l.UserCount != 1 {
		t.Fatalf("new lobby should hold one user, got %d", l.UserCount)
	}
	for i := 0; i < 3; i++ {
		if l, err = m.Join(ctx, l.ID); err != nil {
			t.Fatalf("join %d: %v", i+1, err)
		}
	}
	if l.UserCount != 4 || !l.IsFull() {
		t.Fatalf("expected a full lobby of 4, got %d (full=%v)", l.UserCount, l.IsFull())
	}

	_, err = m.Join(ctx, l.ID)
	if !errors.Is(err, errs.ErrLobbyFull) || !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected a capacity not-found error, got %v", err)
	}
	if best, _ := m.FindBest(ctx, []string{"Math"}); best != nil {
		t.Errorf("full lobby should not be offered, got %+v", best)
	}
}

func TestJoinUnknownLobby(t *testing.T) {
	m, _ := newTestMatcher()
	if _, err := m.Join(context.Background(), "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLeaveDeletesEmptyLobby(t *testing.T) {
	m, _ := newTestMatcher()
	ctx := context.Background()

	l, _ := m.Create(ctx, []string{"Chem"})
	l, _ = m.Join(ctx, l.ID)

	l, deleted, err := m.Leave(ctx, l.ID)
	if err != nil || deleted || l.UserCount != 1 {
		t.Fatalf("first leave: count=%d deleted=%v err=%v", l.UserCount, deleted, err)
	}
	l, deleted, err = m.Leave(ctx, l.ID)
	if err != nil || !deleted || l.UserCount != 0 {
		t.Fatalf("second leave: count=%d deleted=%v err=%v", l.UserCount, deleted, err)
	}
	if _, err := m.Get(ctx, l.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("deleted lobby should be gone, got %v", err)
	}
}

func TestMatchJoinsThenCreates(t *testing.T) {
	m, _ := newTestMatcher()
	ctx := context.Background()

	first, err := m.Match(ctx, []string{"Math"})
	if err != nil || !first.Created || first.Local {
		t.Fatalf("first match should create: %+v %v", first, err)
	}
	for i := 2; i <= Capacity; i++ {
		res, err := m.Match(ctx, []string{"Math", "Physics"})
		if err != nil || res.Created || res.Lobby.ID != first.Lobby.ID {
			t.Fatalf("match %d should join %s: %+v %v", i, first.Lobby.ID, res, err)
		}
		if res.Lobby.UserCount != i {
			t.Errorf("match %d: expected count %d, got %d", i, i, res.Lobby.UserCount)
		}
	}

	overflow, err := m.Match(ctx, []string{"Math"})
	if err != nil || !overflow.Created || overflow.Lobby.ID == first.Lobby.ID {
		t.Fatalf("match into a full lobby should create another: %+v %v", overflow, err)
	}
}

type brokenStore struct{ Store }

func (brokenStore) Find(context.Context, []string) ([]Lobby, error) {
	return nil, errs.ErrPersistenceUnavailable
}

func TestMatchFallsBackToLocalLobby(t *testing.T) {
	m := NewMatcher(brokenStore{}, nil)
	res, err := m.Match(context.Background(), []string{"Math"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Local || !strings.HasPrefix(res.Lobby.ID, LocalPrefix) || res.Lobby.UserCount != 1 {
		t.Fatalf("unexpected fallback %+v", res)
	}
}

func TestLobbyJSONCarriesIsFull(t *testing.T) {
	data, err := json.Marshal(Lobby{ID: "l1", Subjects: []string{"Math"}, UserCount: Capacity})
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["is_full"] != true || decoded["user_count"] != float64(Capacity) {
		t.Errorf("unexpected encoding %s", data)
	}
}

func TestJanitorPurgesIdleLobbies(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	old, _ := store.Create(ctx, []string{"Math"})
	now = now.Add(23 * time.Hour)
	recent, _ := store.Create(ctx, []string{"Math"})
	now = now.Add(2 * time.Hour)

	j := NewJanitor(store, 24*time.Hour, time.Hour, nil)
	j.now = func() time.Time { return now }
	n, err := j.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one purge, got %d (%v)", n, err)
	}
	if _, err := store.Get(ctx, old.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Error("idle lobby should be purged")
	}
	if _, err := store.Get(ctx, recent.ID); err != nil {
		t.Errorf("recent lobby should survive: %v", err)
	}
}

func TestJanitorStartStop(t *testing.T) {
	j := NewJanitor(NewMemoryStore(nil), time.Hour, time.Millisecond, nil)
	j.Start(context.Background())
	j.Start(context.Background())
	time.Sleep(5 * time.Millisecond)
	j.Stop()
	j.Stop()
}
