// Package presence tracks which users are live in each channel and expires
// users whose heartbeats stop.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
)

const (
	DefaultSweepInterval = 60 * time.Second
	DefaultStaleAfter    = 2 * time.Minute

	// Status thresholds reported to clients. These are independent of the
	// sweep threshold: a swept entry never reaches idle with the defaults.
	IdleAfter    = 5 * time.Minute
	OfflineAfter = 15 * time.Minute
)

type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

func (s Status) rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusIdle:
		return 1
	default:
		return 2
	}
}

// StatusAt derives a status from how long ago lastSeen was.
func StatusAt(lastSeen, now time.Time) Status {
	age := now.Sub(lastSeen)
	switch {
	case age > OfflineAfter:
		return StatusOffline
	case age > IdleAfter:
		return StatusIdle
	default:
		return StatusActive
	}
}

// Entry is one user's presence in a channel.
type Entry struct {
	UserID    string                 `json:"userId"`
	SessionID string                 `json:"-"`
	LastSeen  time.Time              `json:"lastSeen"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Status    Status                 `json:"status"`
}

// Expired identifies an entry removed by a sweep.
type Expired struct {
	Channel string
	Entry   Entry
}

type Options struct {
	StaleAfter    time.Duration
	SweepInterval time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
	// OnExpire is called once for every entry a sweep removes, outside the
	// store lock.
	OnExpire func(Expired)
	Logger   *logger.Logger
}

// Store is a per-channel map of userId → Entry. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	channels map[string]map[string]*Entry

	staleAfter    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	onExpire      func(Expired)
	logger        *logger.Logger

	lifecycle sync.Mutex
	sweeper   func()
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(opts Options) *Store {
	s := &Store{
		channels:      make(map[string]map[string]*Entry),
		staleAfter:    opts.StaleAfter,
		sweepInterval: opts.SweepInterval,
		now:           opts.Now,
		onExpire:      opts.OnExpire,
		logger:        opts.Logger,
	}
	if s.staleAfter <= 0 {
		s.staleAfter = DefaultStaleAfter
	}
	if s.sweepInterval <= 0 {
		s.sweepInterval = DefaultSweepInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logger.Nop()
	}
	return s
}

// SetSweeper makes the background ticker call fn instead of sweeping
// directly, so an owner can run Sweep on its own goroutine. Call before Start.
func (s *Store) SetSweeper(fn func()) {
	s.lifecycle.Lock()
	s.sweeper = fn
	s.lifecycle.Unlock()
}

// Upsert records userID in channel, refreshing lastSeen and merging metadata
// into what is already stored. sessionID records the session that owns the
// entry; a later upsert from another session takes ownership.
func (s *Store) Upsert(channel, userID, sessionID string, metadata map[string]interface{}) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.channels[channel]
	if users == nil {
		users = make(map[string]*Entry)
		s.channels[channel] = users
	}

	entry, ok := users[userID]
	if !ok {
		entry = &Entry{UserID: userID, Metadata: make(map[string]interface{})}
		users[userID] = entry
	}
	for k, v := range metadata {
		entry.Metadata[k] = v
	}
	if sessionID != "" {
		entry.SessionID = sessionID
	}
	entry.LastSeen = s.now()
	return s.copyEntry(entry, entry.LastSeen)
}

// Touch refreshes lastSeen. It is a no-op returning false if userID is absent.
func (s *Store) Touch(channel, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.channels[channel][userID]
	if !ok {
		return false
	}
	entry.LastSeen = s.now()
	return true
}

// Remove deletes userID from channel and reports whether it was present.
func (s *Store) Remove(channel, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(channel, userID)
}

func (s *Store) removeLocked(channel, userID string) bool {
	users, ok := s.channels[channel]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.channels, channel)
	}
	return true
}

// RemoveSession deletes every entry in channel owned by sessionID and
// returns their user ids.
func (s *Store) RemoveSession(channel, sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for userID, entry := range s.channels[channel] {
		if entry.SessionID == sessionID {
			removed = append(removed, userID)
		}
	}
	sort.Strings(removed)
	for _, userID := range removed {
		s.removeLocked(channel, userID)
	}
	return removed
}

// Get returns a copy of one entry.
func (s *Store) Get(channel, userID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.channels[channel][userID]
	if !ok {
		return Entry{}, false
	}
	return s.copyEntry(entry, s.now()), true
}

// Snapshot returns copies of every entry in channel ordered active, idle,
// offline, then by user id.
func (s *Store) Snapshot(channel string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	users := s.channels[channel]
	out := make([]Entry, 0, len(users))
	for _, entry := range users {
		out = append(out, s.copyEntry(entry, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Status.rank(), out[j].Status.rank(); ri != rj {
			return ri < rj
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) copyEntry(entry *Entry, now time.Time) Entry {
	cp := *entry
	cp.Metadata = make(map[string]interface{}, len(entry.Metadata))
	for k, v := range entry.Metadata {
		cp.Metadata[k] = v
	}
	cp.Status = StatusAt(entry.LastSeen, now)
	return cp
}

// Sweep removes every entry whose lastSeen is older than the stale
// threshold. Entries exactly at the threshold are kept. OnExpire is called
// once per removed entry and the removed entries are returned.
func (s *Store) Sweep() []Expired {
	s.mu.Lock()
	now := s.now()
	cutoff := now.Add(-s.staleAfter)
	var expired []Expired
	for channel, users := range s.channels {
		for userID, entry := range users {
			if entry.LastSeen.Before(cutoff) {
				expired = append(expired, Expired{Channel: channel, Entry: s.copyEntry(entry, now)})
				delete(users, userID)
			}
		}
		if len(users) == 0 {
			delete(s.channels, channel)
		}
	}
	onExpire := s.onExpire
	s.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		if expired[i].Channel != expired[j].Channel {
			return expired[i].Channel < expired[j].Channel
		}
		return expired[i].Entry.UserID < expired[j].Entry.UserID
	})

	if onExpire != nil {
		for _, e := range expired {
			s.notify(onExpire, e)
		}
	}
	return expired
}

func (s *Store) notify(fn func(Expired), e Expired) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("presence expiry handler panicked for %s in %s: %v", e.Entry.UserID, e.Channel, r)
		}
	}()
	fn(e)
}

// Start runs Sweep, or the sweeper set with SetSweeper, every sweep interval
// until ctx is cancelled or Stop is called. Starting an already running store
// is a no-op.
func (s *Store) Start(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	tick := s.sweeper
	if tick == nil {
		tick = func() {
			if removed := s.Sweep(); len(removed) > 0 {
				s.logger.Debugf("presence sweep removed %d stale entries", len(removed))
			}
		}
	}

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}(s.done)
}

// Stop halts the sweeper and waits for it to exit.
func (s *Store) Stop() {
	s.lifecycle.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.lifecycle.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
