// Package registry tracks which sessions are subscribed to which channels.
package registry

import (
	"sort"
	"sync"
)

// Registry is a channel → sessions index with a session → channels reverse
// index, so a disconnecting session can be removed without scanning every
// channel. Absent channels behave as empty; no operation fails.
//
// Channels are created on first join. An emptied channel keeps no entry.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{}
	sessions map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		channels: make(map[string]map[string]struct{}),
		sessions: make(map[string]map[string]struct{}),
	}
}

// Join adds session to channel. It reports whether the session was newly added.
func (r *Registry) Join(channel, session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.channels[channel]
	if members == nil {
		members = make(map[string]struct{})
		r.channels[channel] = members
	}
	if _, ok := members[session]; ok {
		return false
	}
	members[session] = struct{}{}

	joined := r.sessions[session]
	if joined == nil {
		joined = make(map[string]struct{})
		r.sessions[session] = joined
	}
	joined[channel] = struct{}{}
	return true
}

// Leave removes session from channel. It reports whether the session was a member.
func (r *Registry) Leave(channel, session string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(channel, session)
}

func (r *Registry) leaveLocked(channel, session string) bool {
	members, ok := r.channels[channel]
	if !ok {
		return false
	}
	if _, ok := members[session]; !ok {
		return false
	}
	delete(members, session)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	if joined, ok := r.sessions[session]; ok {
		delete(joined, channel)
		if len(joined) == 0 {
			delete(r.sessions, session)
		}
	}
	return true
}

// MembersOf returns the sessions in channel, sorted.
func (r *Registry) MembersOf(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.channels[channel])
}

// IsMember reports whether session is subscribed to channel.
func (r *Registry) IsMember(channel, session string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[channel][session]
	return ok
}

// ChannelsOf returns the channels session belongs to, sorted.
func (r *Registry) ChannelsOf(session string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.sessions[session])
}

// RemoveSession drops session from every channel and returns those channels.
func (r *Registry) RemoveSession(session string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := sortedKeys(r.sessions[session])
	for _, channel := range channels {
		r.leaveLocked(channel, session)
	}
	return channels
}

// ChannelCount returns the number of non-empty channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
