package relayclient

import (
	"context"
	"sync"
	"time"

	"github.com/erilali/studybuddy/internal/message"
)

const presencePrefix = "presence:"

// Member is one user in a presence snapshot.
type Member struct {
	UserID   string                 `json:"userId"`
	LastSeen time.Time              `json:"lastSeen"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Status   string                 `json:"status"`
}

type presenceFrame struct {
	Event    string                 `json:"event"`
	Channel  string                 `json:"channel"`
	UserID   string                 `json:"userId"`
	Metadata map[string]interface{} `json:"metadata"`
	Users    []Member               `json:"users"`
}

// Presence tracks the live members of a room and keeps this client listed
// there with periodic heartbeats.
type Presence struct {
	client  *Client
	room    string
	channel string

	mu      sync.Mutex
	members []Member
	onSync  map[int]func([]Member)
	onJoin  map[int]func(userID string, metadata map[string]interface{})
	onLeave map[int]func(userID string)
	nextID  int

	cancel context.CancelFunc
	once   sync.Once
}

// TrackPresence announces this client in room and starts heartbeats.
// Calling it again for a room already tracked returns the same handle.
func (c *Client) TrackPresence(room string) *Presence {
	channel := presencePrefix + room

	c.mu.Lock()
	if p, ok := c.presences[channel]; ok {
		c.mu.Unlock()
		return p
	}
	ctx, cancel := context.WithCancel(c.ctx)
	p := &Presence{
		client:  c,
		room:    room,
		channel: channel,
		onSync:  make(map[int]func([]Member)),
		onJoin:  make(map[int]func(string, map[string]interface{})),
		onLeave: make(map[int]func(string)),
		cancel:  cancel,
	}
	c.presences[channel] = p
	c.mu.Unlock()

	p.subscribe()
	if ctx.Err() != nil {
		return p
	}

	c.wg.Add(1)
	go p.heartbeat(ctx)
	return p
}

func (p *Presence) Room() string {
	return p.room
}

// Members returns the last synced member list, updated by joins and leaves.
func (p *Presence) Members() []Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Member(nil), p.members...)
}

func (p *Presence) OnSync(fn func(members []Member)) (off func()) {
	return addHandler(&p.mu, &p.nextID, p.onSync, fn)
}

func (p *Presence) OnJoin(fn func(userID string, metadata map[string]interface{})) (off func()) {
	return addHandler(&p.mu, &p.nextID, p.onJoin, fn)
}

func (p *Presence) OnLeave(fn func(userID string)) (off func()) {
	return addHandler(&p.mu, &p.nextID, p.onLeave, fn)
}

// Leave stops heartbeats and removes this client from the room.
func (p *Presence) Leave() bool {
	sent := false
	p.once.Do(func() {
		p.cancel()
		c := p.client
		c.mu.Lock()
		if c.presences[p.channel] == p {
			delete(c.presences, p.channel)
		}
		c.mu.Unlock()
		sent = c.emit(message.EventUnsubscribe, message.Unsubscribe{
			Channel: p.channel,
			UserID:  c.opts.UserID,
		})
	})
	return sent
}

func (p *Presence) subscribe() bool {
	c := p.client
	return c.emit(message.EventSubscribe, message.Subscribe{
		Channel:  p.channel,
		UserID:   c.opts.UserID,
		UserInfo: c.opts.Metadata,
	})
}

func (p *Presence) heartbeat(ctx context.Context) {
	defer p.client.wg.Done()
	ticker := time.NewTicker(p.client.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.client.emit(message.EventHeartbeat, message.Heartbeat{
				Channel: p.channel,
				UserID:  p.client.opts.UserID,
			})
		}
	}
}

func (p *Presence) dispatch(pe presenceFrame) {
	switch pe.Event {
	case message.PresenceSync:
		p.mu.Lock()
		p.members = append([]Member(nil), pe.Users...)
		p.mu.Unlock()
		for _, fn := range handlersOf(&p.mu, p.onSync) {
			fn(pe.Users)
		}

	case message.PresenceJoin:
		p.mu.Lock()
		p.members = withoutMember(p.members, pe.UserID)
		p.members = append(p.members, Member{
			UserID:   pe.UserID,
			LastSeen: time.Now(),
			Metadata: pe.Metadata,
			Status:   "active",
		})
		p.mu.Unlock()
		for _, fn := range handlersOf(&p.mu, p.onJoin) {
			fn(pe.UserID, pe.Metadata)
		}

	case message.PresenceLeave:
		p.mu.Lock()
		p.members = withoutMember(p.members, pe.UserID)
		p.mu.Unlock()
		for _, fn := range handlersOf(&p.mu, p.onLeave) {
			fn(pe.UserID)
		}
	}
}

func withoutMember(members []Member, userID string) []Member {
	out := members[:0]
	for _, m := range members {
		if m.UserID != userID {
			out = append(out, m)
		}
	}
	return out
}
