package relayclient

import (
	"encoding/json"
	"sync"

	"github.com/erilali/studybuddy/internal/message"
)

// Channel is a named broadcast channel on the relay.
type Channel struct {
	client *Client
	name   string

	mu        sync.Mutex
	listeners map[string]map[int]func(json.RawMessage)
	nextID    int
}

// Channel subscribes to name and returns its handle. Calling it again with
// the same name returns the same handle without subscribing twice.
func (c *Client) Channel(name string) *Channel {
	c.mu.Lock()
	if ch, ok := c.channels[name]; ok {
		c.mu.Unlock()
		return ch
	}
	ch := &Channel{
		client:    c,
		name:      name,
		listeners: make(map[string]map[int]func(json.RawMessage)),
	}
	c.channels[name] = ch
	c.mu.Unlock()

	c.emit(message.EventSubscribe, message.Subscribe{Channel: name})
	return ch
}

func (ch *Channel) Name() string {
	return ch.name
}

// On registers fn for event on this channel. fn receives the payload
// exactly as the sender passed it.
func (ch *Channel) On(event string, fn func(payload json.RawMessage)) (off func()) {
	ch.mu.Lock()
	m := ch.listeners[event]
	if m == nil {
		m = make(map[int]func(json.RawMessage))
		ch.listeners[event] = m
	}
	ch.mu.Unlock()
	return addHandler(&ch.mu, &ch.nextID, m, fn)
}

// Send broadcasts payload under event to every member of the channel,
// including this client. It reports false when disconnected.
func (ch *Channel) Send(event string, payload interface{}) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		ch.client.log.Errorf("failed to encode payload for %s: %v", ch.name, err)
		return false
	}
	return ch.client.emit(message.EventBroadcast, message.Broadcast{
		Channel: ch.name,
		Event:   event,
		Payload: raw,
	})
}

// Unsubscribe leaves the channel and drops its listeners. A later call to
// Client.Channel with the same name subscribes afresh.
func (ch *Channel) Unsubscribe() bool {
	c := ch.client
	c.mu.Lock()
	if c.channels[ch.name] == ch {
		delete(c.channels, ch.name)
	}
	c.mu.Unlock()

	ch.mu.Lock()
	ch.listeners = make(map[string]map[int]func(json.RawMessage))
	ch.mu.Unlock()

	return c.emit(message.EventUnsubscribe, message.Unsubscribe{Channel: ch.name})
}

func (ch *Channel) dispatch(event string, payload json.RawMessage) {
	ch.mu.Lock()
	m := ch.listeners[event]
	ch.mu.Unlock()
	for _, fn := range handlersOf(&ch.mu, m) {
		fn(payload)
	}
}
