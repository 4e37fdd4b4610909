// Package relayclient is a Go client for the study relay. It wraps one
// WebSocket connection with channel subscriptions, presence tracking and
// automatic reconnection.
package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
	"github.com/erilali/studybuddy/internal/message"
	"github.com/gorilla/websocket"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultHeartbeatInterval = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// ErrReconnectFailed is reported by Err once every reconnection attempt failed.
var ErrReconnectFailed = errors.New("relayclient: reconnection attempts exhausted")

type Options struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	// UserID identifies the user in presence and chat messages.
	UserID   string
	Metadata map[string]interface{}
	Header   http.Header
	Dialer   *websocket.Dialer
	Logger   *logger.Logger
}

// Client is safe for concurrent use.
type Client struct {
	url  string
	opts Options
	log  *logger.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.Mutex
	channels  map[string]*Channel
	presences map[string]*Presence
	rooms     map[string]struct{}
	onMessage map[int]func(message.Message)
	onError   map[int]func(string)
	nextID    int
	err       error

	// dispatching is set while the read goroutine runs handlers.
	dispatching atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

// Dial connects to the relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	conn, _, err := opts.Dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:       url,
		opts:      opts,
		log:       log,
		conn:      conn,
		channels:  make(map[string]*Channel),
		presences: make(map[string]*Presence),
		rooms:     make(map[string]struct{}),
		onMessage: make(map[int]func(message.Message)),
		onError:   make(map[int]func(string)),
		done:      make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn != nil
}

// Done is closed when the client stops for good, after Close or when
// reconnection gives up.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns ErrReconnectFailed once the client gave up reconnecting.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.done)

	for {
		c.readLoop(conn)
		c.setConn(nil)
		if c.ctx.Err() != nil {
			return
		}

		c.log.Warn("relay connection lost, reconnecting")
		next, err := c.reconnect()
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.log.Errorf("giving up on relay connection: %v", err)
			return
		}
		conn = next
		c.setConn(conn)
		c.resubscribe()
	}
}

func (c *Client) reconnect() (*websocket.Conn, error) {
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}

		conn, _, err := c.opts.Dialer.DialContext(c.ctx, c.url, c.opts.Header)
		if err == nil {
			c.log.Infof("reconnected to relay after %d attempt(s)", attempt)
			return conn, nil
		}
		c.log.Warnf("reconnect attempt %d/%d failed: %v", attempt, c.opts.ReconnectAttempts, err)
	}
	return nil, ErrReconnectFailed
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
}

// resubscribe restores every channel, presence and room after a reconnect.
func (c *Client) resubscribe() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for name := range c.channels {
		channels = append(channels, name)
	}
	presences := make([]*Presence, 0, len(c.presences))
	for _, p := range c.presences {
		presences = append(presences, p)
	}
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	sort.Strings(channels)
	for _, name := range channels {
		c.emit(message.EventSubscribe, message.Subscribe{Channel: name})
	}
	for _, p := range presences {
		p.subscribe()
	}
	for _, room := range rooms {
		c.emit(message.EventJoinRoom, message.Room{RoomID: room})
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, frame := range strings.Split(string(data), "\n") {
			if frame == "" {
				continue
			}
			env, err := message.Decode([]byte(frame))
			if err != nil {
				c.log.Warnf("dropping undecodable frame: %v", err)
				continue
			}
			c.dispatching.Store(true)
			c.dispatch(env)
			c.dispatching.Store(false)
		}
	}
}

func (c *Client) dispatch(env message.Envelope) {
	switch env.Event {
	case message.EventNewMessage:
		var msg message.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			c.log.Warnf("bad new_message frame: %v", err)
			return
		}
		for _, fn := range c.messageHandlers() {
			fn(msg)
		}

	case message.EventPresence:
		var pe presenceFrame
		if err := json.Unmarshal(env.Data, &pe); err != nil {
			c.log.Warnf("bad presence frame: %v", err)
			return
		}
		c.mu.Lock()
		p := c.presences[pe.Channel]
		c.mu.Unlock()
		if p != nil {
			p.dispatch(pe)
		}

	case message.EventError:
		var reason string
		_ = json.Unmarshal(env.Data, &reason)
		c.log.Warnf("relay rejected a frame: %s", reason)
		for _, fn := range c.errorHandlers() {
			fn(reason)
		}

	default:
		if ch, event := c.channelFor(env.Event); ch != nil {
			ch.dispatch(event, env.Data)
		}
	}
}

// channelFor resolves "<channel>:<event>" against subscribed channels,
// preferring the longest channel name since names may contain colons.
func (c *Client) channelFor(name string) (*Channel, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var best *Channel
	for channel, ch := range c.channels {
		if strings.HasPrefix(name, channel+":") && (best == nil || len(channel) > len(best.name)) {
			best = ch
		}
	}
	if best == nil {
		return nil, ""
	}
	return best, name[len(best.name)+1:]
}

// emit sends one frame. It reports false when no connection is open.
func (c *Client) emit(event string, data interface{}) bool {
	frame, err := message.Encode(event, data)
	if err != nil {
		c.log.Errorf("failed to encode %s: %v", event, err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.log.Warnf("failed to send %s: %v", event, err)
		return false
	}
	return true
}

// addHandler stores fn in m under mu and returns its removal func.
func addHandler[F any](mu *sync.Mutex, next *int, m map[int]F, fn F) func() {
	mu.Lock()
	defer mu.Unlock()
	id := *next
	*next++
	m[id] = fn
	return func() {
		mu.Lock()
		delete(m, id)
		mu.Unlock()
	}
}

// handlersOf copies the handlers in m so they run without mu held.
func handlersOf[F any](mu *sync.Mutex, m map[int]F) []F {
	mu.Lock()
	defer mu.Unlock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}

// OnMessage registers fn for chat messages in joined rooms.
func (c *Client) OnMessage(fn func(message.Message)) (off func()) {
	return addHandler(&c.mu, &c.nextID, c.onMessage, fn)
}

// OnError registers fn for frames the relay rejected.
func (c *Client) OnError(fn func(reason string)) (off func()) {
	return addHandler(&c.mu, &c.nextID, c.onError, fn)
}

func (c *Client) messageHandlers() []func(message.Message) {
	return handlersOf(&c.mu, c.onMessage)
}

func (c *Client) errorHandlers() []func(string) {
	return handlersOf(&c.mu, c.onError)
}

// JoinRoom joins a chat room so its messages reach OnMessage handlers.
func (c *Client) JoinRoom(roomID string) bool {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
	return c.emit(message.EventJoinRoom, message.Room{RoomID: roomID})
}

func (c *Client) LeaveRoom(roomID string) bool {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	return c.emit(message.EventLeaveRoom, message.Room{RoomID: roomID})
}

// SendMessage posts a chat message to roomID as the configured user.
func (c *Client) SendMessage(roomID, text, username string) bool {
	return c.emit(message.EventSendMessage, message.SendMessage{
		RoomID:   roomID,
		Text:     text,
		UserID:   c.opts.UserID,
		Username: username,
	})
}

// Close stops heartbeats and reconnection and closes the connection. It
// waits for the client's goroutines to exit, except while a handler is
// running: a handler may call Close, and Close then returns at once. Wait
// on Done to know when the client has fully stopped.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()

		c.writeMu.Lock()
		if c.conn != nil {
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = c.conn.Close()
		}
		c.writeMu.Unlock()

		if !c.dispatching.Load() {
			c.wg.Wait()
		}
	})
	return err
}
