// Package hub is the real-time relay: it owns sessions, routes their events
// into the channel registry and presence store, and fans frames out to
// channel members.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/erilali/studybuddy/internal/logger"
	"github.com/erilali/studybuddy/internal/message"
	"github.com/erilali/studybuddy/internal/presence"
	"github.com/erilali/studybuddy/internal/registry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
)

const (
	sendBufferSize  = 256
	eventBufferSize = 1024
)

type eventKind int

const (
	evRegister eventKind = iota
	evUnregister
	evFrame
	evSweep
	evBarrier
)

type event struct {
	kind    eventKind
	session *Session
	frame   []byte
	done    chan struct{}
}

// Options configures a Hub. Zero values get defaults.
type Options struct {
	Logger   *logger.Logger
	Registry *registry.Registry
	Presence *presence.Store
	// Archive receives every relayed chat message after fan-out.
	Archive []MessageSink
	// RateLimit and RateInterval configure the per-session token bucket.
	RateLimit      int
	RateInterval   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string
	Now            func() time.Time
	// MeterProvider receives the hub instruments. Defaults to the global one.
	MeterProvider metric.MeterProvider
}

// Hub serializes every session event through a single loop, so registry and
// presence mutations from handlers never interleave.
type Hub struct {
	logger   *logger.Logger
	registry *registry.Registry
	presence *presence.Store
	archiver *archiver
	metrics  *metrics
	now      func() time.Time

	rateLimit      int
	rateInterval   time.Duration
	maxMessageSize int64
	origins        *originPolicy

	// Owned by the Run loop.
	sessions map[string]*Session
	slow     []*Session

	// lifecycle guards closing and wg.Add against Shutdown.
	lifecycle sync.RWMutex
	closing   bool

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(opts Options) *Hub {
	h := &Hub{
		logger:         opts.Logger,
		registry:       opts.Registry,
		presence:       opts.Presence,
		now:            opts.Now,
		rateLimit:      opts.RateLimit,
		rateInterval:   opts.RateInterval,
		maxMessageSize: opts.MaxMessageSize,
		sessions:       make(map[string]*Session),
		events:         make(chan event, eventBufferSize),
		done:           make(chan struct{}),
	}
	if h.logger == nil {
		h.logger = logger.Nop()
	}
	if h.registry == nil {
		h.registry = registry.New()
	}
	if h.presence == nil {
		h.presence = presence.New(presence.Options{Logger: h.logger})
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.rateLimit <= 0 {
		h.rateLimit = 20
	}
	if h.rateInterval <= 0 {
		h.rateInterval = time.Second
	}
	if h.maxMessageSize <= 0 {
		h.maxMessageSize = message.MaxFrameSize
	}
	h.origins = newOriginPolicy(opts.AllowedOrigins, h.logger)
	h.metrics = newMetrics(opts.MeterProvider, h.logger)
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.archiver = newArchiver(opts.Archive, h.logger)
	h.presence.SetSweeper(h.requestSweep)
	return h
}

// Registry exposes the channel registry, mainly for health reporting.
func (h *Hub) Registry() *registry.Registry { return h.registry }

// Presence exposes the presence store.
func (h *Hub) Presence() *presence.Store { return h.presence }

// Run processes events until Shutdown. It also runs the presence sweeper and
// the message archiver.
func (h *Hub) Run() {
	defer close(h.done)

	h.presence.Start(h.ctx)
	h.archiver.start(h.ctx)

	for {
		select {
		case <-h.ctx.Done():
			h.presence.Stop()
			h.drainPending()
			h.closeSessions()
			return
		case ev := <-h.events:
			h.handle(ev)
		}
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case evRegister:
		h.register(ev.session)
	case evUnregister:
		h.disconnect(ev.session)
	case evFrame:
		h.handleFrame(ev.session, ev.frame)
	case evSweep:
		for _, e := range h.presence.Sweep() {
			h.handleExpired(e)
		}
	case evBarrier:
		close(ev.done)
	}

	for len(h.slow) > 0 {
		s := h.slow[0]
		h.slow = h.slow[1:]
		h.logger.Warnf("session %s is not keeping up, disconnecting", s.ID)
		h.disconnect(s)
	}
}

// enqueue hands ev to the loop. It fails once Shutdown has begun.
func (h *Hub) enqueue(ev event) bool {
	h.lifecycle.RLock()
	defer h.lifecycle.RUnlock()
	if h.closing {
		return false
	}
	select {
	case h.events <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Connect registers a session without a socket. Frames for it are read from
// Session.Outbox. It is used by in-process clients and tests.
func (h *Hub) Connect() *Session {
	s := newSession(uuid.NewString(), nil, "", h.rateLimit, h.rateInterval)
	if !h.enqueue(event{kind: evRegister, session: s}) {
		s.close()
	}
	return s
}

// track reserves n pump goroutines. It fails once Shutdown has begun so
// wg.Add never races wg.Wait.
func (h *Hub) track(n int) bool {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(n)
	return true
}

func (h *Hub) isClosing() bool {
	h.lifecycle.RLock()
	defer h.lifecycle.RUnlock()
	return h.closing
}

// drainPending settles events queued before Shutdown that the loop never
// reached. Registrations among them are closed so their pumps exit.
func (h *Hub) drainPending() {
	for {
		select {
		case ev := <-h.events:
			switch ev.kind {
			case evRegister:
				ev.session.close()
			case evBarrier:
				close(ev.done)
			}
		default:
			return
		}
	}
}

// Dispatch feeds a raw inbound frame from s into the hub.
func (h *Hub) Dispatch(s *Session, frame []byte) bool {
	return h.enqueue(event{kind: evFrame, session: s, frame: frame})
}

// Disconnect ends s. Later frames from s are ignored.
func (h *Hub) Disconnect(s *Session) {
	h.enqueue(event{kind: evUnregister, session: s})
}

// barrier returns once every event enqueued before it has been handled.
func (h *Hub) barrier() {
	done := make(chan struct{})
	if h.enqueue(event{kind: evBarrier, done: done}) {
		select {
		case <-done:
		case <-h.ctx.Done():
		}
	}
}

// requestSweep runs on the presence ticker. The sweep itself happens on the
// loop so it is ordered with subscribes and heartbeats.
func (h *Hub) requestSweep() {
	h.enqueue(event{kind: evSweep})
}

func (h *Hub) register(s *Session) {
	h.sessions[s.ID] = s
	h.metrics.sessionOpened(h.ctx)
	h.logger.LogEvent("info", "session_connected", s.ID, s.remoteAddr)
}

// disconnect is terminal for s: it leaves every channel, drops presence the
// session owns and announces those users as gone.
func (h *Hub) disconnect(s *Session) {
	if _, ok := h.sessions[s.ID]; !ok {
		return
	}
	delete(h.sessions, s.ID)
	s.close()

	for _, channel := range h.registry.RemoveSession(s.ID) {
		for _, userID := range h.presence.RemoveSession(channel, s.ID) {
			h.announce(channel, message.PresenceEvent{
				Event:   message.PresenceLeave,
				Channel: channel,
				UserID:  userID,
			})
		}
	}
	h.metrics.sessionClosed(h.ctx)
	h.logger.LogEvent("info", "session_disconnected", s.ID, "")
}

func (h *Hub) handleExpired(e presence.Expired) {
	h.metrics.presenceExpired(h.ctx)
	h.logger.LogEvent("info", "presence_expired", e.Entry.UserID, e.Channel)
	h.announce(e.Channel, message.PresenceEvent{
		Event:   message.PresenceLeave,
		Channel: e.Channel,
		UserID:  e.Entry.UserID,
	})
}

// announce sends a presence frame to every member of channel.
func (h *Hub) announce(channel string, pe message.PresenceEvent) {
	frame, err := message.Encode(message.EventPresence, pe)
	if err != nil {
		h.logger.Errorf("failed to encode presence event: %v", err)
		return
	}
	h.fanOut(channel, frame)
}

// fanOut delivers frame to every current member of channel, the sender
// included.
func (h *Hub) fanOut(channel string, frame []byte) int {
	n := 0
	for _, id := range h.registry.MembersOf(channel) {
		if s, ok := h.sessions[id]; ok && h.deliver(s, frame) {
			n++
		}
	}
	return n
}

// deliver queues frame on the session without blocking. A full buffer marks
// the session for disconnection once the current event is done.
func (h *Hub) deliver(s *Session, frame []byte) bool {
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		if !s.slow {
			s.slow = true
			h.slow = append(h.slow, s)
		}
		return false
	}
}

func (h *Hub) closeSessions() {
	for _, s := range h.sessions {
		s.close()
	}
	h.logger.Infof("closed %d sessions", len(h.sessions))
	h.sessions = make(map[string]*Session)
}

// Shutdown stops the loop, closes every session and waits for socket pumps
// and the archiver to exit, up to timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.once.Do(func() {
		h.logger.Info("shutting down relay hub")
		h.lifecycle.Lock()
		h.closing = true
		h.lifecycle.Unlock()
		h.cancel()
	})

	select {
	case <-h.done:
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.archiver.wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.logger.Info("relay hub stopped")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("relay hub shutdown timed out, some connections may still be open")
		return context.DeadlineExceeded
	}
}
