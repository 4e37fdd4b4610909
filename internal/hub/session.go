package hub

import (
	"time"

	"github.com/gorilla/websocket"
)

// Session is one connected client. Its send queue is closed by the hub when
// the session ends.
type Session struct {
	ID         string
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	limiter    *rateLimiter

	// Owned by the hub loop.
	closed bool
	slow   bool
}

func newSession(id string, conn *websocket.Conn, remoteAddr string, burst int, interval time.Duration) *Session {
	return &Session{
		ID:         id,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		remoteAddr: remoteAddr,
		limiter:    newRateLimiter(burst, interval),
	}
}

// Outbox yields frames queued for the session. It is closed on disconnect.
func (s *Session) Outbox() <-chan []byte {
	return s.send
}

func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
