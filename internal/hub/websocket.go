package hub

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	webSocketReadDeadline  = 60 * time.Second
	webSocketWriteDeadline = 10 * time.Second
	webSocketPingPeriod    = (webSocketReadDeadline * 9) / 10 // Must be less than readDeadline
)

// ServeWs upgrades the request to a WebSocket and starts the session pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if h.isClosing() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("WebSocket upgrade error: %v", err)
		return
	}

	if !h.track(2) {
		conn.Close()
		return
	}
	s := newSession(uuid.NewString(), conn, r.RemoteAddr, h.rateLimit, h.rateInterval)
	if !h.enqueue(event{kind: evRegister, session: s}) {
		conn.Close()
		h.wg.Add(-2)
		return
	}

	go func() {
		defer h.wg.Done()
		h.writePump(s)
	}()
	go func() {
		defer h.wg.Done()
		h.readPump(s)
	}()
}

// readPump feeds frames from the connection into the hub loop.
func (h *Hub) readPump(s *Session) {
	defer func() {
		h.enqueue(event{kind: evUnregister, session: s})
		s.conn.Close()
	}()

	s.conn.SetReadLimit(h.maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(webSocketReadDeadline))
		return nil
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.logger.Errorf("WebSocket error for %s: %v", s.ID, err)
			}
			return
		}
		if !h.enqueue(event{kind: evFrame, session: s, frame: frame}) {
			return
		}
	}
}

// writePump drains the session queue onto the connection. Frames queued
// together are coalesced into one text message separated by newlines.
func (h *Hub) writePump(s *Session) {
	ticker := time.NewTicker(webSocketPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if !ok {
				// The hub closed the queue.
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			w, err := s.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			n := len(s.send)
			for i := 0; i < n; i++ {
				next, ok := <-s.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(webSocketWriteDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
