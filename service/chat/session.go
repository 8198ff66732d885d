package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatfleet/module/chat/model"

	"github.com/gorilla/websocket"
)

// ---- defaults ----
const (
	pingInterval     = 25 * time.Second
	pongWait         = 60 * time.Second
	defaultWriteWait = 10 * time.Second
	defaultSendQueue = 256
	maxFrameSize     = 64 << 10
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn is the part of *websocket.Conn a Session writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SessionInfo is filled once at handshake and never changes.
type SessionInfo struct {
	UserID      int64
	ServerID    string
	ConnID      string
	ConnectedAt time.Time
}

// Session is one live client connection. Payloads are queued and written
// by a single writer goroutine; Close may be called from anywhere.
type Session struct {
	SessionInfo

	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	ping      time.Duration

	closeMu     sync.Mutex
	closeCode   int
	closeReason string
}

func NewSession(info SessionInfo, conn Conn, queue int, writeWait time.Duration) *Session {
	if queue <= 0 {
		queue = defaultSendQueue
	}
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = time.Now()
	}
	return &Session{
		SessionInfo: info,
		conn:        conn,
		send:        make(chan []byte, queue),
		done:        make(chan struct{}),
		writeWait:   writeWait,
		ping:        pingInterval,
	}
}

// Send queues payload without blocking.
func (s *Session) Send(payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

func (s *Session) SendEnvelope(env model.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.Send(b)
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close sends a close frame with code and reason, then drops the socket.
// Only the first call has any effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeCode, s.closeReason = code, reason
		s.closeMu.Unlock()

		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeWait))
		close(s.done)
		_ = s.conn.Close()
	})
}

// CloseStatus returns the code and reason the session was closed with.
func (s *Session) CloseStatus() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeCode, s.closeReason
}

// writeLoop drains the send queue and pings the peer until the session closes.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
				s.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}
