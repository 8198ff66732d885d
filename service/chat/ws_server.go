package chat

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"chatfleet/logger"
	"chatfleet/middleware/security"
	"chatfleet/module/chat/model"
	"chatfleet/service/events"
	"chatfleet/tools/errs"
	"chatfleet/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxBadFrames = 3

// PresenceWriter is what the connection lifecycle needs from the Presence Directory.
type PresenceWriter interface {
	SetPresence(ctx context.Context, userID, chatID int64, serverID string) error
	EnterRoom(ctx context.Context, userID, chatID int64, serverID string) (int64, error)
	// Disconnect clears the record only while serverID still owns it.
	Disconnect(ctx context.Context, userID int64, serverID string) (bool, error)
}

// BanChecker gates the handshake. banned=false with a nil error admits the user.
type BanChecker interface {
	CheckBan(ctx context.Context, userID int64) (banned bool, err error)
}

// PendingOutbox is the undelivered outbox read back when a user connects.
type PendingOutbox interface {
	PendingFor(ctx context.Context, receiverID int64, limit int) ([]model.UndeliveredMessage, error)
	MarkDelivered(ctx context.Context, id int64) error
}

// EventPublisher receives room enter events raised by the handshake.
type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) int
}

type ServerConfig struct {
	ServerID  string
	SendQueue int
	WriteWait time.Duration
	// CheckOrigin vets the handshake Origin. Nil accepts every origin.
	CheckOrigin func(*http.Request) bool
}

// Server owns the WebSocket endpoint and the lifecycle of local sessions.
type Server struct {
	cfg      ServerConfig
	sessions *SessionRegistry
	presence PresenceWriter
	auth     security.TokenValidator
	bans     BanChecker
	pipeline MessageHandler
	outbox   PendingOutbox
	events   EventPublisher
	upgrader websocket.Upgrader
	draining atomic.Bool
	log      *zap.Logger
}

func NewServer(cfg ServerConfig, sessions *SessionRegistry, presence PresenceWriter, auth security.TokenValidator,
	bans BanChecker, pipeline MessageHandler, l *zap.Logger) *Server {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		presence: presence,
		auth:     auth,
		bans:     bans,
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		log: logger.OrDefault(l).Named("ws"),
	}
}

// WithOutbox enables flushing undelivered rows to a freshly connected user.
func (s *Server) WithOutbox(o PendingOutbox) *Server { s.outbox = o; return s }

// WithEvents publishes ROOM_ENTER when a handshake carries ?chatId=.
func (s *Server) WithEvents(p EventPublisher) *Server { s.events = p; return s }

func (s *Server) Sessions() *SessionRegistry { return s.sessions }

// HandleWS authenticates, checks bans, upgrades and serves one connection.
func (s *Server) HandleWS(c *gin.Context) {
	if s.draining.Load() {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "msg": "server is shutting down"})
		return
	}
	userID, err := s.auth.Validate(security.ExtractToken(c.Request, nil))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrUnauthorized)
		return
	}
	banned, err := s.bans.CheckBan(c.Request.Context(), userID)
	if err != nil {
		s.log.Error("ban check unavailable, refusing handshake", zap.Int64("user_id", userID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errs.ErrStoreUnavailable)
		return
	}
	if banned {
		c.AbortWithStatusJSON(http.StatusForbidden, errs.ErrBanned)
		return
	}
	var chatID int64
	if raw := c.Query("chatId"); raw != "" {
		if chatID, err = strconv.ParseInt(raw, 10, 64); err != nil || chatID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, errs.ErrArgs.WithDetail("chatId"))
			return
		}
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrader already wrote the HTTP error
		s.log.Info("upgrade websocket error", zap.Int64("user_id", userID), zap.Error(err))
		return
	}
	s.serve(ws, userID, chatID)
}

func (s *Server) serve(ws *websocket.Conn, userID, chatID int64) {
	sess := NewSession(SessionInfo{
		UserID:   userID,
		ServerID: s.cfg.ServerID,
		ConnID:   ids.GenerateString(),
	}, ws, s.cfg.SendQueue, s.cfg.WriteWait)

	if old := s.sessions.Add(sess); old != nil {
		old.Close(websocket.CloseNormalClosure, "session replaced")
	}
	go sess.writeLoop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.connected(ctx, sess, chatID)

	ws.SetReadLimit(maxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.readLoop(ctx, sess, ws)
	s.disconnected(sess)
}

func (s *Server) connected(ctx context.Context, sess *Session, chatID int64) {
	lg := s.log.With(zap.Int64("user_id", sess.UserID), zap.String("conn_id", sess.ConnID))
	if err := s.presence.SetPresence(ctx, sess.UserID, 0, s.cfg.ServerID); err != nil {
		lg.Warn("set presence failed", zap.Error(err))
	}
	if chatID != 0 {
		if _, err := s.presence.EnterRoom(ctx, sess.UserID, chatID, s.cfg.ServerID); err != nil {
			lg.Warn("enter room failed", zap.Int64("chat_id", chatID), zap.Error(err))
		} else if s.events != nil {
			s.events.Publish(ctx, events.Event{Kind: events.RoomEnter, UserID: sess.UserID, ChatID: chatID})
		}
	}
	lg.Info("session connected", zap.Int64("chat_id", chatID))
	s.flushPending(ctx, sess)
}

func (s *Server) flushPending(ctx context.Context, sess *Session) {
	if s.outbox == nil {
		return
	}
	rows, err := s.outbox.PendingFor(ctx, sess.UserID, defaultSendQueue/2)
	if err != nil {
		s.log.Warn("load pending messages failed", zap.Int64("user_id", sess.UserID), zap.Error(err))
		return
	}
	for _, m := range rows {
		err := sess.SendEnvelope(model.Envelope{
			Type:      model.TypeTalk,
			MessageID: m.MessageID,
			ChatID:    m.ChatID,
			SenderID:  m.SenderID,
			Content:   m.Content,
			Timestamp: m.CreatedAt.UnixMilli(),
		})
		if err != nil {
			return
		}
		if err := s.outbox.MarkDelivered(ctx, m.ID); err != nil {
			s.log.Warn("mark delivered failed", zap.Int64("id", m.ID), zap.Error(err))
		}
	}
}

func (s *Server) readLoop(ctx context.Context, sess *Session, ws *websocket.Conn) {
	bad := 0
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("peer closed", zap.Int64("user_id", sess.UserID), zap.Error(err))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Info("read timeout", zap.Int64("user_id", sess.UserID))
			} else {
				s.log.Debug("read error", zap.Int64("user_id", sess.UserID), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		err = s.handleFrame(ctx, sess, data)
		if err == nil {
			bad = 0
			continue
		}
		if s.closeOnError(sess, err, &bad) {
			return
		}
	}
}

func (s *Server) handleFrame(ctx context.Context, sess *Session, data []byte) error {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errs.ErrBadFrame.WrapMsg("decode envelope", "err", err)
	}
	if env.Type != model.TypeTalk && env.Type != model.TypeRead {
		return errs.ErrBadFrame.WrapMsg("unsupported type", "type", env.Type)
	}
	if env.ChatID <= 0 {
		return errs.ErrBadFrame.WrapMsg("missing chatId")
	}
	// client supplied identity and time are never trusted
	env.SenderID = sess.UserID
	env.Timestamp = 0
	env.MessageID = 0
	return s.pipeline(ctx, sess, &env)
}

// closeOnError maps a pipeline error to the connection's fate.
func (s *Server) closeOnError(sess *Session, err error, bad *int) bool {
	lg := s.log.With(zap.Int64("user_id", sess.UserID), zap.String("conn_id", sess.ConnID))
	switch {
	case errs.ErrBanned.Is(err):
		lg.Warn("closing banned user")
		sess.Close(websocket.ClosePolicyViolation, "banned user")
		return true
	case errs.ErrRateLimited.Is(err):
		lg.Warn("closing rate limited user")
		sess.Close(websocket.ClosePolicyViolation, errs.ErrRateLimited.Msg)
		return true
	case errs.ErrBadFrame.Is(err):
		*bad++
		lg.Warn("malformed frame dropped", zap.Int("consecutive", *bad), zap.Error(err))
		if *bad >= maxBadFrames {
			sess.Close(websocket.CloseUnsupportedData, "too many malformed frames")
			return true
		}
		return false
	default:
		*bad = 0
		lg.Warn("message dropped", zap.Error(err))
		return false
	}
}

func (s *Server) disconnected(sess *Session) {
	sess.Close(websocket.CloseNormalClosure, "")
	if !s.sessions.Remove(sess) {
		// a newer connection owns the presence record now
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.clearPresence(ctx, sess)
	s.log.Info("session disconnected", zap.Int64("user_id", sess.UserID), zap.String("conn_id", sess.ConnID))
}

func (s *Server) clearPresence(ctx context.Context, sess *Session) {
	cleared, err := s.presence.Disconnect(ctx, sess.UserID, s.cfg.ServerID)
	switch {
	case err != nil:
		s.log.Warn("clear presence failed", zap.Int64("user_id", sess.UserID), zap.Error(err))
	case !cleared:
		s.log.Info("presence owned by another server, kept", zap.Int64("user_id", sess.UserID))
	}
}

// Drain stops accepting handshakes and closes every local session with 1001
// in batches, pausing between batches so clients reconnect elsewhere gradually.
func (s *Server) Drain(ctx context.Context, batchSize int, pause time.Duration) int {
	s.draining.Store(true)
	all := s.sessions.SnapshotAll()
	if batchSize <= 0 {
		batchSize = len(all)
	}
	s.log.Info("draining sessions", zap.Int("count", len(all)), zap.Int("batch", batchSize))
	closed := 0
	for i, sess := range all {
		if i > 0 && i%batchSize == 0 && pause > 0 {
			select {
			case <-ctx.Done():
				s.log.Warn("drain interrupted", zap.Int("closed", closed), zap.Error(ctx.Err()))
				return closed
			case <-time.After(pause):
			}
		}
		sess.Close(websocket.CloseGoingAway, "server is shutting down")
		if s.sessions.Remove(sess) {
			s.clearPresence(ctx, sess)
		}
		closed++
	}
	return closed
}

func (s *Server) Draining() bool { return s.draining.Load() }
