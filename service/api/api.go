package api

import (
	"context"
	"net/http"
	"strconv"

	"chatfleet/logger"
	"chatfleet/middleware"
	"chatfleet/middleware/security"
	"chatfleet/module/chat/model"
	"chatfleet/service/events"
	"chatfleet/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RoomDirectory interface {
	EnterRoom(ctx context.Context, userID, chatID int64, serverID string) (int64, error)
	LeaveRoom(ctx context.Context, userID int64) (int64, error)
}

type Membership interface {
	JoinChat(ctx context.Context, userID, chatID int64) error
}

type Receipts interface {
	Ack(ctx context.Context, userID, chatID, lastMessageID int64) (bool, error)
	ListMessages(ctx context.Context, chatID, userID int64) ([]model.MessageView, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, e events.Event) int
}

// Health reports nil when the instance can take traffic.
type Health func(ctx context.Context) error

type Deps struct {
	ServerID   string
	Validator  security.TokenValidator
	Rooms      RoomDirectory
	Membership Membership
	Receipts   Receipts
	Events     EventPublisher
	WS         gin.HandlerFunc
	Health     Health
	Origins    []string
}

type handler struct {
	Deps
	log *zap.Logger
}

// NewEngine builds the HTTP surface of one instance.
func NewEngine(d Deps, l *zap.Logger) *gin.Engine {
	h := &handler{Deps: d, log: logger.OrDefault(l).Named("api")}

	r := gin.New()
	mgr := middleware.NewManager()
	mgr.Add(middleware.Origin(d.Origins...))
	r.Use(gin.Recovery(), mgr.Use())

	auth := middleware.RouteOpt{Auth: security.Middleware(d.Validator, nil)}
	middleware.GET(r, "/healthz", h.healthz, middleware.RouteOpt{})
	if d.WS != nil {
		middleware.GET(r, "/ws", d.WS, middleware.RouteOpt{})
	}

	g := r.Group("/api/chats/:chatId")
	middleware.POST(g, "/enter", h.enter, auth)
	middleware.POST(g, "/leave", h.leave, auth)
	middleware.POST(g, "/read", h.read, auth)
	middleware.GET(g, "/messages", h.messages, auth)
	return r
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.ErrArgs.Is(err):
		status = http.StatusBadRequest
	case errs.ErrNotFound.Is(err):
		status = http.StatusNotFound
	case errs.ErrUnauthorized.Is(err):
		status = http.StatusUnauthorized
	case errs.ErrStoreUnavailable.Is(err):
		status = http.StatusServiceUnavailable
	}
	code := errs.Code(err)
	if code == 0 {
		code = errs.ServerInternalError
	}
	c.AbortWithStatusJSON(status, gin.H{"code": code, "msg": err.Error()})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": data})
}

func chatID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("chatId"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.ErrArgs.WrapMsg("chatId", "value", c.Param("chatId"))
	}
	return id, nil
}

func (h *handler) healthz(c *gin.Context) {
	if h.Health != nil {
		if err := h.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "serverId": h.ServerID})
}

func (h *handler) enter(c *gin.Context) {
	cid, err := chatID(c)
	if err != nil {
		fail(c, err)
		return
	}
	uid := security.UserID(c)
	ctx := c.Request.Context()

	// the socket owner is set by the ws handshake; an HTTP call must not claim it
	prev, err := h.Rooms.EnterRoom(ctx, uid, cid, "")
	if err != nil {
		fail(c, err)
		return
	}
	if h.Membership != nil {
		if err := h.Membership.JoinChat(ctx, uid, cid); err != nil {
			h.log.Warn("record participation failed", zap.Int64("user_id", uid), zap.Int64("chat_id", cid), zap.Error(err))
		}
	}
	if h.Events != nil {
		bg := context.WithoutCancel(ctx)
		if prev != 0 && prev != cid {
			h.Events.Publish(bg, events.Event{Kind: events.RoomLeave, UserID: uid, ChatID: prev})
		}
		if prev != cid {
			h.Events.Publish(bg, events.Event{Kind: events.RoomEnter, UserID: uid, ChatID: cid})
		}
	}
	ok(c, gin.H{"chatId": cid, "previousChatId": prev})
}

func (h *handler) leave(c *gin.Context) {
	cid, err := chatID(c)
	if err != nil {
		fail(c, err)
		return
	}
	uid := security.UserID(c)
	left, err := h.Rooms.LeaveRoom(c.Request.Context(), uid)
	if err != nil {
		fail(c, err)
		return
	}
	if left != cid {
		h.log.Info("leave for a room that was not active", zap.Int64("user_id", uid),
			zap.Int64("chat_id", cid), zap.Int64("active_chat_id", left))
	}
	if left != 0 && h.Events != nil {
		h.Events.Publish(context.WithoutCancel(c.Request.Context()), events.Event{Kind: events.RoomLeave, UserID: uid, ChatID: left})
	}
	ok(c, gin.H{"chatId": left})
}

type readRequest struct {
	LastMessageID int64 `json:"lastMessageId" binding:"required"`
}

func (h *handler) read(c *gin.Context) {
	cid, err := chatID(c)
	if err != nil {
		fail(c, err)
		return
	}
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrArgs.WrapMsg("lastMessageId", "err", err))
		return
	}
	advanced, err := h.Receipts.Ack(c.Request.Context(), security.UserID(c), cid, req.LastMessageID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"advanced": advanced})
}

func (h *handler) messages(c *gin.Context) {
	cid, err := chatID(c)
	if err != nil {
		fail(c, err)
		return
	}
	views, err := h.Receipts.ListMessages(c.Request.Context(), cid, security.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"items": views})
}
