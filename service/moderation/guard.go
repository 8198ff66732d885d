package moderation

import (
	"context"
	"time"

	"chatfleet/global/config"
	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/service/chat"
	"chatfleet/tools/errs"

	"go.uber.org/zap"
)

// TransientStore is the shared-store side of abuse state.
type TransientStore interface {
	AllowRequest(ctx context.Context, userID int64, now time.Time, window time.Duration, limit int64) (bool, error)
	AddStrike(ctx context.Context, userID int64, firstBan, secondBan time.Duration) (int64, error)
	TempBan(ctx context.Context, userID int64, d time.Duration) error
	IsTempBanned(ctx context.Context, userID int64) (bool, error)
	ClearStrikes(ctx context.Context, userID int64) error
}

// DurableBans is the source of truth for permanent bans.
type DurableBans interface {
	SetPermanentBan(ctx context.Context, userID int64) error
	IsPermanentlyBanned(ctx context.Context, userID int64) (bool, error)
}

// Level is where a user stands after a strike.
type Level int

const (
	Active Level = iota
	Strike1
	Strike2
	Permanent
)

func (l Level) String() string {
	switch l {
	case Strike1:
		return "STRIKE_1"
	case Strike2:
		return "STRIKE_2"
	case Permanent:
		return "PERMANENT_BAN"
	default:
		return "ACTIVE"
	}
}

// Guard enforces the sliding-window rate limit and the ban state machine.
type Guard struct {
	cfg     config.RateLimitConfig
	store   TransientStore
	durable DurableBans
	now     func() time.Time
	log     *zap.Logger
}

func NewGuard(cfg config.RateLimitConfig, store TransientStore, durable DurableBans, l *zap.Logger) *Guard {
	d := config.Default().RateLimit
	if cfg.Window <= 0 {
		cfg.Window = d.Window
	}
	if cfg.Limit <= 0 {
		cfg.Limit = d.Limit
	}
	if cfg.FirstBan <= 0 {
		cfg.FirstBan = d.FirstBan
	}
	if cfg.SecondBan <= 0 {
		cfg.SecondBan = d.SecondBan
	}
	return &Guard{
		cfg:     cfg,
		store:   store,
		durable: durable,
		now:     time.Now,
		log:     logger.OrDefault(l).Named("moderation"),
	}
}

func (g *Guard) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, g.cfg.CallTimeout)
	}
	return ctx, func() {}
}

// CheckBan consults the temp ban key first and the durable store when it
// misses or is unreachable. An error means neither store could answer.
func (g *Guard) CheckBan(ctx context.Context, userID int64) (bool, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	temp, tempErr := g.store.IsTempBanned(cctx, userID)
	if tempErr == nil && temp {
		return true, nil
	}
	if tempErr != nil {
		g.log.Warn("temp ban lookup failed, checking durable store", zap.Int64("user_id", userID), zap.Error(tempErr))
	}
	perm, err := g.durable.IsPermanentlyBanned(cctx, userID)
	if err != nil {
		if tempErr != nil {
			return false, errs.ErrStoreUnavailable.WrapMsg("ban check", "user_id", userID, "err", err)
		}
		// temp store answered "not banned"; the durable miss is logged and admitted
		g.log.Warn("permanent ban lookup failed", zap.Int64("user_id", userID), zap.Error(err))
		return false, nil
	}
	return perm, nil
}

// Allow records one inbound message. A reject applies the next strike and
// returns ErrRateLimited; an unreachable store lets the message through.
func (g *Guard) Allow(ctx context.Context, userID int64) error {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()

	ok, err := g.store.AllowRequest(cctx, userID, g.now(), g.cfg.Window, g.cfg.Limit)
	if err != nil {
		g.log.Warn("rate window unavailable, allowing message", zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	if ok {
		return nil
	}
	level := g.Strike(cctx, userID)
	return errs.ErrRateLimited.WrapMsg("", "user_id", userID, "level", level)
}

// Strike advances userID one step through the ban state machine.
func (g *Guard) Strike(ctx context.Context, userID int64) Level {
	n, err := g.store.AddStrike(ctx, userID, g.cfg.FirstBan, g.cfg.SecondBan)
	if err != nil {
		g.log.Error("record strike failed", zap.Int64("user_id", userID), zap.Error(err))
		return Active
	}
	switch n {
	case 1:
		g.log.Warn("rate limit strike", zap.Int64("user_id", userID), zap.Int64("strikes", n), zap.Duration("ban", g.cfg.FirstBan))
		return Strike1
	case 2:
		g.log.Warn("rate limit strike", zap.Int64("user_id", userID), zap.Int64("strikes", n), zap.Duration("ban", g.cfg.SecondBan))
		return Strike2
	}

	if err := g.durable.SetPermanentBan(ctx, userID); err != nil {
		// keep the user out until the durable flag can be written on a later strike
		g.log.Error("permanent ban write failed, extending temp ban", zap.Int64("user_id", userID), zap.Error(err))
		if err := g.store.TempBan(ctx, userID, g.cfg.SecondBan); err != nil {
			g.log.Error("temp ban fallback failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return Strike2
	}
	if err := g.store.ClearStrikes(ctx, userID); err != nil {
		g.log.Warn("clear strikes failed", zap.Int64("user_id", userID), zap.Error(err))
	}
	g.log.Warn("user permanently banned", zap.Int64("user_id", userID))
	return Permanent
}

// Middleware gates every inbound frame on ban state, then on the rate window.
func (g *Guard) Middleware() chat.Middleware {
	return func(next chat.MessageHandler) chat.MessageHandler {
		return func(ctx context.Context, s *chat.Session, env *model.Envelope) error {
			banned, err := g.CheckBan(ctx, s.UserID)
			if err != nil {
				return err
			}
			if banned {
				return errs.ErrBanned.WrapMsg("", "user_id", s.UserID)
			}
			if err := g.Allow(ctx, s.UserID); err != nil {
				return err
			}
			return next(ctx, s, env)
		}
	}
}
