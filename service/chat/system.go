package chat

import (
	"context"
	"fmt"

	"chatfleet/module/chat/model"
	"chatfleet/service/events"

	"go.uber.org/zap"
)

// NameLookup resolves a user's display name.
type NameLookup interface {
	UserName(ctx context.Context, userID int64) (string, error)
}

// RegisterSystemMessages routes a SYSTEM_ENTRY / SYSTEM_LEAVE envelope to the
// room whenever a member enters or leaves it.
func RegisterSystemMessages(bus *events.Bus, router *Router, names NameLookup, nextID func() int64) {
	announce := func(typ model.EnvelopeType, verb string) events.Handler {
		return func(ctx context.Context, e events.Event) {
			name, err := names.UserName(ctx, e.UserID)
			if err != nil || name == "" {
				name = fmt.Sprintf("user %d", e.UserID)
			}
			env := model.Envelope{
				Type:      typ,
				ChatID:    e.ChatID,
				Content:   name + " " + verb + ".",
				MessageID: nextID(),
				Timestamp: e.At.UnixMilli(),
			}
			res, err := router.Route(context.WithoutCancel(ctx), env, e.ChatID)
			if err != nil {
				router.log.Warn("route system message failed", zap.Int64("chat_id", e.ChatID),
					zap.String("type", string(typ)), zap.Error(err))
				return
			}
			router.log.Debug("system message routed", zap.Int64("chat_id", e.ChatID),
				zap.String("type", string(typ)), zap.Int("recipients", res.Size()))
		}
	}
	bus.Subscribe(events.RoomEnter, announce(model.TypeSystemEntry, "joined"))
	bus.Subscribe(events.RoomLeave, announce(model.TypeSystemLeave, "left"))
}

// DirectSink hands accepted messages straight to the router.
type DirectSink struct {
	router *Router
}

func NewDirectSink(r *Router) *DirectSink { return &DirectSink{router: r} }

func (d *DirectSink) Publish(ctx context.Context, env model.Envelope) error {
	res, err := d.router.Route(context.WithoutCancel(ctx), env, env.ChatID)
	if err != nil {
		return err
	}
	d.router.log.Debug("message routed", zap.Int64("chat_id", env.ChatID), zap.Int64("message_id", env.MessageID),
		zap.Int("local", res.LocalDelivered), zap.Int("relay_calls", res.RelayCalls), zap.Int("offline", res.OfflineSaved))
	return nil
}
