package chat

import (
	"context"

	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"
)

// Handler processes one inbound envelope type.
type Handler interface {
	Type() model.EnvelopeType
	Handle(ctx context.Context, s *Session, env *model.Envelope) error
}

// MessageHandler is one stage of the inbound pipeline.
type MessageHandler func(ctx context.Context, s *Session, env *model.Envelope) error

// Middleware wraps a MessageHandler, e.g. with abuse checks.
type Middleware func(next MessageHandler) MessageHandler

// Chain applies mws so that the first one runs first.
func Chain(h MessageHandler, mws ...Middleware) MessageHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type Dispatcher struct {
	handlers map[model.EnvelopeType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[model.EnvelopeType]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

// Dispatch is the terminal MessageHandler of the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, env *model.Envelope) error {
	h, ok := d.handlers[env.Type]
	if !ok {
		return errs.ErrBadFrame.WrapMsg("no handler", "type", env.Type)
	}
	return h.Handle(ctx, s, env)
}
