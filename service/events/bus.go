package events

import (
	"context"
	"sync"
	"time"

	"chatfleet/logger"
	"chatfleet/tools/safe"

	"go.uber.org/zap"
)

type Kind string

const (
	RoomEnter Kind = "ROOM_ENTER"
	RoomLeave Kind = "ROOM_LEAVE"
)

type Event struct {
	Kind   Kind
	UserID int64
	ChatID int64
	At     time.Time
}

type Handler func(ctx context.Context, e Event)

// Bus dispatches in-process events to registered handlers, in registration
// order, on the publisher's goroutine.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	log      *zap.Logger
}

func NewBus(l *zap.Logger) *Bus {
	return &Bus{handlers: make(map[Kind][]Handler), log: logger.OrDefault(l).Named("events")}
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

// Publish runs every handler of e.Kind. A panicking handler is logged and
// does not stop the others. Returns the number of handlers that completed.
func (b *Bus) Publish(ctx context.Context, e Event) int {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Kind]...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		b.log.Debug("no handler for event", zap.String("kind", string(e.Kind)))
		return 0
	}
	done := 0
	for _, h := range hs {
		if safe.Run("event:"+string(e.Kind), func() { h(ctx, e) }) {
			done++
		}
	}
	return done
}
