package chat

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// deliverLocal queues payload on every local recipient's session, at most
// LocalConcurrency at a time. Returns how many sessions accepted it.
func (r *Router) deliverLocal(ctx context.Context, ids []int64, payload []byte) int {
	if len(ids) == 0 {
		return 0
	}
	var delivered atomic.Int64
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.LocalConcurrency)
	for _, uid := range ids {
		uid := uid
		g.Go(func() error {
			if deliverTo(r.sessions, uid, payload, r.log) {
				delivered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(delivered.Load())
}

// deliverTo writes payload to uid's session on this instance, if any.
func deliverTo(sessions *SessionRegistry, uid int64, payload []byte, log *zap.Logger) bool {
	s, ok := sessions.Get(uid)
	if !ok {
		log.Debug("recipient no longer connected", zap.Int64("user_id", uid))
		return false
	}
	if err := s.Send(payload); err != nil {
		log.Warn("local delivery failed", zap.Int64("user_id", uid), zap.String("conn_id", s.ConnID), zap.Error(err))
		return false
	}
	return true
}
