package receipt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/service/storage"
	"chatfleet/tools/safe"

	"go.uber.org/zap"
)

const flushMaxBatches = 64

// Syncer periodically moves dirty read markers from the cache into durable
// storage, one batched conditional UPDATE per popped batch.
type Syncer struct {
	cache    MarkerCache
	store    ParticipantStore
	interval time.Duration
	batch    int64
	log      *zap.Logger

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewSyncer(cache MarkerCache, store ParticipantStore, interval time.Duration, batch int64, l *zap.Logger) *Syncer {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 1000
	}
	return &Syncer{
		cache:    cache,
		store:    store,
		interval: interval,
		batch:    batch,
		log:      logger.OrDefault(l).Named("receipt-sync"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Syncer) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	safe.Go("receipt-sync", s.loop)
}

func (s *Syncer) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			if _, err := s.SyncOnce(ctx); err != nil {
				s.log.Warn("read marker sync failed, keys requeued", zap.Error(err))
			}
			cancel()
		}
	}
}

// SyncOnce pops one batch and applies it. On failure the popped keys go
// back into the dirty set. Returns the number of markers written.
func (s *Syncer) SyncOnce(ctx context.Context) (int, error) {
	keys, err := s.cache.PopDirty(ctx, s.batch)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	markers, skipped, err := s.cache.Resolve(ctx, keys)
	if err != nil {
		s.requeue(ctx, keys)
		return 0, err
	}
	if len(skipped) > 0 {
		s.log.Warn("dirty markers without a value dropped", zap.Int("count", len(skipped)), zap.Strings("keys", skipped))
	}
	if len(markers) == 0 {
		return 0, nil
	}

	affected, err := s.store.BatchUpdateLastRead(ctx, markers)
	if err != nil {
		s.requeue(ctx, markerKeys(markers))
		return 0, err
	}
	if err := s.cache.Release(ctx, markers); err != nil {
		// markers stay cached until their TTL; the durable rows are already current
		s.log.Warn("release synced markers failed", zap.Error(err))
	}
	s.log.Debug("read markers synced", zap.Int("markers", len(markers)), zap.Int64("rows", affected))
	return len(markers), nil
}

// Flush runs batches until the dirty set is empty or a batch fails.
func (s *Syncer) Flush(ctx context.Context) (int, error) {
	total := 0
	for i := 0; i < flushMaxBatches; i++ {
		n, err := s.SyncOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, nil
}

// Stop ends the ticker loop and performs one final flush.
func (s *Syncer) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.running.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n, err := s.Flush(ctx)
	s.log.Info("read marker syncer stopped", zap.Int("flushed", n), zap.Error(err))
	return err
}

func (s *Syncer) requeue(ctx context.Context, keys []string) {
	// a cancelled sync context must not lose the keys
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.cache.Requeue(rctx, keys); err != nil {
		s.log.Error("requeue dirty markers failed", zap.Int("count", len(keys)), zap.Error(err))
	}
}

func markerKeys(markers []model.ReadMarker) []string {
	out := make([]string, len(markers))
	for i, m := range markers {
		out[i] = storage.ReadMarkerKey(m.UserID, m.ChatID)
	}
	return out
}
