package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/service/rpc"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PresenceReader is what the router needs from the Presence Directory.
type PresenceReader interface {
	GetRoomMembers(ctx context.Context, chatID int64) ([]int64, error)
	GetPresence(ctx context.Context, userID int64) (model.Presence, bool, error)
}

// Relayer sends one bulk relay call to a peer instance.
type Relayer interface {
	RelayBulk(ctx context.Context, serverID string, req *rpc.RelayBulkRequest) (*rpc.RelayReply, error)
}

// OfflineStore persists the undelivered outbox.
type OfflineStore interface {
	SaveUndelivered(ctx context.Context, m model.UndeliveredMessage) error
	MarkDelivered(ctx context.Context, id int64) error
	UserName(ctx context.Context, userID int64) (string, error)
}

// PushNotifier is the push-notification collaborator, fire-and-forget.
type PushNotifier interface {
	Send(ctx context.Context, n model.PushNotification) error
}

type RouterConfig struct {
	ServerID           string
	LocalConcurrency   int
	OfflineConcurrency int
	RelayChunkSize     int // 0 = one call per server
}

// Partition is the classification of one fan-out. Every recipient appears
// in exactly one of Local, Remote or Offline.
type Partition struct {
	Local   []int64
	Remote  map[string][]int64 // serverId -> recipients
	Offline []int64
}

func (p Partition) Size() int {
	n := len(p.Local) + len(p.Offline)
	for _, ids := range p.Remote {
		n += len(ids)
	}
	return n
}

// RouteResult summarises one Route call.
type RouteResult struct {
	Partition
	LocalDelivered int
	RelayCalls     int
	RelayDelivered int
	RelayFallback  int // remote recipients sent down the offline path (failed calls and peer misses)
	OfflineSaved   int
	OfflinePushed  int
}

// Router fans a message out to the active members of a room.
type Router struct {
	cfg      RouterConfig
	sessions *SessionRegistry
	presence PresenceReader
	relay    Relayer
	offline  OfflineStore
	push     PushNotifier
	nextID   func() int64
	now      func() time.Time
	log      *zap.Logger
}

func NewRouter(cfg RouterConfig, sessions *SessionRegistry, presence PresenceReader, relay Relayer,
	offline OfflineStore, push PushNotifier, nextID func() int64, l *zap.Logger) *Router {
	if cfg.LocalConcurrency <= 0 {
		cfg.LocalConcurrency = 64
	}
	if cfg.OfflineConcurrency <= 0 {
		cfg.OfflineConcurrency = 16
	}
	return &Router{
		cfg:      cfg,
		sessions: sessions,
		presence: presence,
		relay:    relay,
		offline:  offline,
		push:     push,
		nextID:   nextID,
		now:      time.Now,
		log:      logger.OrDefault(l).Named("router"),
	}
}

// Classify splits members (minus exclude) into local, remote and offline.
// A failed presence lookup classifies the member as offline.
func (r *Router) Classify(ctx context.Context, members []int64, exclude int64) Partition {
	p := Partition{Remote: make(map[string][]int64)}
	for _, uid := range members {
		if uid == exclude {
			continue
		}
		if _, ok := r.sessions.Get(uid); ok {
			p.Local = append(p.Local, uid)
			continue
		}
		pr, found, err := r.presence.GetPresence(ctx, uid)
		if err != nil {
			r.log.Warn("presence lookup failed, routing offline", zap.Int64("user_id", uid), zap.Error(err))
			p.Offline = append(p.Offline, uid)
			continue
		}
		if found && pr.ServerID != "" && pr.ServerID != r.cfg.ServerID {
			p.Remote[pr.ServerID] = append(p.Remote[pr.ServerID], uid)
			continue
		}
		p.Offline = append(p.Offline, uid)
	}
	return p
}

// Route delivers env to every active member of chatID except its sender.
// The three partitions are dispatched concurrently; a failure for one
// recipient never aborts the others.
func (r *Router) Route(ctx context.Context, env model.Envelope, chatID int64) (RouteResult, error) {
	members, err := r.presence.GetRoomMembers(ctx, chatID)
	if err != nil {
		return RouteResult{}, fmt.Errorf("route chat %d: %w", chatID, err)
	}
	env.ChatID = chatID
	res := RouteResult{Partition: r.Classify(ctx, members, env.SenderID)}
	if res.Size() == 0 {
		return res, nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return res, err
	}

	var (
		wg       sync.WaitGroup
		fallback []int64
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.LocalDelivered = r.deliverLocal(ctx, res.Local, payload)
	}()
	go func() {
		defer wg.Done()
		res.RelayCalls, res.RelayDelivered, fallback = r.deliverRemote(ctx, env, res.Remote)
	}()
	// offline work starts alongside and picks up relay fallbacks afterwards
	saved, pushed := r.deliverOffline(ctx, env, res.Offline)
	wg.Wait()

	res.RelayFallback = len(fallback)
	if len(fallback) > 0 {
		s2, p2 := r.deliverOffline(ctx, env, fallback)
		saved += s2
		pushed += p2
	}
	res.OfflineSaved, res.OfflinePushed = saved, pushed
	return res, nil
}

// deliverRemote issues one bulk call per server (or per chunk when chunking
// is configured). Recipients of failed calls are returned for the offline path.
func (r *Router) deliverRemote(ctx context.Context, env model.Envelope, remote map[string][]int64) (calls, delivered int, fallback []int64) {
	if len(remote) == 0 {
		return 0, 0, nil
	}
	var mu sync.Mutex
	var g errgroup.Group
	for serverID, ids := range remote {
		for _, chunk := range chunkIDs(ids, r.cfg.RelayChunkSize) {
			serverID, chunk := serverID, chunk
			calls++
			g.Go(func() error {
				reply, err := r.relay.RelayBulk(ctx, serverID, &rpc.RelayBulkRequest{
					SenderID:     env.SenderID,
					ChatID:       env.ChatID,
					MessageID:    env.MessageID,
					Content:      env.Content,
					Type:         string(env.Type),
					Timestamp:    env.Timestamp,
					RecipientIDs: chunk,
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					r.log.Warn("relay failed, falling back to offline delivery",
						zap.String("server_id", serverID), zap.Int("recipients", len(chunk)), zap.Error(err))
					fallback = append(fallback, chunk...)
					return nil
				}
				delivered += reply.Delivered
				if reply.Delivered < len(chunk) {
					missed := onlyIn(chunk, reply.Undelivered)
					r.log.Info("relay partially delivered, falling back to offline delivery", zap.String("server_id", serverID),
						zap.Int("delivered", reply.Delivered), zap.Int("recipients", len(chunk)), zap.Int("fallback", len(missed)))
					fallback = append(fallback, missed...)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return calls, delivered, fallback
}

// deliverOffline writes an outbox row and pushes a notification per recipient.
func (r *Router) deliverOffline(ctx context.Context, env model.Envelope, ids []int64) (saved, pushed int) {
	if len(ids) == 0 {
		return 0, 0
	}
	title := r.senderName(ctx, env.SenderID)
	sentAt := time.UnixMilli(env.Timestamp).UTC()
	if env.Timestamp == 0 {
		sentAt = r.now().UTC()
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(r.cfg.OfflineConcurrency)
	for _, uid := range ids {
		uid := uid
		g.Go(func() error {
			row := model.UndeliveredMessage{
				ID:         r.nextID(),
				MessageID:  env.MessageID,
				ChatID:     env.ChatID,
				SenderID:   env.SenderID,
				ReceiverID: uid,
				Content:    env.Content,
				CreatedAt:  sentAt,
			}
			stored := true
			if err := r.offline.SaveUndelivered(ctx, row); err != nil {
				stored = false
				r.log.Error("save undelivered failed", zap.Int64("receiver_id", uid), zap.Int64("chat_id", env.ChatID), zap.Error(err))
			}
			err := r.push.Send(ctx, model.PushNotification{
				UserID: uid,
				Title:  title,
				Body:   env.Content,
				Data: map[string]string{
					"type":       "NEW_MESSAGE",
					"chatId":     fmt.Sprint(env.ChatID),
					"senderId":   fmt.Sprint(env.SenderID),
					"senderName": title,
					"content":    env.Content,
					"sentAt":     sentAt.Format(time.RFC3339),
				},
			})
			if err != nil {
				r.log.Warn("push failed", zap.Int64("receiver_id", uid), zap.Error(err))
			}
			if stored && err == nil {
				if err := r.offline.MarkDelivered(ctx, row.ID); err != nil {
					r.log.Warn("mark delivered failed", zap.Int64("id", row.ID), zap.Error(err))
				}
			}
			mu.Lock()
			if stored {
				saved++
			}
			if err == nil {
				pushed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return saved, pushed
}

func (r *Router) senderName(ctx context.Context, senderID int64) string {
	if senderID == 0 {
		return "System"
	}
	name, err := r.offline.UserName(ctx, senderID)
	if err != nil || name == "" {
		return "Unknown user"
	}
	return name
}

// onlyIn returns the ids of candidates that are also in chunk, deduplicated.
func onlyIn(chunk, candidates []int64) []int64 {
	if len(candidates) == 0 {
		return nil
	}
	in := make(map[int64]bool, len(chunk))
	for _, id := range chunk {
		in[id] = true
	}
	out := make([]int64, 0, len(candidates))
	for _, id := range candidates {
		if in[id] {
			out = append(out, id)
			delete(in, id)
		}
	}
	return out
}

func chunkIDs(ids []int64, size int) [][]int64 {
	if size <= 0 || len(ids) <= size {
		return [][]int64{ids}
	}
	out := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
