package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"chatfleet/module/chat/model"
	"chatfleet/service/rpc"
)

type fakeConn struct {
	mu       sync.Mutex
	writes   [][]byte
	controls []int
	closed   bool
	failNext bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	c.mu.Lock()
	c.controls = append(c.controls, messageType)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestSession(uid int64) *Session {
	return NewSession(SessionInfo{UserID: uid, ServerID: "instance-1", ConnID: "c"}, &fakeConn{}, 8, time.Second)
}

// queued returns the envelopes queued on s without a writer running.
func queued(s *Session) []model.Envelope {
	var out []model.Envelope
	for {
		select {
		case b := <-s.send:
			var env model.Envelope
			_ = json.Unmarshal(b, &env)
			out = append(out, env)
		default:
			return out
		}
	}
}

type fakePresence struct {
	mu       sync.Mutex
	members  map[int64][]int64
	records  map[int64]model.Presence
	failUser map[int64]bool
	failRoom bool

	setCalls   []int64
	enterCalls [][2]int64
	disconnect []int64
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		members:  make(map[int64][]int64),
		records:  make(map[int64]model.Presence),
		failUser: make(map[int64]bool),
	}
}

func (p *fakePresence) GetRoomMembers(_ context.Context, chatID int64) ([]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failRoom {
		return nil, errors.New("redis down")
	}
	return append([]int64(nil), p.members[chatID]...), nil
}

func (p *fakePresence) GetPresence(_ context.Context, uid int64) (model.Presence, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUser[uid] {
		return model.Presence{}, false, errors.New("redis timeout")
	}
	pr, ok := p.records[uid]
	return pr, ok, nil
}

func (p *fakePresence) SetPresence(_ context.Context, uid, chatID int64, serverID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setCalls = append(p.setCalls, uid)
	pr := p.records[uid]
	if chatID != 0 {
		pr.ChatID = chatID
	}
	if serverID != "" {
		pr.ServerID = serverID
	}
	p.records[uid] = pr
	return nil
}

func (p *fakePresence) EnterRoom(_ context.Context, uid, chatID int64, serverID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enterCalls = append(p.enterCalls, [2]int64{uid, chatID})
	p.members[chatID] = append(p.members[chatID], uid)
	pr := p.records[uid]
	prev := pr.ChatID
	pr.ChatID, pr.ServerID = chatID, serverID
	p.records[uid] = pr
	return prev, nil
}

func (p *fakePresence) Disconnect(_ context.Context, uid int64, serverID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnect = append(p.disconnect, uid)
	if pr, ok := p.records[uid]; ok && serverID != "" && pr.ServerID != "" && pr.ServerID != serverID {
		return false, nil
	}
	delete(p.records, uid)
	return true, nil
}

func (p *fakePresence) disconnected() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.disconnect...)
}

type fakeRelayer struct {
	mu    sync.Mutex
	calls map[string][][]int64
	fail  map[string]error
	// recipients the peer has no session for
	absent map[int64]bool
}

func newFakeRelayer() *fakeRelayer {
	return &fakeRelayer{calls: make(map[string][][]int64), fail: make(map[string]error), absent: make(map[int64]bool)}
}

func (f *fakeRelayer) RelayBulk(_ context.Context, serverID string, req *rpc.RelayBulkRequest) (*rpc.RelayReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[serverID] = append(f.calls[serverID], append([]int64(nil), req.RecipientIDs...))
	if err := f.fail[serverID]; err != nil {
		return nil, err
	}
	reply := &rpc.RelayReply{Success: true}
	for _, uid := range req.RecipientIDs {
		if f.absent[uid] {
			reply.Undelivered = append(reply.Undelivered, uid)
			continue
		}
		reply.Delivered++
	}
	return reply, nil
}

func (f *fakeRelayer) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += len(c)
	}
	return n
}

type fakeOffline struct {
	mu        sync.Mutex
	rows      []model.UndeliveredMessage
	delivered []int64
	names     map[int64]string
	failSave  bool
}

func (f *fakeOffline) SaveUndelivered(_ context.Context, m model.UndeliveredMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("pg down")
	}
	f.rows = append(f.rows, m)
	return nil
}

func (f *fakeOffline) MarkDelivered(_ context.Context, id int64) error {
	f.mu.Lock()
	f.delivered = append(f.delivered, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeOffline) UserName(_ context.Context, uid int64) (string, error) {
	if name, ok := f.names[uid]; ok {
		return name, nil
	}
	return "", errors.New("no rows")
}

func (f *fakeOffline) PendingFor(_ context.Context, receiverID int64, _ int) ([]model.UndeliveredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.UndeliveredMessage
	for _, r := range f.rows {
		if r.ReceiverID == receiverID && !r.Delivered {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakePush struct {
	mu   sync.Mutex
	sent []model.PushNotification
	fail bool
}

func (f *fakePush) Send(_ context.Context, n model.PushNotification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("nats down")
	}
	f.sent = append(f.sent, n)
	return nil
}

func seqIDs() func() int64 {
	var n atomic.Int64
	return func() int64 { return n.Add(1) }
}
