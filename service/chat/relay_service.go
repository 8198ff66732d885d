package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/service/rpc"

	"go.uber.org/zap"
)

// RelayService answers relay calls from peers by writing to this
// instance's own sessions. It never relays further.
type RelayService struct {
	sessions *SessionRegistry
	log      *zap.Logger
}

var _ rpc.RelayServer = (*RelayService)(nil)

func NewRelayService(sessions *SessionRegistry, l *zap.Logger) *RelayService {
	return &RelayService{sessions: sessions, log: logger.OrDefault(l).Named("relay-service")}
}

func (s *RelayService) Relay(_ context.Context, req *rpc.RelayRequest) (*rpc.RelayReply, error) {
	payload, err := json.Marshal(model.Envelope{
		Type:      model.EnvelopeType(req.Type),
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Content:   req.Content,
		MessageID: req.MessageID,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	if !deliverTo(s.sessions, req.RecipientID, payload, s.log) {
		return &rpc.RelayReply{Success: false, Message: "recipient not connected", Undelivered: []int64{req.RecipientID}}, nil
	}
	return &rpc.RelayReply{Success: true, Message: "delivered 1/1", Delivered: 1}, nil
}

func (s *RelayService) RelayBulk(_ context.Context, req *rpc.RelayBulkRequest) (*rpc.RelayReply, error) {
	payload, err := json.Marshal(model.Envelope{
		Type:      model.EnvelopeType(req.Type),
		ChatID:    req.ChatID,
		SenderID:  req.SenderID,
		Content:   req.Content,
		MessageID: req.MessageID,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	delivered := 0
	var missed []int64
	for _, uid := range req.RecipientIDs {
		if deliverTo(s.sessions, uid, payload, s.log) {
			delivered++
		} else {
			missed = append(missed, uid)
		}
	}
	if delivered < len(req.RecipientIDs) {
		s.log.Info("bulk relay partially delivered", zap.Int64("chat_id", req.ChatID),
			zap.Int("delivered", delivered), zap.Int("recipients", len(req.RecipientIDs)))
	}
	return &rpc.RelayReply{
		Success:     true,
		Message:     fmt.Sprintf("delivered %d/%d", delivered, len(req.RecipientIDs)),
		Delivered:   delivered,
		Undelivered: missed,
	}, nil
}
