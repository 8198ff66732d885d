package natsx

import (
	"context"
	"encoding/json"
	"strconv"

	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const HeaderUserID = "Chat-User-Id"

// MsgPublisher is the part of *nats.Conn the notifier uses.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// Notifier hands push notifications to the push gateway over core NATS.
// Delivery is fire-and-forget: a nil error only means the publish was buffered.
type Notifier struct {
	pub     MsgPublisher
	subject string
	log     *zap.Logger
}

func NewNotifier(pub MsgPublisher, subject string, l *zap.Logger) *Notifier {
	return &Notifier{pub: pub, subject: subject, log: logger.OrDefault(l).Named("push")}
}

type pushPayload struct {
	UserID int64             `json:"userId"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

func (n *Notifier) Send(ctx context.Context, p model.PushNotification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(pushPayload{UserID: p.UserID, Title: p.Title, Body: p.Body, Data: p.Data})
	if err != nil {
		return errs.Wrap(err)
	}
	msg := nats.NewMsg(n.subject)
	msg.Data = data
	msg.Header.Set(HeaderUserID, strconv.FormatInt(p.UserID, 10))
	if err := n.pub.PublishMsg(msg); err != nil {
		return errs.WrapMsg(err, "publish push", "subject", n.subject, "userId", p.UserID)
	}
	n.log.Debug("push published", zap.Int64("user_id", p.UserID))
	return nil
}

// Discard is the notifier used when NATS is disabled.
type Discard struct{}

func (Discard) Send(context.Context, model.PushNotification) error { return nil }
