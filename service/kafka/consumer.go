package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"chatfleet/global/config"
	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"
	"chatfleet/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Deliverer fans a consumed message out, normally chat.DirectSink.
type Deliverer interface {
	Publish(ctx context.Context, env model.Envelope) error
}

// ConsumerGroupHandler routes every message-send event it claims.
type ConsumerGroupHandler struct {
	out Deliverer
	log *zap.Logger
}

func NewConsumerGroupHandler(out Deliverer, l *zap.Logger) *ConsumerGroupHandler {
	return &ConsumerGroupHandler{out: out, log: logger.OrDefault(l).Named("kafka-consumer")}
}

func (h *ConsumerGroupHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group setup", zap.Any("claims", s.Claims()))
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.log.Info("consumer group cleanup")
	return nil
}

func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		h.handle(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

// handle never fails the claim: a poison message is logged and skipped.
func (h *ConsumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	var env model.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		h.log.Warn("undecodable message skipped", zap.String("topic", msg.Topic),
			zap.Int32("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		return
	}
	if env.ChatID <= 0 {
		h.log.Warn("message without chat id skipped", zap.Int64("offset", msg.Offset))
		return
	}
	if err := h.out.Publish(context.WithoutCancel(ctx), env); err != nil {
		h.log.Error("route consumed message failed", zap.Int64("chat_id", env.ChatID),
			zap.Int64("message_id", env.MessageID), zap.Error(err))
	}
}

// Consumer runs one consumer group over the message-send topic.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler sarama.ConsumerGroupHandler
	log     *zap.Logger
	done    chan struct{}
}

func NewConsumer(c config.KafkaConfig, handler sarama.ConsumerGroupHandler, l *zap.Logger) (*Consumer, error) {
	cfg, err := BuildConfig(c)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka config")
	}
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka consumer group", "group", c.GroupID)
	}
	return NewConsumerFrom(group, []string{c.Topic}, handler, l), nil
}

func NewConsumerFrom(group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler, l *zap.Logger) *Consumer {
	return &Consumer{
		group:   group,
		topics:  topics,
		handler: handler,
		log:     logger.OrDefault(l).Named("kafka-consumer"),
		done:    make(chan struct{}),
	}
}

// Start consumes until ctx is cancelled. Rebalances re-enter Consume.
func (c *Consumer) Start(ctx context.Context) {
	safe.Go("kafka-consumer-errors", func() {
		for err := range c.group.Errors() {
			c.log.Warn("consumer group error", zap.Error(err))
		}
	})
	safe.Go("kafka-consumer", func() {
		defer close(c.done)
		for {
			err := c.group.Consume(ctx, c.topics, c.handler)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			if err != nil {
				c.log.Warn("consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	})
}

// Close stops the group; call after cancelling the Start context.
func (c *Consumer) Close() error {
	err := c.group.Close()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
	return err
}
