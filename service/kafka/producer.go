package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"chatfleet/global/config"
	"chatfleet/logger"
	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Producer publishes accepted messages to the message-send topic, keyed
// by chat id.
type Producer struct {
	sp    sarama.SyncProducer
	topic string
	log   *zap.Logger
}

func NewProducer(c config.KafkaConfig, l *zap.Logger) (*Producer, error) {
	cfg, err := BuildConfig(c)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka config")
	}
	sp, err := sarama.NewSyncProducer(c.Brokers, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka producer", "brokers", c.Brokers)
	}
	return NewProducerFrom(sp, c.Topic, l), nil
}

// NewProducerFrom wraps an existing sync producer.
func NewProducerFrom(sp sarama.SyncProducer, topic string, l *zap.Logger) *Producer {
	return &Producer{sp: sp, topic: topic, log: logger.OrDefault(l).Named("kafka-producer")}
}

func (p *Producer) Publish(_ context.Context, env model.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(err)
	}
	partition, offset, err := p.sp.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatInt(env.ChatID, 10)),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return errs.WrapMsg(err, "publish message", "topic", p.topic, "chatId", env.ChatID, "messageId", env.MessageID)
	}
	p.log.Debug("message published", zap.Int64("message_id", env.MessageID),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}

func (p *Producer) Close() error { return p.sp.Close() }
