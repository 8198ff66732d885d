package kafka

import (
	"errors"
	"fmt"

	"chatfleet/global/config"
	"chatfleet/logger"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// EnsureTopic creates the message-send topic, or grows its partition count
// when it exists with fewer partitions than configured.
func EnsureTopic(admin sarama.ClusterAdmin, c config.KafkaConfig) error {
	if c.Partitions <= 0 {
		return nil
	}
	descs, err := admin.DescribeTopics([]string{c.Topic})
	if err != nil {
		return fmt.Errorf("describe topic %s: %w", c.Topic, err)
	}
	exists := len(descs) == 1 && errors.Is(descs[0].Err, sarama.ErrNoError)

	minISR := "1"
	if c.ReplicationFactor >= 3 {
		minISR = "2"
	}

	if !exists {
		td := &sarama.TopicDetail{
			NumPartitions:     c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			ConfigEntries: map[string]*string{
				"cleanup.policy":                 strPtr("delete"),
				"min.insync.replicas":            strPtr(minISR),
				"unclean.leader.election.enable": strPtr("false"),
				"compression.type":               strPtr("producer"),
			},
		}
		if err := admin.CreateTopic(c.Topic, td, false); err != nil {
			var te *sarama.TopicError
			if (errors.As(err, &te) && te.Err == sarama.ErrTopicAlreadyExists) || errors.Is(err, sarama.ErrTopicAlreadyExists) {
				logger.Info("[Topic] exists (race)", zap.String("topic", c.Topic))
				return nil
			}
			return fmt.Errorf("create topic %s: %w", c.Topic, err)
		}
		logger.Info("[Topic] created", zap.String("topic", c.Topic),
			zap.Int32("partitions", c.Partitions), zap.Int16("rf", c.ReplicationFactor))
		return nil
	}

	cur := int32(len(descs[0].Partitions))
	if c.Partitions > cur {
		if err := admin.CreatePartitions(c.Topic, c.Partitions, nil, false); err != nil {
			return fmt.Errorf("expand partitions %s from %d to %d: %w", c.Topic, cur, c.Partitions, err)
		}
		logger.Info("[Topic] partitions expanded", zap.String("topic", c.Topic),
			zap.Int32("from", cur), zap.Int32("to", c.Partitions))
		return nil
	}
	logger.Info("[Topic] exists", zap.String("topic", c.Topic), zap.Int32("partitions", cur))
	return nil
}

// EnsureTopicWithBrokers opens a short-lived cluster admin for EnsureTopic.
func EnsureTopicWithBrokers(c config.KafkaConfig) error {
	cfg, err := BuildConfig(c)
	if err != nil {
		return err
	}
	admin, err := sarama.NewClusterAdmin(c.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("kafka admin: %w", err)
	}
	defer admin.Close()
	return EnsureTopic(admin, c)
}

func strPtr(s string) *string { return &s }
