package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"KnowForge/internal/modules/dataset/infrastructure/mq"

	"github.com/IBM/sarama"
)

type PublisherConfig struct {
	Brokers  []string
	ClientID string
}

type saramaPublisher struct {
	p sarama.SyncProducer
}

func NewSaramaPublisher(cfg PublisherConfig) (mq.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers is empty")
	}
	p, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig(cfg.ClientID))
	if err != nil {
		return nil, err
	}
	return &saramaPublisher{p: p}, nil
}

// newPublisherWithProducer 测试中注入 sarama mocks
func newPublisherWithProducer(p sarama.SyncProducer) mq.Publisher {
	return &saramaPublisher{p: p}
}

func producerConfig(clientID string) *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Retry.Backoff = 100 * time.Millisecond
	sc.Producer.Idempotent = true
	sc.Net.MaxOpenRequests = 1
	// 同一 owner 的用量事件落在同一分区，消费端按 owner 有序
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	if id := strings.TrimSpace(clientID); id != "" {
		sc.ClientID = id
	}
	return sc
}

func (s *saramaPublisher) Publish(ctx context.Context, msg mq.Message) (mq.PublishResult, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return mq.PublishResult{}, ctx.Err()
		default:
		}
	}
	if strings.TrimSpace(msg.Topic) == "" {
		return mq.PublishResult{}, errors.New("kafka topic is empty")
	}

	m := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Value: sarama.ByteEncoder(msg.Value),
	}
	if len(msg.Key) > 0 {
		m.Key = sarama.ByteEncoder(msg.Key)
	}
	for k, v := range msg.Headers {
		kk := strings.TrimSpace(k)
		if kk == "" {
			continue
		}
		m.Headers = append(m.Headers, sarama.RecordHeader{Key: []byte(kk), Value: []byte(v)})
	}

	partition, offset, err := s.p.SendMessage(m)
	if err != nil {
		return mq.PublishResult{}, err
	}
	return mq.PublishResult{Partition: partition, Offset: offset}, nil
}

func (s *saramaPublisher) Close() error {
	if s == nil || s.p == nil {
		return nil
	}
	return s.p.Close()
}
