package kafka

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

type TopicSpec struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
}

// EnsureTopic 主题不存在时创建
func EnsureTopic(cfg PublisherConfig, spec TopicSpec) error {
	if len(cfg.Brokers) == 0 {
		return errors.New("kafka brokers is empty")
	}
	topic := strings.TrimSpace(spec.Name)
	if topic == "" {
		return errors.New("kafka topic is empty")
	}
	if spec.Partitions <= 0 {
		spec.Partitions = 1
	}
	if spec.ReplicationFactor <= 0 {
		spec.ReplicationFactor = 1
	}
	if spec.Retention <= 0 {
		spec.Retention = 7 * 24 * time.Hour
	}

	admin, err := sarama.NewClusterAdmin(cfg.Brokers, producerConfig(cfg.ClientID))
	if err != nil {
		return err
	}
	defer admin.Close()

	topics, err := admin.ListTopics()
	if err != nil {
		return err
	}
	if _, ok := topics[topic]; ok {
		return nil
	}

	retention := strconv.FormatInt(spec.Retention.Milliseconds(), 10)
	td := &sarama.TopicDetail{
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
		ConfigEntries:     map[string]*string{"retention.ms": &retention},
	}
	if err := admin.CreateTopic(topic, td, false); err != nil {
		if errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}
