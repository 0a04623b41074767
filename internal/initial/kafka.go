package initial

import (
	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/infrastructure/mq"
	"KnowForge/internal/modules/dataset/infrastructure/mq/kafka"
	"KnowForge/internal/modules/dataset/infrastructure/usage"
	"KnowForge/pkg/zlog"

	"go.uber.org/zap"
)

// NewUsageSink 配置了 kafka 时返回 KafkaSink 与需要关闭的 publisher，否则写日志
func NewUsageSink(conf *config.Config) (usage.Sink, mq.Publisher, error) {
	kc := conf.KafkaConfig
	if len(kc.Brokers) == 0 {
		zlog.Info("kafka 未配置，usage 事件写入日志")
		return usage.LogSink{}, nil, nil
	}
	cfg := kafka.PublisherConfig{Brokers: kc.Brokers, ClientID: kc.ClientID}
	if err := kafka.EnsureTopic(cfg, kafka.TopicSpec{Name: kc.UsageTopic}); err != nil {
		return nil, nil, err
	}
	pub, err := kafka.NewSaramaPublisher(cfg)
	if err != nil {
		return nil, nil, err
	}
	zlog.Info("usage events publish to kafka", zap.Strings("brokers", kc.Brokers), zap.String("topic", kc.UsageTopic))
	return usage.NewKafkaSink(pub, kc.UsageTopic), pub, nil
}
