package config

import (
	"strings"
	"time"
)

// PipelineOptions 是一次运行内不可变的训练参数快照，按值传入各组件构造函数
type PipelineOptions struct {
	GlobalMaxInFlight   int
	PerOwnerMaxInFlight int
	ClaimBatchSize      int

	Lease          time.Duration
	PollInterval   time.Duration
	MaxPollBackoff time.Duration

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	ProviderTimeout           time.Duration
	RateLimitMaxElapsed       time.Duration
	RateLimitPollInterval     time.Duration
	ProviderRequestsPerMinute int

	ChunkSize             int
	OverlapRatio          float64
	MaxUnitsPerSubmission int
	MaxUnitRunes          int

	ReindexBatchSize   int
	ReindexStepRetries int

	FailedRetention time.Duration
	UsageBufferSize int

	EmbeddingModel string
	QAModel        string
	VisionModel    string
	QAPrompt       string
	CaptionPrompt  string
}

func (c *Config) PipelineOptions() PipelineOptions {
	t := c.TrainingConfig
	qaModel := ChatModelName(c.AIConfig.ChatModel)
	vision := ChatModelName(c.AIConfig.VisionModel)
	if vision == "" {
		vision = qaModel
	}
	embedModel := strings.TrimSpace(c.AIConfig.Embedding.Model)
	if embedModel == "" {
		embedModel = "mock"
	}
	return PipelineOptions{
		GlobalMaxInFlight:         t.GlobalMaxInFlight,
		PerOwnerMaxInFlight:       t.PerOwnerMaxInFlight,
		ClaimBatchSize:            t.ClaimBatchSize,
		Lease:                     time.Duration(t.LeaseSeconds) * time.Second,
		PollInterval:              time.Duration(t.PollIntervalMs) * time.Millisecond,
		MaxPollBackoff:            time.Duration(t.MaxPollBackoffSeconds) * time.Second,
		MaxRetries:                t.MaxRetries,
		RetryBaseDelay:            time.Duration(t.RetryBaseDelayMs) * time.Millisecond,
		RetryMaxDelay:             time.Duration(t.RetryMaxDelaySeconds) * time.Second,
		ProviderTimeout:           time.Duration(t.ProviderTimeoutSeconds) * time.Second,
		RateLimitMaxElapsed:       time.Duration(t.RateLimitMaxElapsedSeconds) * time.Second,
		RateLimitPollInterval:     time.Duration(t.RateLimitPollIntervalMs) * time.Millisecond,
		ProviderRequestsPerMinute: t.ProviderRPM,
		ChunkSize:                 t.ChunkSize,
		OverlapRatio:              t.OverlapRatio,
		MaxUnitsPerSubmission:     t.MaxUnitsPerSubmission,
		MaxUnitRunes:              t.MaxUnitRunes,
		ReindexBatchSize:          t.ReindexBatchSize,
		ReindexStepRetries:        t.ReindexStepRetries,
		FailedRetention:           time.Duration(t.FailedRetentionHours) * time.Hour,
		UsageBufferSize:           t.UsageBufferSize,
		EmbeddingModel:            embedModel,
		QAModel:                   qaModel,
		VisionModel:               vision,
		QAPrompt:                  c.AIConfig.QAPrompt,
		CaptionPrompt:             c.AIConfig.CaptionPrompt,
	}
}

// DefaultPipelineOptions 供测试与嵌入式使用
func DefaultPipelineOptions() PipelineOptions {
	return Default().PipelineOptions()
}

// ChatModelName 已启用的对话模型名；provider 未配置时返回空串，对应模式不可用
func ChatModelName(m AIChatModelConfig) string {
	switch strings.ToLower(strings.TrimSpace(m.Provider)) {
	case "", "disabled", "none":
		return ""
	case "mock":
		if strings.TrimSpace(m.Model) == "" {
			return "mock-chat"
		}
	}
	return strings.TrimSpace(m.Model)
}
