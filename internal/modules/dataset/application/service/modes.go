package service

import (
	"time"

	"KnowForge/internal/config"
	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/internal/modules/dataset/infrastructure/provider"
)

// NewModeSet 由运行参数生成各模式的默认模型与 prompt
func NewModeSet(opts config.PipelineOptions) training.ModeSet {
	qaPrompt := opts.QAPrompt
	if qaPrompt == "" {
		qaPrompt = provider.DefaultQAPrompt
	}
	captionPrompt := opts.CaptionPrompt
	if captionPrompt == "" {
		captionPrompt = provider.DefaultCaptionPrompt
	}
	return training.ModeSet{
		Embedding: training.EmbeddingParams{Model: opts.EmbeddingModel},
		QA: training.QAParams{
			Model:          opts.QAModel,
			Prompt:         qaPrompt,
			EmbeddingModel: opts.EmbeddingModel,
		},
		Caption: training.ImageCaptionParams{
			Model:          opts.VisionModel,
			Prompt:         captionPrompt,
			EmbeddingModel: opts.EmbeddingModel,
		},
	}
}

// newJob 单元的首个 Job
func newJob(u *training.Unit, params training.ModeParams, priority int, now time.Time) *training.Job {
	return &training.Job{
		OwnerID:      u.OwnerID,
		CollectionID: u.CollectionID,
		Mode:         params.Mode(),
		Model:        params.TargetModel(),
		Priority:     priority,
		Status:       training.JobStatusQueued,
		EnqueuedAt:   now,
		NextRunAt:    now,
	}
}
