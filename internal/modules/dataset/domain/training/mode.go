package training

import "fmt"

// Mode 训练模式
type Mode string

const (
	ModeEmbedding    Mode = "embedding"
	ModeQA           Mode = "qa"
	ModeImageCaption Mode = "image_caption"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeEmbedding, ModeQA, ModeImageCaption:
		return Mode(s), nil
	case "", "chunk":
		return ModeEmbedding, nil
	default:
		return "", fmt.Errorf("%w: unsupported mode %q", ErrValidation, s)
	}
}

// ModeParams 模式相关参数，每种模式一个变体
type ModeParams interface {
	Mode() Mode
	// TargetModel 该模式下 Job 调用的模型
	TargetModel() string
	isModeParams()
}

type EmbeddingParams struct {
	Model string
}

func (EmbeddingParams) Mode() Mode            { return ModeEmbedding }
func (p EmbeddingParams) TargetModel() string { return p.Model }
func (EmbeddingParams) isModeParams()         {}

type QAParams struct {
	Model     string
	Prompt    string
	MaxTokens int
	// EmbeddingModel 生成的 QA 对作为新单元入队时使用
	EmbeddingModel string
}

func (QAParams) Mode() Mode            { return ModeQA }
func (p QAParams) TargetModel() string { return p.Model }
func (QAParams) isModeParams()         {}

type ImageCaptionParams struct {
	Model          string
	Prompt         string
	EmbeddingModel string
}

func (ImageCaptionParams) Mode() Mode            { return ModeImageCaption }
func (p ImageCaptionParams) TargetModel() string { return p.Model }
func (ImageCaptionParams) isModeParams()         {}

// ModeSet 各模式的默认参数
type ModeSet struct {
	Embedding EmbeddingParams
	QA        QAParams
	Caption   ImageCaptionParams
}

// For 按模式取参数
func (s ModeSet) For(m Mode) (ModeParams, error) {
	switch m {
	case ModeEmbedding:
		return s.Embedding, nil
	case ModeQA:
		if s.QA.Model == "" {
			return nil, fmt.Errorf("%w: qa mode has no model configured", ErrValidation)
		}
		return s.QA, nil
	case ModeImageCaption:
		if s.Caption.Model == "" {
			return nil, fmt.Errorf("%w: image caption mode has no model configured", ErrValidation)
		}
		return s.Caption, nil
	default:
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrValidation, m)
	}
}
