package provider

import (
	"context"
	"fmt"
	"unicode/utf8"

	"KnowForge/internal/modules/dataset/domain/training"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ModelProvider 外部模型调用抽象。返回的错误已归一为 *training.ProviderError（ctx 取消除外）。
type ModelProvider interface {
	Embed(ctx context.Context, modelName string, texts []string) (EmbedResult, error)
	// Generate 以 prompt 为 system 指令、input 为用户输入生成文本
	Generate(ctx context.Context, modelName, prompt, input string) (GenerateResult, error)
	// Caption 对图片引用（URL 或 data URI）生成描述
	Caption(ctx context.Context, modelName, prompt, imageRef string) (GenerateResult, error)
}

type EmbedResult struct {
	Vectors [][]float32
	// Tokens 计费用量，provider 未返回时按文本估算
	Tokens int
}

type GenerateResult struct {
	Text   string
	Tokens int
}

// EinoProvider 以模型名路由到 eino 组件
type EinoProvider struct {
	embedders  map[string]embedding.Embedder
	chatModels map[string]model.BaseChatModel
}

var _ ModelProvider = (*EinoProvider)(nil)

func NewEinoProvider() *EinoProvider {
	return &EinoProvider{
		embedders:  make(map[string]embedding.Embedder),
		chatModels: make(map[string]model.BaseChatModel),
	}
}

// RegisterEmbedder 仅在启动阶段调用
func (p *EinoProvider) RegisterEmbedder(name string, em embedding.Embedder) *EinoProvider {
	p.embedders[name] = em
	return p
}

// RegisterChatModel 仅在启动阶段调用
func (p *EinoProvider) RegisterChatModel(name string, cm model.BaseChatModel) *EinoProvider {
	p.chatModels[name] = cm
	return p
}

func (p *EinoProvider) Embed(ctx context.Context, modelName string, texts []string) (EmbedResult, error) {
	em, ok := p.embedders[modelName]
	if !ok {
		return EmbedResult{}, modelNotConfigured("embedding", modelName)
	}
	if len(texts) == 0 {
		return EmbedResult{}, nil
	}
	vecs, err := em.EmbedStrings(ctx, texts)
	if err != nil {
		return EmbedResult{}, ClassifyError(err)
	}
	if len(vecs) != len(texts) {
		return EmbedResult{}, &training.ProviderError{
			Code:      "bad_response",
			Message:   fmt.Sprintf("embedding returned %d vectors for %d texts", len(vecs), len(texts)),
			Retryable: true,
		}
	}
	out := make([][]float32, len(vecs))
	for i, v := range vecs {
		out[i] = toFloat32(v)
	}
	return EmbedResult{Vectors: out, Tokens: EstimateTokens(texts...)}, nil
}

func (p *EinoProvider) Generate(ctx context.Context, modelName, prompt, input string) (GenerateResult, error) {
	cm, ok := p.chatModels[modelName]
	if !ok {
		return GenerateResult{}, modelNotConfigured("chat", modelName)
	}
	msgs := []*schema.Message{
		{Role: schema.System, Content: prompt},
		{Role: schema.User, Content: input},
	}
	return p.generate(ctx, cm, msgs, prompt, input)
}

func (p *EinoProvider) Caption(ctx context.Context, modelName, prompt, imageRef string) (GenerateResult, error) {
	cm, ok := p.chatModels[modelName]
	if !ok {
		return GenerateResult{}, modelNotConfigured("vision", modelName)
	}
	msgs := []*schema.Message{
		{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				{Type: schema.ChatMessagePartTypeText, Text: prompt},
				{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: imageRef}},
			},
		},
	}
	return p.generate(ctx, cm, msgs, prompt)
}

func (p *EinoProvider) generate(ctx context.Context, cm model.BaseChatModel, msgs []*schema.Message, estimateFrom ...string) (GenerateResult, error) {
	resp, err := cm.Generate(ctx, msgs)
	if err != nil {
		return GenerateResult{}, ClassifyError(err)
	}
	if resp == nil {
		return GenerateResult{}, &training.ProviderError{Code: "bad_response", Message: "empty model response", Retryable: true}
	}
	tokens := 0
	if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
		tokens = resp.ResponseMeta.Usage.TotalTokens
	}
	if tokens == 0 {
		tokens = EstimateTokens(append(estimateFrom, resp.Content)...)
	}
	return GenerateResult{Text: resp.Content, Tokens: tokens}, nil
}

func modelNotConfigured(kind, name string) error {
	return &training.ProviderError{
		Code:    "model_not_configured",
		Message: fmt.Sprintf("%s model %q is not configured", kind, name),
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// EstimateTokens 粗略估算：ASCII 约 4 字符一个 token，其余字符各算一个
func EstimateTokens(texts ...string) int {
	total := 0
	for _, t := range texts {
		ascii := 0
		for _, r := range t {
			if r < utf8.RuneSelf {
				ascii++
			} else {
				total++
			}
		}
		total += (ascii + 3) / 4
	}
	return total
}
