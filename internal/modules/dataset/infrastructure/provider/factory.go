package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"KnowForge/internal/config"
	"KnowForge/pkg/zlog"

	arkEmbed "github.com/cloudwego/eino-ext/components/embedding/ark"
	dashscopeEmbed "github.com/cloudwego/eino-ext/components/embedding/dashscope"
	openaiEmbed "github.com/cloudwego/eino-ext/components/embedding/openai"
	arkModel "github.com/cloudwego/eino-ext/components/model/ark"
	openaiModel "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

type EmbedderMeta struct {
	Provider string
	Model    string
	Dim      int
}

type ChatModelMeta struct {
	Provider string
	Model    string
}

// NewFromConfig 按配置装配 EinoProvider：embedding 模型注册在 opts.EmbeddingModel 下，
// 对话 / 视觉模型注册在各自模型名下
func NewFromConfig(ctx context.Context, conf *config.Config, opts config.PipelineOptions) (*EinoProvider, error) {
	if conf == nil {
		return nil, fmt.Errorf("nil config")
	}
	p := NewEinoProvider()

	em, meta, err := NewEmbedderFromConfig(ctx, conf.AIConfig.Embedding, conf.MilvusConfig.VectorDim)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	p.RegisterEmbedder(opts.EmbeddingModel, em)
	zlog.Info("embedding model ready",
		zap.String("provider", meta.Provider),
		zap.String("model", opts.EmbeddingModel),
		zap.Int("dim", meta.Dim))

	if opts.QAModel != "" {
		cm, cmeta, err := NewChatModelFromConfig(ctx, conf.AIConfig.ChatModel)
		if err != nil {
			return nil, fmt.Errorf("chat model: %w", err)
		}
		p.RegisterChatModel(opts.QAModel, cm)
		zlog.Info("chat model ready", zap.String("provider", cmeta.Provider), zap.String("model", opts.QAModel))
	}
	if opts.VisionModel != "" && opts.VisionModel != opts.QAModel {
		vm, vmeta, err := NewChatModelFromConfig(ctx, conf.AIConfig.VisionModel)
		if err != nil {
			return nil, fmt.Errorf("vision model: %w", err)
		}
		p.RegisterChatModel(opts.VisionModel, vm)
		zlog.Info("vision model ready", zap.String("provider", vmeta.Provider), zap.String("model", opts.VisionModel))
	}
	return p, nil
}

func NewEmbedderFromConfig(ctx context.Context, ec config.AIEmbeddingConfig, vectorDim int) (embedding.Embedder, EmbedderMeta, error) {
	dim := vectorDim
	if ec.Dimensions > 0 {
		dim = ec.Dimensions
	}
	provider := strings.ToLower(strings.TrimSpace(ec.Provider))
	modelName := strings.TrimSpace(ec.Model)
	apiKey := strings.TrimSpace(ec.APIKey)
	baseURL := strings.TrimSpace(ec.BaseURL)

	switch provider {
	case "", "mock":
		if modelName == "" {
			modelName = "mock"
		}
		return NewHashEmbedder(dim), EmbedderMeta{Provider: "mock", Model: modelName, Dim: dim}, nil
	case "openai":
		apiKey = firstNonEmpty(apiKey, os.Getenv("OPENAI_API_KEY"))
		modelName = firstNonEmpty(modelName, os.Getenv("OPENAI_EMBED_MODEL"))
		baseURL = firstNonEmpty(baseURL, os.Getenv("OPENAI_BASE_URL"))
		if apiKey == "" || modelName == "" {
			return nil, EmbedderMeta{}, fmt.Errorf("openai embedding missing apiKey/model")
		}
		timeout := 30 * time.Second
		if ec.TimeoutSeconds > 0 {
			timeout = time.Duration(ec.TimeoutSeconds) * time.Second
		}
		localDim := dim
		em, err := openaiEmbed.NewEmbedder(ctx, &openaiEmbed.EmbeddingConfig{
			APIKey:     apiKey,
			Model:      modelName,
			BaseURL:    baseURL,
			Timeout:    timeout,
			Dimensions: &localDim,
		})
		if err != nil {
			return nil, EmbedderMeta{}, err
		}
		return em, EmbedderMeta{Provider: "openai", Model: modelName, Dim: dim}, nil
	case "ark":
		apiKey = firstNonEmpty(apiKey, os.Getenv("ARK_API_KEY"))
		modelName = firstNonEmpty(modelName, os.Getenv("ARK_EMBED_MODEL"))
		baseURL = firstNonEmpty(baseURL, os.Getenv("ARK_BASE_URL"))
		if apiKey == "" || modelName == "" {
			return nil, EmbedderMeta{}, fmt.Errorf("ark embedding missing apiKey/model")
		}
		em, err := arkEmbed.NewEmbedder(ctx, &arkEmbed.EmbeddingConfig{
			APIKey:  apiKey,
			Model:   modelName,
			BaseURL: baseURL,
		})
		if err != nil {
			return nil, EmbedderMeta{}, err
		}
		return em, EmbedderMeta{Provider: "ark", Model: modelName, Dim: dim}, nil
	case "dashscope":
		apiKey = firstNonEmpty(apiKey, os.Getenv("DASHSCOPE_API_KEY"))
		modelName = firstNonEmpty(modelName, os.Getenv("DASHSCOPE_EMBED_MODEL"))
		if apiKey == "" || modelName == "" {
			return nil, EmbedderMeta{}, fmt.Errorf("dashscope embedding missing apiKey/model")
		}
		localDim := dim
		em, err := dashscopeEmbed.NewEmbedder(ctx, &dashscopeEmbed.EmbeddingConfig{
			Model:      modelName,
			APIKey:     apiKey,
			Dimensions: &localDim,
		})
		if err != nil {
			return nil, EmbedderMeta{}, err
		}
		return em, EmbedderMeta{Provider: "dashscope", Model: modelName, Dim: dim}, nil
	default:
		return nil, EmbedderMeta{}, fmt.Errorf("unknown embedding provider: %s", provider)
	}
}

func NewChatModelFromConfig(ctx context.Context, mc config.AIChatModelConfig) (model.BaseChatModel, ChatModelMeta, error) {
	provider := strings.ToLower(strings.TrimSpace(mc.Provider))
	modelName := strings.TrimSpace(mc.Model)

	timeout := 2 * time.Minute
	if mc.TimeoutSeconds > 0 {
		timeout = time.Duration(mc.TimeoutSeconds) * time.Second
	}

	switch provider {
	case "", "disabled", "none":
		return nil, ChatModelMeta{}, fmt.Errorf("chat model provider not configured")

	case "mock":
		// 本地联调：把输入原样作为一个问答对的答案返回
		return &ScriptedChatModel{Reply: echoQA}, ChatModelMeta{Provider: "mock", Model: config.ChatModelName(mc)}, nil

	case "openai":
		apiKey := firstNonEmpty(strings.TrimSpace(mc.APIKey), os.Getenv("OPENAI_API_KEY"))
		modelName = firstNonEmpty(modelName, os.Getenv("OPENAI_MODEL"))
		baseURL := firstNonEmpty(strings.TrimSpace(mc.BaseURL), os.Getenv("OPENAI_BASE_URL"))
		if apiKey == "" || modelName == "" {
			return nil, ChatModelMeta{}, fmt.Errorf("openai chat model missing apiKey/model")
		}
		cm, err := openaiModel.NewChatModel(ctx, &openaiModel.ChatModelConfig{
			APIKey:     apiKey,
			Model:      modelName,
			BaseURL:    baseURL,
			ByAzure:    mc.ByAzure,
			APIVersion: strings.TrimSpace(mc.AzureAPIVersion),
			Timeout:    timeout,
		})
		if err != nil {
			return nil, ChatModelMeta{}, err
		}
		return cm, ChatModelMeta{Provider: "openai", Model: modelName}, nil

	case "ark":
		apiKey := firstNonEmpty(strings.TrimSpace(mc.APIKey), os.Getenv("ARK_API_KEY"))
		accessKey := firstNonEmpty(strings.TrimSpace(mc.AccessKey), os.Getenv("ARK_ACCESS_KEY"))
		secretKey := firstNonEmpty(strings.TrimSpace(mc.SecretKey), os.Getenv("ARK_SECRET_KEY"))
		modelName = firstNonEmpty(modelName, os.Getenv("ARK_MODEL_ID"))
		baseURL := firstNonEmpty(strings.TrimSpace(mc.BaseURL), os.Getenv("ARK_BASE_URL"))
		region := firstNonEmpty(strings.TrimSpace(mc.Region), os.Getenv("ARK_REGION"))

		if apiKey == "" && (accessKey == "" || secretKey == "") {
			return nil, ChatModelMeta{}, fmt.Errorf("ark chat model missing apiKey or accessKey/secretKey")
		}
		if modelName == "" {
			return nil, ChatModelMeta{}, fmt.Errorf("ark chat model missing model")
		}
		// 重试交给 Job 状态机，SDK 内部不再重试
		retryTimes := 0
		if mc.RetryTimes > 0 {
			retryTimes = mc.RetryTimes
		}
		cm, err := arkModel.NewChatModel(ctx, &arkModel.ChatModelConfig{
			APIKey:     apiKey,
			AccessKey:  accessKey,
			SecretKey:  secretKey,
			Model:      modelName,
			BaseURL:    baseURL,
			Region:     region,
			Timeout:    &timeout,
			RetryTimes: &retryTimes,
		})
		if err != nil {
			return nil, ChatModelMeta{}, err
		}
		return cm, ChatModelMeta{Provider: "ark", Model: modelName}, nil

	default:
		return nil, ChatModelMeta{}, fmt.Errorf("unknown chat model provider: %s", provider)
	}
}

func echoQA(_ context.Context, msgs []*schema.Message) (string, error) {
	text := strings.TrimSpace(LastUserText(msgs))
	if text == "" {
		return "", fmt.Errorf("empty input")
	}
	q := text
	if i := strings.IndexAny(q, "\n。.?？"); i > 0 {
		q = q[:i]
	}
	return "Q1: " + q + "\nA1: " + text, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
