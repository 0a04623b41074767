package provider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// HashEmbedder 确定性 embedding：同一文本总是得到同一单位向量，用于本地开发与测试
type HashEmbedder struct {
	Dim int
}

var _ embedding.Embedder = (*HashEmbedder)(nil)

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 8
	}
	return &HashEmbedder{Dim: dim}
}

func (m *HashEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = HashVector(t, m.Dim)
	}
	return out, nil
}

// HashVector 文本的确定性单位向量
func HashVector(text string, dim int) []float64 {
	vec := make([]float64, dim)
	var block [sha256.Size]byte
	var norm float64
	for i := 0; i < dim; i++ {
		if i%8 == 0 {
			var ctr [8]byte
			binary.BigEndian.PutUint64(ctr[:], uint64(i/8))
			block = sha256.Sum256(append([]byte(text), ctr[:]...))
		}
		u := binary.BigEndian.Uint32(block[(i%8)*4:])
		v := float64(u)/float64(math.MaxUint32)*2 - 1
		vec[i] = v
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// ScriptedChatModel 按回调生成回复的 ChatModel，用于测试和未配置模型的本地环境
type ScriptedChatModel struct {
	mu    sync.Mutex
	Reply func(ctx context.Context, msgs []*schema.Message) (string, error)
	calls int
}

var _ model.BaseChatModel = (*ScriptedChatModel)(nil)

func (m *ScriptedChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Reply == nil {
		return nil, errors.New("scripted chat model has no reply")
	}
	text, err := m.Reply(ctx, input)
	if err != nil {
		return nil, err
	}
	return &schema.Message{Role: schema.Assistant, Content: text}, nil
}

func (m *ScriptedChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *ScriptedChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastUserText 取最后一条用户消息的文本，多模态消息取其中的文本片段
func LastUserText(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg == nil || msg.Role != schema.User {
			continue
		}
		if msg.Content != "" {
			return msg.Content
		}
		var parts []string
		for _, p := range msg.MultiContent {
			if p.Type == schema.ChatMessagePartTypeText {
				parts = append(parts, p.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
