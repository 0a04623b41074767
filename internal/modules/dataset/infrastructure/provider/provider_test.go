package provider

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"KnowForge/internal/modules/dataset/domain/training"

	"github.com/cloudwego/eino/schema"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	p := NewEinoProvider().RegisterEmbedder("mock", NewHashEmbedder(16))
	ctx := context.Background()

	a, err := p.Embed(ctx, "mock", []string{"hello", "world"})
	require.NoError(t, err)
	b, err := p.Embed(ctx, "mock", []string{"hello"})
	require.NoError(t, err)

	require.Len(t, a.Vectors, 2)
	assert.Len(t, a.Vectors[0], 16)
	assert.Equal(t, a.Vectors[0], b.Vectors[0])
	assert.NotEqual(t, a.Vectors[0], a.Vectors[1])
	assert.Positive(t, a.Tokens)
}

func TestUnknownModelIsTerminal(t *testing.T) {
	p := NewEinoProvider()
	_, err := p.Embed(context.Background(), "nope", []string{"x"})
	require.Error(t, err)
	ce := training.Classify(err)
	assert.Equal(t, training.KindTerminal, ce.Kind)
}

func TestGenerateAndCaptionUseChatModel(t *testing.T) {
	var seen []*schema.Message
	cm := &ScriptedChatModel{Reply: func(_ context.Context, msgs []*schema.Message) (string, error) {
		seen = msgs
		return "Q1: what\nA1: that", nil
	}}
	p := NewEinoProvider().RegisterChatModel("chat", cm)
	ctx := context.Background()

	res, err := p.Generate(ctx, "chat", "prompt", "input text")
	require.NoError(t, err)
	assert.Equal(t, "Q1: what\nA1: that", res.Text)
	require.Len(t, seen, 2)
	assert.Equal(t, schema.System, seen[0].Role)
	assert.Equal(t, "input text", LastUserText(seen))

	_, err = p.Caption(ctx, "chat", "describe", "https://example.com/a.png")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.Len(t, seen[0].MultiContent, 2)
	assert.Equal(t, "https://example.com/a.png", seen[0].MultiContent[1].ImageURL.URL)
	assert.Equal(t, 2, cm.Calls())
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		err         error
		retryable   bool
		rateLimited bool
	}{
		{errors.New("error, status code: 429, message: Rate limit reached, retry after 3s"), true, true},
		{errors.New("error, status code: 503, message: overloaded"), true, false},
		{errors.New("read tcp: connection reset by peer"), true, false},
		{errors.New("error, status code: 401, message: Incorrect API key provided"), false, false},
		{errors.New("this model's maximum context length is 8192 tokens"), false, false},
		{errors.New("something odd"), true, false},
		{context.DeadlineExceeded, true, false},
	}
	for _, c := range cases {
		var pe *training.ProviderError
		require.ErrorAs(t, ClassifyError(c.err), &pe, c.err.Error())
		assert.Equal(t, c.retryable, pe.Retryable, c.err.Error())
		assert.Equal(t, c.rateLimited, pe.RateLimited, c.err.Error())
		assert.Equal(t, c.err.Error(), pe.Message)
	}

	var pe *training.ProviderError
	require.ErrorAs(t, ClassifyError(errors.New("429 too many requests; Retry-After: 1500ms")), &pe)
	assert.Equal(t, 1500*time.Millisecond, pe.RetryAfter)

	assert.ErrorIs(t, ClassifyError(context.Canceled), context.Canceled)
	assert.NoError(t, ClassifyError(nil))
}

func TestParseQAPairs(t *testing.T) {
	reply := `好的，以下是问答：
Q1: 什么是租约？
A1: 领取任务时写入的过期时间。
过期后任务会被回收。
Q2：没有答案的问题
Q3: How many?
A3: Three.
A4: orphan answer`
	pairs := ParseQAPairs(reply)
	require.Len(t, pairs, 2)
	assert.Equal(t, "什么是租约？", pairs[0].Q)
	assert.Equal(t, "领取任务时写入的过期时间。\n过期后任务会被回收。", pairs[0].A)
	assert.Equal(t, QAPair{Q: "How many?", A: "Three."}, pairs[1])

	assert.Empty(t, ParseQAPairs("no markers here"))
}

func TestRateBudget(t *testing.T) {
	b := NewRateBudget(6) // 0.1/s, burst 1
	assert.True(t, b.Allow("m"))
	assert.False(t, b.Allow("m"))
	assert.Equal(t, []string{"m"}, b.Exhausted())
	assert.True(t, b.Allow("other"))

	unlimited := NewRateBudget(0)
	for i := 0; i < 100; i++ {
		require.True(t, unlimited.Allow("m"))
	}
	unlimited.RecordRateLimited("m", time.Hour)
	assert.False(t, unlimited.Allow("m"))
	assert.Equal(t, []string{"m"}, unlimited.Exhausted())
}

func rateLimited() error {
	return &training.ProviderError{Code: "rate_limited", Message: "429", Retryable: true, RateLimited: true}
}

func TestPollerRetriesRateLimitUntilSuccess(t *testing.T) {
	var calls int32
	p := RateLimitPoller{MaxElapsed: time.Second, Interval: 5 * time.Millisecond}
	err := p.Do(context.Background(), "m", func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return rateLimited()
		}
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls)
}

func TestPollerGivesUpAfterMaxElapsed(t *testing.T) {
	var calls int32
	p := RateLimitPoller{MaxElapsed: 30 * time.Millisecond, Interval: 10 * time.Millisecond}
	start := time.Now()
	err := p.Do(context.Background(), "m", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return rateLimited()
	})
	var pe *training.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.RateLimited)
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestPollerStopsOnOtherErrorsAndCancel(t *testing.T) {
	p := RateLimitPoller{MaxElapsed: time.Minute, Interval: time.Millisecond}
	terminal := &training.ProviderError{Code: "rejected", Message: "bad input"}
	var calls int
	err := p.Do(context.Background(), "m", func(context.Context) error {
		calls++
		return terminal
	})
	assert.Same(t, terminal, err)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	slow := RateLimitPoller{MaxElapsed: time.Hour, Interval: time.Minute}
	done := make(chan error, 1)
	go func() {
		done <- slow.Do(ctx, "m", func(context.Context) error { return rateLimited() })
	}()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}

type flakyProvider struct {
	err   error
	calls int32
}

func (f *flakyProvider) Embed(context.Context, string, []string) (EmbedResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return EmbedResult{}, f.err
}

func (f *flakyProvider) Generate(context.Context, string, string, string) (GenerateResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return GenerateResult{}, f.err
}

func (f *flakyProvider) Caption(context.Context, string, string, string) (GenerateResult, error) {
	atomic.AddInt32(&f.calls, 1)
	return GenerateResult{}, f.err
}

func TestGuardedProviderOpensOnTransientFailures(t *testing.T) {
	inner := &flakyProvider{err: &training.ProviderError{Code: "unavailable", Message: "503", Retryable: true}}
	var opened int32
	g := NewGuardedProvider(inner, GuardSettings{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Minute,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				atomic.AddInt32(&opened, 1)
			}
		},
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.Embed(ctx, "m", []string{"x"})
		require.Error(t, err)
	}
	_, err := g.Embed(ctx, "m", []string{"x"})
	var pe *training.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "circuit_open", pe.Code)
	assert.True(t, pe.Retryable)
	assert.EqualValues(t, 3, inner.calls)
	assert.EqualValues(t, 1, opened)

	// 其他模型不受影响
	_, err = g.Embed(ctx, "other", []string{"x"})
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "unavailable", pe.Code)
}

func TestGuardedProviderIgnoresTerminalErrors(t *testing.T) {
	inner := &flakyProvider{err: &training.ProviderError{Code: "rejected", Message: "bad input"}}
	g := NewGuardedProvider(inner, GuardSettings{ConsecutiveFailures: 2})
	for i := 0; i < 5; i++ {
		_, err := g.Generate(context.Background(), "m", "p", fmt.Sprint(i))
		var pe *training.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "rejected", pe.Code)
	}
	assert.EqualValues(t, 5, inner.calls)
}
