package usage

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"KnowForge/internal/modules/dataset/infrastructure/mq"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (s *memorySink) Write(_ context.Context, ev Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func TestAsyncRecorderDeliversOnClose(t *testing.T) {
	sink := &memorySink{}
	r := NewAsyncRecorder(sink, 16)
	for i := 0; i < 10; i++ {
		r.Record(Event{OwnerID: "o", Model: "m", Amount: i})
	}
	r.Close()
	r.Close()

	require.Len(t, sink.events, 10)
	assert.False(t, sink.events[0].At.IsZero())
	assert.Zero(t, r.Dropped())
}

func TestAsyncRecorderDropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	r := NewAsyncRecorder(sink, 1)

	// 第一条被 loop 取走后阻塞在 sink，第二条占满缓冲，其余被丢弃
	for i := 0; i < 20; i++ {
		r.Record(Event{OwnerID: "o", Amount: i})
	}
	assert.Positive(t, r.Dropped())

	close(sink.block)
	r.Close()
	assert.EqualValues(t, 20, int64(len(sink.events))+r.Dropped())
}

type capturePublisher struct {
	msgs []mq.Message
}

func (p *capturePublisher) Publish(_ context.Context, msg mq.Message) (mq.PublishResult, error) {
	p.msgs = append(p.msgs, msg)
	return mq.PublishResult{}, nil
}

func (p *capturePublisher) Close() error { return nil }

func TestKafkaSinkEncodesEvent(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewKafkaSink(pub, "knowforge.usage")
	require.NoError(t, sink.Write(context.Background(), Event{OwnerID: "team-1", Model: "mock", Kind: "embedding", Amount: 3, Success: true}))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, "knowforge.usage", msg.Topic)
	assert.Equal(t, "team-1", string(msg.Key))
	assert.Equal(t, "true", msg.Headers["success"])

	var ev Event
	require.NoError(t, json.Unmarshal(msg.Value, &ev))
	assert.Equal(t, 3, ev.Amount)
	assert.Equal(t, "embedding", ev.Kind)
}
