package usage

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"KnowForge/internal/modules/dataset/infrastructure/mq"
	"KnowForge/pkg/zlog"

	"go.uber.org/zap"
)

// Event 一次外部模型调用的用量，成功与否都会记录
type Event struct {
	OwnerID string    `json:"ownerId"`
	Model   string    `json:"model"`
	Kind    string    `json:"kind"`
	Amount  int       `json:"amount"`
	JobID   int64     `json:"jobId"`
	UnitID  int64     `json:"unitId"`
	Success bool      `json:"success"`
	At      time.Time `json:"at"`
}

// Recorder 计费方消费的用量记录入口，调用方不等待结果
type Recorder interface {
	Record(ev Event)
}

type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// AsyncRecorder 带缓冲的异步记录器；缓冲满时丢弃并告警，不阻塞流水线
type AsyncRecorder struct {
	sink    Sink
	ch      chan Event
	dropped atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once
	timeout time.Duration
}

var _ Recorder = (*AsyncRecorder)(nil)

func NewAsyncRecorder(sink Sink, buffer int) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &AsyncRecorder{
		sink:    sink,
		ch:      make(chan Event, buffer),
		timeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *AsyncRecorder) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case r.ch <- ev:
	default:
		n := r.dropped.Add(1)
		zlog.Warn("usage buffer full, event dropped",
			zap.String("owner_id", ev.OwnerID),
			zap.String("model", ev.Model),
			zap.Int64("job_id", ev.JobID),
			zap.Int64("dropped_total", n))
	}
}

// Dropped 因缓冲满被丢弃的事件数
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close 停止接收并写完缓冲中的事件；之后不得再调用 Record
func (r *AsyncRecorder) Close() {
	r.once.Do(func() {
		close(r.ch)
		r.wg.Wait()
	})
}

func (r *AsyncRecorder) loop() {
	defer r.wg.Done()
	for ev := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.Write(ctx, ev); err != nil {
			zlog.Warn("usage sink write failed",
				zap.String("owner_id", ev.OwnerID),
				zap.String("model", ev.Model),
				zap.Error(err))
		}
		cancel()
	}
}

// KafkaSink 以 JSON 写入 kafka，key 为 owner
type KafkaSink struct {
	pub   mq.Publisher
	topic string
}

func NewKafkaSink(pub mq.Publisher, topic string) *KafkaSink {
	return &KafkaSink{pub: pub, topic: topic}
}

func (s *KafkaSink) Write(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.pub.Publish(ctx, mq.Message{
		Topic: s.topic,
		Key:   []byte(ev.OwnerID),
		Value: b,
		Headers: map[string]string{
			"kind":    ev.Kind,
			"model":   ev.Model,
			"success": strconv.FormatBool(ev.Success),
		},
	})
	return err
}

// LogSink 未配置 kafka 时使用
type LogSink struct{}

func (LogSink) Write(_ context.Context, ev Event) error {
	zlog.Info("usage",
		zap.String("owner_id", ev.OwnerID),
		zap.String("model", ev.Model),
		zap.String("kind", ev.Kind),
		zap.Int("amount", ev.Amount),
		zap.Int64("job_id", ev.JobID),
		zap.Bool("success", ev.Success))
	return nil
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Record(Event) {}
