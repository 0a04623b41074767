package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics 训练流水线指标。未安装 MeterProvider 时 otel 返回 noop 实现。
// 所有 Record 方法允许 nil 接收者。
type Metrics struct {
	JobsClaimed         metric.Int64Counter
	JobsFinished        metric.Int64Counter
	JobDuration         metric.Float64Histogram
	JobsInFlight        metric.Int64UpDownCounter
	ProviderTokens      metric.Int64Counter
	CircuitBreakerState metric.Int64Counter
	UnitsSubmitted      metric.Int64Counter
	LeasesReaped        metric.Int64Counter
	ReindexProcessed    metric.Int64Counter
}

func InitMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter("knowforge"))
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)
	if m.JobsClaimed, err = meter.Int64Counter("training.jobs.claimed",
		metric.WithDescription("Jobs claimed by dispatchers")); err != nil {
		return nil, err
	}
	if m.JobsFinished, err = meter.Int64Counter("training.jobs.finished",
		metric.WithDescription("Job executions by resulting status")); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram("training.job.duration",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.JobsInFlight, err = meter.Int64UpDownCounter("training.jobs.inflight",
		metric.WithDescription("Jobs currently executing in this process")); err != nil {
		return nil, err
	}
	if m.ProviderTokens, err = meter.Int64Counter("provider.tokens.used",
		metric.WithDescription("Tokens consumed by model provider calls")); err != nil {
		return nil, err
	}
	if m.CircuitBreakerState, err = meter.Int64Counter("circuit_breaker.state_changes",
		metric.WithDescription("Provider circuit breaker state changes")); err != nil {
		return nil, err
	}
	if m.UnitsSubmitted, err = meter.Int64Counter("ingest.units.submitted",
		metric.WithDescription("Submitted units by result")); err != nil {
		return nil, err
	}
	if m.LeasesReaped, err = meter.Int64Counter("training.leases.reaped",
		metric.WithDescription("Expired leases recovered")); err != nil {
		return nil, err
	}
	if m.ReindexProcessed, err = meter.Int64Counter("reindex.units.processed",
		metric.WithDescription("Units re-enqueued by reindex")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) RecordClaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.JobsClaimed.Add(context.Background(), int64(n))
}

func (m *Metrics) RecordStarted(mode string) {
	if m == nil {
		return
	}
	m.JobsInFlight.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *Metrics) RecordFinished(mode, status string, seconds float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.JobsInFlight.Add(ctx, -1, metric.WithAttributes(attribute.String("mode", mode)))
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, seconds, attrs)
}

func (m *Metrics) RecordTokens(model, kind string, tokens int) {
	if m == nil || tokens <= 0 {
		return
	}
	m.ProviderTokens.Add(context.Background(), int64(tokens), metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("kind", kind),
	))
}

func (m *Metrics) RecordCircuitBreakerState(model, state string) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("state", state),
	))
}

func (m *Metrics) RecordSubmitted(accepted, rejected int) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.UnitsSubmitted.Add(ctx, int64(accepted), metric.WithAttributes(attribute.String("result", "accepted")))
	m.UnitsSubmitted.Add(ctx, int64(rejected), metric.WithAttributes(attribute.String("result", "rejected")))
}

func (m *Metrics) RecordReaped(requeued, failed int64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.LeasesReaped.Add(ctx, requeued, metric.WithAttributes(attribute.String("result", "requeued")))
	m.LeasesReaped.Add(ctx, failed, metric.WithAttributes(attribute.String("result", "failed")))
}

func (m *Metrics) RecordReindexed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ReindexProcessed.Add(context.Background(), n)
}
