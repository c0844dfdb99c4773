package collector

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/insight-collector/pkg/metrics"
	"github.com/insight-collector/pkg/query"
	"github.com/insight-collector/pkg/registers"
	"github.com/insight-collector/pkg/scheduler"
	"github.com/insight-collector/pkg/sink"
)

// task 查询的执行任务，每个调度周期调用一次
func (c *Collector) task(st *registers.QueryState) scheduler.Task {
	return func(ctx context.Context) {
		ctx, cancel := c.scope(ctx)
		defer cancel()
		outcome := c.execute(ctx, st)
		c.metrics.QueryTicks.WithLabelValues(st.Definition.Name, outcome).Inc()
	}
}

// execute 单次执行，返回结果分类
func (c *Collector) execute(ctx context.Context, st *registers.QueryState) (outcome string) {
	def := st.Definition
	ctx, span := c.tracer.Start(ctx, "collector.query", trace.WithAttributes(
		attribute.String("query", def.Name),
		attribute.String("lock", string(def.Lock)),
	))
	defer func() {
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
	}()

	p, s := c.currentPoller(), c.currentSink()
	if p == nil || s == nil {
		return metrics.OutcomeUnavailable
	}
	if gate := st.Gate(); gate != nil && !gate.IsLeader() {
		return metrics.OutcomeNotLeader
	}

	start := c.clock.Now()
	result, err := p.Execute(ctx, c.principal, st.Server, def)
	c.metrics.PollDuration.WithLabelValues(def.Name).Observe(c.clock.Since(start).Seconds())
	if err != nil {
		c.logger.Error("error retrieving metrics", zap.String("query", def.Name), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		return metrics.OutcomePollError
	}
	if result == nil {
		return metrics.OutcomePollError
	}
	return c.emit(ctx, s, st, result)
}

// emit 发送策略：
// minPeriod <= period 或距上次发送已满 minPeriod 时强制发送；
// 否则结果未变化则暂存不发送，结果变化且有暂存结果时先补发暂存结果再发送新结果。
func (c *Collector) emit(ctx context.Context, s sink.Sink, st *registers.QueryState, fresh *query.Result) string {
	if c.cfg.AlwaysSend {
		return c.store(ctx, s, st, fresh)
	}

	def := st.Definition
	prev := st.Emission()
	force := def.MinPeriod <= def.Period ||
		fresh.Timestamp.Sub(prev.LastSent) >= def.MinPeriodDuration()

	if !force && prev.LastResult != nil {
		if fresh.SameResults(prev.LastResult) {
			st.RecordHeld(fresh)
			return metrics.OutcomeHeld
		}
		if !prev.LastResultSent {
			if err := s.Store(ctx, c.cfg.Type, prev.LastResult.TimestampMillis(), prev.LastResult); err != nil {
				c.logger.Warn("error sending held result",
					zap.String("query", def.Name),
					zap.Int64("timestamp", prev.LastResult.TimestampMillis()),
					zap.Error(err))
			}
		}
	}
	return c.store(ctx, s, st, fresh)
}

func (c *Collector) store(ctx context.Context, s sink.Sink, st *registers.QueryState, r *query.Result) string {
	if err := s.Store(ctx, c.cfg.Type, r.TimestampMillis(), r); err != nil {
		c.logger.Error("error sending metrics",
			zap.String("query", st.Definition.Name),
			zap.Int64("timestamp", r.TimestampMillis()),
			zap.Error(err))
		trace.SpanFromContext(ctx).RecordError(err)
		return metrics.OutcomeStoreError
	}
	st.RecordSent(r)
	return metrics.OutcomeSent
}
