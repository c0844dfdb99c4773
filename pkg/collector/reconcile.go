package collector

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/insight-collector/pkg/leader"
	"github.com/insight-collector/pkg/query"
	"github.com/insight-collector/pkg/registers"
	"github.com/insight-collector/pkg/scheduler"
)

// reconcileTick 对账任务。单次失败只记录日志，不影响后续周期。
func (c *Collector) reconcileTick(ctx context.Context) {
	if err := c.Reconcile(ctx); err != nil {
		c.logger.Warn("error while reconciling queries", zap.Error(err))
	}
}

// Reconcile 拉取查询清单并与注册表对账：
// 移除清单中已不存在的定义，为新定义创建状态并调度，未变化的定义保持原样。
func (c *Collector) Reconcile(ctx context.Context) error {
	sched, _ := c.started()
	if sched == nil {
		return ErrNotStarted
	}
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	ctx, cancel := c.scope(ctx)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "collector.reconcile")
	defer span.End()

	start := c.clock.Now()
	defer func() {
		c.metrics.ReconcileDuration.Observe(c.clock.Since(start).Seconds())
		c.metrics.QueriesActive.Set(float64(c.registry.Len()))
	}()

	defs, err := c.catalog.List(ctx)
	if err != nil {
		c.metrics.ReconcileTotal.WithLabelValues("catalog_error").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("list queries: %w", err)
	}
	desired := c.normalize(defs)

	removed := 0
	for _, key := range c.registry.Keys() {
		if desired.contains(key) {
			continue
		}
		if st, ok := c.registry.Remove(key); ok {
			st.Close()
			c.metrics.Forget(key.Name)
			removed++
			c.logger.Info("query removed", zap.String("query", key.Name), zap.Stringer("definition", key))
		}
	}

	added := 0
	for _, def := range desired.defs {
		_, created, err := c.registry.Upsert(def, c.server, c.initState(ctx, sched))
		if errors.Is(err, scheduler.ErrRejected) {
			// 调度器正在关闭
			c.metrics.ReconcileTotal.WithLabelValues("rejected").Inc()
			return nil
		}
		if err != nil {
			c.logger.Warn("unable to schedule query", zap.String("query", def.Name), zap.Error(err))
			continue
		}
		if created {
			added++
			c.logger.Info("query scheduled", zap.String("query", def.Name), zap.Stringer("definition", def))
		}
	}

	span.SetAttributes(
		attribute.Int("queries.desired", len(desired.defs)),
		attribute.Int("queries.added", added),
		attribute.Int("queries.removed", removed),
	)
	c.metrics.ReconcileTotal.WithLabelValues("ok").Inc()
	c.logger.Debug("reconciled queries",
		zap.Int("desired", len(desired.defs)),
		zap.Int("added", added),
		zap.Int("removed", removed),
		zap.Int("active", c.registry.Len()))
	return nil
}

// definitionSet 按结构相等去重的定义集合
type definitionSet struct {
	defs   []query.Definition
	byHash map[uint64][]query.Definition
}

func (s *definitionSet) contains(def query.Definition) bool {
	for _, d := range s.byHash[def.Hash()] {
		if d.Equal(def) {
			return true
		}
	}
	return false
}

func (s *definitionSet) add(def query.Definition) {
	if s.contains(def) {
		return
	}
	h := def.Hash()
	s.byHash[h] = append(s.byHash[h], def)
	s.defs = append(s.defs, def)
}

// normalize 补齐默认值并校验，非法定义记录日志后丢弃
func (c *Collector) normalize(defs []query.Definition) *definitionSet {
	set := &definitionSet{byHash: make(map[uint64][]query.Definition, len(defs))}
	for _, def := range defs {
		def = def.WithDefaults(c.cfg.DefaultDelay)
		if err := def.Validate(); err != nil {
			c.logger.Warn("invalid query definition dropped", zap.String("query", def.Name), zap.Error(err))
			continue
		}
		set.add(def)
	}
	return set
}

// initState 新状态的初始化：读取元数据、加入集群组、按周期调度执行任务
func (c *Collector) initState(ctx context.Context, sched *scheduler.Scheduler) registers.InitFunc {
	return func(st *registers.QueryState) error {
		def := st.Definition
		if def.Metadata != "" {
			md, err := c.metadata.Fetch(ctx, def.Metadata)
			if err != nil {
				c.logger.Warn("unable to load query metadata",
					zap.String("query", def.Name), zap.String("metadata", def.Metadata), zap.Error(err))
			} else {
				st.SetMetadata(md)
			}
		}

		if def.Lock != query.LockNone {
			if c.coord == nil {
				return fmt.Errorf("query %s requires a %s lock but no coordination client is configured", def.Name, def.Lock)
			}
			gate, err := leader.Join(ctx, c.coord, def, c.server.ID, c.host,
				c.logger.With(zap.String("query", def.Name)))
			if err != nil {
				return err
			}
			st.SetGate(gate)
		}

		delay := c.jitter()
		h, err := sched.ScheduleAtFixedRate(def.Name, c.task(st), delay, def.PeriodDuration())
		if err != nil {
			return err
		}
		st.SetHandle(h)
		trace.SpanFromContext(ctx).AddEvent("query scheduled", trace.WithAttributes(
			attribute.String("query", def.Name),
			attribute.Int64("initial_delay_ms", delay.Milliseconds()),
		))
		return nil
	}
}
