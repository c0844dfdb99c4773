// Package collector 指标采集调度：周期性地把查询清单与注册表对账，
// 为每个查询调度独立的执行任务，按需经过集群锁，最终写入存储。
package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/insight-collector/pkg/catalog"
	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/coordination"
	"github.com/insight-collector/pkg/metadata"
	"github.com/insight-collector/pkg/metrics"
	"github.com/insight-collector/pkg/poller"
	"github.com/insight-collector/pkg/query"
	"github.com/insight-collector/pkg/registers"
	"github.com/insight-collector/pkg/scheduler"
	"github.com/insight-collector/pkg/sink"
	"github.com/insight-collector/pkg/tracing"
)

var (
	ErrStarted    = errors.New("collector: already started")
	ErrNotStarted = errors.New("collector: not started")
	ErrStopped    = errors.New("collector: stopped")
)

// Deps 外部协作方。Poller / Sink 可为空，之后通过 Bind 绑定。
type Deps struct {
	Catalog      catalog.Catalog
	Coordination coordination.Client
	Metadata     metadata.Fetcher
	Poller       poller.Poller
	Sink         sink.Sink
	Principal    poller.Principal
	Metrics      *metrics.CollectorMetrics
	Tracer       trace.Tracer
	Clock        clock.Clock
	Logger       *zap.Logger
	// Host 主机级锁使用的主机名，为空时取 os.Hostname
	Host string
	// Jitter 首次执行延迟，为空时在 [1ms, 1000ms] 内随机
	Jitter func() time.Duration
}

type pollerRef struct{ poller.Poller }

type sinkRef struct{ sink.Sink }

// Collector 查询调度器的进程级状态，显式 Start / Stop
type Collector struct {
	cfg       config.CollectorConfig
	server    query.Server
	host      string
	catalog   catalog.Catalog
	coord     coordination.Client
	metadata  metadata.Fetcher
	principal poller.Principal
	metrics   *metrics.CollectorMetrics
	tracer    trace.Tracer
	clock     clock.Clock
	logger    *zap.Logger
	jitter    func() time.Duration

	registry *registers.Registry
	poller   atomic.Pointer[pollerRef]
	sink     atomic.Pointer[sinkRef]

	mu        sync.Mutex
	sched     *scheduler.Scheduler
	reconcile *scheduler.Handle
	baseCtx   context.Context
	stopped   bool

	reconcileMu sync.Mutex
}

// New 创建采集调度器，未设置的协作方使用默认实现
func New(cfg config.CollectorConfig, deps Deps) (*Collector, error) {
	if deps.Catalog == nil {
		return nil, errors.New("collector: catalog is required")
	}
	if cfg.DefaultDelay <= 0 {
		return nil, fmt.Errorf("collector: default delay must be positive, got %d", cfg.DefaultDelay)
	}
	if cfg.Type == "" {
		cfg.Type = "sta"
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = time.Duration(cfg.DefaultDelay) * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Metadata == nil {
		deps.Metadata = metadata.NewClient(0)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetricFactory(metrics.NewPromRegistry(nil)).NewCollectorMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer(tracing.InstrumentationName)
	}
	if deps.Jitter == nil {
		deps.Jitter = randomJitter
	}
	if deps.Host == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve host name: %w", err)
		}
		deps.Host = host
	}

	c := &Collector{
		cfg:       cfg,
		server:    query.Server{ID: cfg.ResolveNodeID()},
		host:      deps.Host,
		catalog:   deps.Catalog,
		coord:     deps.Coordination,
		metadata:  deps.Metadata,
		principal: deps.Principal,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		clock:     deps.Clock,
		logger:    deps.Logger,
		jitter:    deps.Jitter,
		registry:  registers.NewRegistry(),
	}
	if deps.Poller != nil {
		c.BindPoller(deps.Poller)
	}
	if deps.Sink != nil {
		c.BindSink(deps.Sink)
	}
	return c, nil
}

// randomJitter [1ms, 1000ms]
func randomJitter() time.Duration {
	return time.Duration(1+rand.Int64N(1000)) * time.Millisecond
}

// Server 本节点身份
func (c *Collector) Server() query.Server { return c.server }

// Registry 查询注册表
func (c *Collector) Registry() *registers.Registry { return c.registry }

// Start 创建调度器并调度对账任务（1s 后首次执行，之后按 reconcile_interval 固定间隔）。
// ctx 取消后，对账与查询任务对外的调用随之取消。
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.sched != nil {
		return ErrStarted
	}

	sched := scheduler.New(c.cfg.ThreadPoolSize,
		scheduler.WithClock(c.clock),
		scheduler.WithLogger(c.logger.With(zap.String("component", "scheduler"))))
	c.sched = sched
	c.baseCtx = ctx

	h, err := sched.ScheduleWithFixedDelay("reconcile", c.reconcileTick, time.Second, c.cfg.ReconcileInterval)
	if err != nil {
		c.sched = nil
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	c.reconcile = h

	c.logger.Info("collector started",
		zap.String("node", c.server.ID),
		zap.Int("workers", sched.Workers()),
		zap.Duration("reconcile_interval", c.cfg.ReconcileInterval),
		zap.Int("default_delay", c.cfg.DefaultDelay),
		zap.String("type", c.cfg.Type))
	return nil
}

// Running 已启动且未停止
func (c *Collector) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched != nil && !c.stopped
}

func (c *Collector) started() (*scheduler.Scheduler, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sched, c.baseCtx
}

// scope 把调度器传入的 ctx 与 Start 的 ctx 合并，任一取消都生效
func (c *Collector) scope(ctx context.Context) (context.Context, context.CancelFunc) {
	_, base := c.started()
	ctx, cancel := context.WithCancel(ctx)
	if base == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Stop 两阶段关闭：先停止派发并等待在途任务，再取消在途任务并等待，
// 最后无论前两步结果如何都关闭全部查询状态。可重复调用。
func (c *Collector) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	sched := c.sched
	c.mu.Unlock()

	if sched != nil {
		sched.Shutdown()
		graceful := sched.AwaitTermination(c.cfg.ShutdownTimeout)
		sched.ShutdownNow()
		if !graceful {
			c.logger.Warn("in-flight ticks did not finish, cancelling",
				zap.Duration("timeout", c.cfg.ShutdownTimeout))
			if !sched.AwaitTermination(c.cfg.ShutdownTimeout) {
				c.logger.Warn("scheduler did not terminate after cancellation",
					zap.Duration("timeout", c.cfg.ShutdownTimeout))
			}
		}
	}

	// 等待进行中的对账结束，避免其在清空之后再插入状态
	c.reconcileMu.Lock()
	states := c.registry.Drain()
	c.reconcileMu.Unlock()
	for _, st := range states {
		st.Close()
		c.metrics.Forget(st.Definition.Name)
	}
	c.metrics.QueriesActive.Set(0)
	c.logger.Info("collector stopped", zap.Int("queries_closed", len(states)))
}

// BindPoller 绑定后端轮询器
func (c *Collector) BindPoller(p poller.Poller) {
	c.poller.Store(&pollerRef{p})
}

// UnbindPoller 解绑后端轮询器，之后的执行周期为空操作
func (c *Collector) UnbindPoller() {
	c.poller.Store(nil)
}

// BindSink 绑定存储
func (c *Collector) BindSink(s sink.Sink) {
	c.sink.Store(&sinkRef{s})
}

// UnbindSink 解绑存储
func (c *Collector) UnbindSink() {
	c.sink.Store(nil)
}

func (c *Collector) currentPoller() poller.Poller {
	if ref := c.poller.Load(); ref != nil {
		return ref.Poller
	}
	return nil
}

func (c *Collector) currentSink() sink.Sink {
	if ref := c.sink.Load(); ref != nil {
		return ref.Sink
	}
	return nil
}

// Queries 诊断视图：查询名 → 元数据
func (c *Collector) Queries() map[string]map[string]any {
	return c.registry.Snapshot()
}
