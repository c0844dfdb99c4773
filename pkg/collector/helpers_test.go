package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/insight-collector/pkg/catalog"
	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/coordination"
	"github.com/insight-collector/pkg/metrics"
	"github.com/insight-collector/pkg/poller"
	"github.com/insight-collector/pkg/query"
)

var t0 = time.Unix(1_700_000_000, 0)

func testConfig(node string) config.CollectorConfig {
	return config.CollectorConfig{
		DefaultDelay:      60,
		ThreadPoolSize:    5,
		Type:              "sta",
		ReconcileInterval: time.Minute,
		ShutdownTimeout:   time.Second,
		NodeID:            node,
	}
}

func cpuDef(period, minPeriod int) query.Definition {
	return query.Definition{
		Name:      "cpu",
		Requests:  []query.Request{query.AttributeRequest{Name: "load", Target: "load", Attributes: []string{"load1"}}},
		Period:    period,
		MinPeriod: minPeriod,
	}
}

func namedDef(name string, lock query.LockScope) query.Definition {
	return query.Definition{
		Name:     name,
		Requests: []query.Request{query.AttributeRequest{Name: "r", Target: "mem"}},
		Lock:     lock,
		Period:   30,
	}
}

// timerCountingClock 记录 NewTimer 次数，用于确认调度循环已经就绪
type timerCountingClock struct {
	*clocktesting.FakeClock
	timers atomic.Int32
}

func (c *timerCountingClock) NewTimer(d time.Duration) clock.Timer {
	c.timers.Add(1)
	return c.FakeClock.NewTimer(d)
}

// mutableCatalog 测试中可替换内容的清单
type mutableCatalog struct {
	mu   sync.Mutex
	defs []query.Definition
}

func (m *mutableCatalog) set(defs ...query.Definition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs = defs
}

func (m *mutableCatalog) List(context.Context) ([]query.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]query.Definition, len(m.defs))
	copy(out, m.defs)
	return out, nil
}

var _ catalog.Catalog = (*mutableCatalog)(nil)

// gatedCatalog List 在 release 关闭前阻塞
type gatedCatalog struct {
	defs    []query.Definition
	entered chan struct{}
	release chan struct{}
}

func newGatedCatalog(defs ...query.Definition) *gatedCatalog {
	return &gatedCatalog{defs: defs, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedCatalog) List(context.Context) ([]query.Definition, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.defs, nil
}

type fakePoller struct {
	clock clock.PassiveClock

	mu        sync.Mutex
	payload   any
	err       error
	principal poller.Principal
	block     chan struct{}

	calls   atomic.Int32
	started chan struct{}
}

func newFakePoller(c clock.PassiveClock) *fakePoller {
	return &fakePoller{clock: c, payload: 1.0, started: make(chan struct{}, 16)}
}

func (p *fakePoller) set(payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payload = payload
}

func (p *fakePoller) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePoller) Execute(ctx context.Context, principal poller.Principal, server query.Server, def query.Definition) (*query.Result, error) {
	p.calls.Add(1)
	p.mu.Lock()
	payload, err, block := p.payload, p.err, p.block
	p.principal = principal
	p.mu.Unlock()

	select {
	case p.started <- struct{}{}:
	default:
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return query.NewResult(server, def, p.clock.Now(), []query.RequestResult{
		{Name: "load", Target: "load", Value: payload},
	}), nil
}

type storedResult struct {
	typeTag   string
	timestamp int64
	result    *query.Result
}

type recordingSink struct {
	mu     sync.Mutex
	stored []storedResult
	err    error
}

func (s *recordingSink) Store(_ context.Context, typeTag string, timestampMillis int64, result *query.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.stored = append(s.stored, storedResult{typeTag: typeTag, timestamp: timestampMillis, result: result})
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

func (s *recordingSink) timestamps() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.stored))
	for _, r := range s.stored {
		out = append(out, r.timestamp)
	}
	return out
}

type fixture struct {
	collector *Collector
	clock     *timerCountingClock
	poller    *fakePoller
	sink      *recordingSink
	metrics   *metrics.CollectorMetrics
}

type fixtureOption func(*config.CollectorConfig, *Deps)

func withCoordination(c coordination.Client) fixtureOption {
	return func(_ *config.CollectorConfig, d *Deps) { d.Coordination = c }
}

func withJitter(j time.Duration) fixtureOption {
	return func(_ *config.CollectorConfig, d *Deps) { d.Jitter = func() time.Duration { return j } }
}

func withNode(node string) fixtureOption {
	return func(cfg *config.CollectorConfig, _ *Deps) { cfg.NodeID = node }
}

func withRealClock() fixtureOption {
	return func(_ *config.CollectorConfig, d *Deps) { d.Clock = clock.RealClock{} }
}

func withConfig(f func(*config.CollectorConfig)) fixtureOption {
	return func(cfg *config.CollectorConfig, _ *Deps) { f(cfg) }
}

func newFixture(t *testing.T, cat catalog.Catalog, opts ...fixtureOption) *fixture {
	t.Helper()
	fc := &timerCountingClock{FakeClock: clocktesting.NewFakeClock(t0)}
	f := &fixture{
		clock:   fc,
		sink:    &recordingSink{},
		metrics: metrics.NewMetricFactory(metrics.NewPromRegistry(nil)).NewCollectorMetrics(),
	}

	cfg := testConfig("node-1")
	deps := Deps{
		Catalog:   cat,
		Sink:      f.sink,
		Principal: poller.Principal{Name: "admin"},
		Metrics:   f.metrics,
		Clock:     fc,
		Logger:    zaptest.NewLogger(t),
		Host:      "host-1",
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	f.poller = newFakePoller(deps.Clock)
	deps.Poller = f.poller

	c, err := New(cfg, deps)
	require.NoError(t, err)
	f.collector = c
	t.Cleanup(c.Stop)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.collector.Start(context.Background()))
}
