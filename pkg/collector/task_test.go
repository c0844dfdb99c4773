package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/insight-collector/pkg/catalog"
	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/coordination/memory"
	"github.com/insight-collector/pkg/leader"
	"github.com/insight-collector/pkg/metrics"
	"github.com/insight-collector/pkg/query"
	"github.com/insight-collector/pkg/registers"
)

// tickAt 把时钟设到 t0+offset 后执行一次
func (f *fixture) tickAt(st *registers.QueryState, offset time.Duration) string {
	f.clock.SetTime(t0.Add(offset))
	outcome := f.collector.execute(context.Background(), st)
	f.collector.metrics.QueryTicks.WithLabelValues(st.Definition.Name, outcome).Inc()
	return outcome
}

func millis(offsets ...time.Duration) []int64 {
	out := make([]int64, 0, len(offsets))
	for _, o := range offsets {
		out = append(out, t0.Add(o).UnixMilli())
	}
	return out
}

func TestEmissionHoldsUnchangedResults(t *testing.T) {
	f := newFixture(t, catalog.Static{})
	st := registers.NewQueryState(cpuDef(10, 60), f.collector.Server())
	s := time.Second

	f.poller.set(1.0)
	assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, 0), "first result is always sent")
	assert.Equal(t, metrics.OutcomeHeld, f.tickAt(st, 10*s))
	assert.Equal(t, metrics.OutcomeHeld, f.tickAt(st, 20*s))

	// 结果变化：先补发暂存的结果，再发送新结果
	f.poller.set(2.0)
	assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, 30*s))
	assert.Equal(t, millis(0, 20*s, 30*s), f.sink.timestamps())

	assert.Equal(t, metrics.OutcomeHeld, f.tickAt(st, 40*s))
	// 距上次发送已满 minPeriod，强制发送
	assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, 90*s))
	// 上一个结果已发送，变化后只发送新结果
	f.poller.set(3.0)
	assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, 100*s))

	assert.Equal(t, millis(0, 20*s, 30*s, 90*s, 100*s), f.sink.timestamps())
	em := st.Emission()
	assert.True(t, em.LastResultSent)
	assert.Equal(t, t0.Add(100*s), em.LastSent)
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.QueryTicks.WithLabelValues("cpu", metrics.OutcomeHeld)))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.QueryTicks.WithLabelValues("cpu", metrics.OutcomeSent)))
}

func TestEmissionForcedWhenMinPeriodNotAbovePeriod(t *testing.T) {
	f := newFixture(t, catalog.Static{})
	for _, def := range []query.Definition{cpuDef(30, 30), cpuDef(30, 10)} {
		st := registers.NewQueryState(def, f.collector.Server())
		before := f.sink.count()
		for i := 0; i < 3; i++ {
			assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, time.Duration(i)*30*time.Second))
		}
		assert.Equal(t, before+3, f.sink.count(), "one store per tick")
	}
}

func TestAlwaysSendStoresEveryTick(t *testing.T) {
	f := newFixture(t, catalog.Static{}, withConfig(func(cfg *config.CollectorConfig) { cfg.AlwaysSend = true }))
	st := registers.NewQueryState(cpuDef(10, 60), f.collector.Server())
	for i := 0; i < 4; i++ {
		assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, time.Duration(i)*10*time.Second))
	}
	assert.Equal(t, 4, f.sink.count())
}

func TestTaskNoopWhenCollaboratorsUnavailable(t *testing.T) {
	f := newFixture(t, catalog.Static{})
	st := registers.NewQueryState(cpuDef(30, 30), f.collector.Server())

	f.collector.UnbindSink()
	assert.Equal(t, metrics.OutcomeUnavailable, f.tickAt(st, 0))
	f.collector.BindSink(f.sink)
	f.collector.UnbindPoller()
	assert.Equal(t, metrics.OutcomeUnavailable, f.tickAt(st, time.Second))
	assert.Equal(t, int32(0), f.poller.calls.Load())
	assert.Equal(t, 0, f.sink.count())

	f.collector.BindPoller(f.poller)
	assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, 2*time.Second))
	assert.Equal(t, "sta", f.sink.stored[0].typeTag)
	assert.Equal(t, "node-1", f.sink.stored[0].result.Server.ID)
}

func TestTaskSkipsWhenNotLeader(t *testing.T) {
	hub := memory.NewHub()
	defer hub.Close()
	f := newFixture(t, catalog.Static{})
	def := namedDef("jvm", query.LockHost)
	ctx := context.Background()

	other, err := leader.Join(ctx, hub, def, "node-0", "host-1", zaptest.NewLogger(t))
	require.NoError(t, err)
	gate, err := leader.Join(ctx, hub, def, "node-1", "host-1", zaptest.NewLogger(t))
	require.NoError(t, err)
	st := registers.NewQueryState(def, f.collector.Server())
	st.SetGate(gate)

	assert.Equal(t, metrics.OutcomeNotLeader, f.tickAt(st, 0))
	assert.Equal(t, int32(0), f.poller.calls.Load())

	require.NoError(t, other.Close())
	assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, time.Second))

	st.Close()
	assert.Equal(t, leader.Closed, gate.State())
}

func TestTaskErrorsDoNotRecord(t *testing.T) {
	f := newFixture(t, catalog.Static{})
	st := registers.NewQueryState(cpuDef(30, 30), f.collector.Server())

	f.poller.fail(errors.New("connection refused"))
	assert.Equal(t, metrics.OutcomePollError, f.tickAt(st, 0))
	assert.Equal(t, 0, f.sink.count())

	f.poller.fail(nil)
	f.sink.err = errors.New("sink down")
	assert.Equal(t, metrics.OutcomeStoreError, f.tickAt(st, time.Second))
	assert.Nil(t, st.Emission().LastResult)

	f.sink.err = nil
	assert.Equal(t, metrics.OutcomeSent, f.tickAt(st, 2*time.Second))
	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.PollDuration, "insight_poll_duration_seconds"))
}
