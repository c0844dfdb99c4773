package metrics

import "github.com/prometheus/client_golang/prometheus"

// 查询执行结果
const (
	OutcomeSent        = "sent"
	OutcomeHeld        = "held"
	OutcomeNotLeader   = "not_leader"
	OutcomeUnavailable = "unavailable"
	OutcomePollError   = "poll_error"
	OutcomeStoreError  = "store_error"
)

// NewReconcileTotal 创建「对账次数」指标
// 指标类型：Counter（计数器）
// 标签说明：
// result: ok 成功；catalog_error 获取查询清单失败；rejected 调度器已关闭
func (m *MetricFactory) NewReconcileTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "reconcile_total",
		Help:      "Total reconcile ticks",
	}, []string{"result"})
	m.reg.MustRegister(c)
	return c
}

// NewReconcileDurationSeconds 创建「单次对账耗时」指标，包含元数据获取与加入集群组的时间
func (m *MetricFactory) NewReconcileDurationSeconds() prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of a reconcile tick",
		Buckets:   prometheus.DefBuckets,
	})
	m.reg.MustRegister(h)
	return h
}

// NewQueriesActive 当前注册表中的查询数量
func (m *MetricFactory) NewQueriesActive() prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "queries_active",
		Help:      "Number of scheduled queries",
	})
	m.reg.MustRegister(g)
	return g
}

// NewQueryTicksTotal 创建「查询执行次数」指标
// 指标类型：Counter（计数器）
// 标签说明：
// query: 查询名称
// outcome: sent / held / not_leader / unavailable / poll_error / store_error
func (m *MetricFactory) NewQueryTicksTotal() *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "query_ticks_total",
		Help:      "Total query ticks by outcome",
	}, []string{"query", "outcome"})
	m.reg.MustRegister(c)
	return c
}

// NewPollDurationSeconds 创建「后端轮询耗时分布」指标
// 指标类型：Histogram（直方图）
// 分桶说明：0.01s ~ 5.12s 指数分桶，覆盖本机采集与远程管理接口
func (m *MetricFactory) NewPollDurationSeconds() *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "poll_duration_seconds",
		Help:      "Backend poll duration per query",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"query"})
	m.reg.MustRegister(h)
	return h
}

// CollectorMetrics 采集调度器使用的全部自监控指标
type CollectorMetrics struct {
	ReconcileTotal    *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	QueriesActive     prometheus.Gauge
	QueryTicks        *prometheus.CounterVec
	PollDuration      *prometheus.HistogramVec
}

// NewCollectorMetrics 一次性创建并注册
func (m *MetricFactory) NewCollectorMetrics() *CollectorMetrics {
	return &CollectorMetrics{
		ReconcileTotal:    m.NewReconcileTotal(),
		ReconcileDuration: m.NewReconcileDurationSeconds(),
		QueriesActive:     m.NewQueriesActive(),
		QueryTicks:        m.NewQueryTicksTotal(),
		PollDuration:      m.NewPollDurationSeconds(),
	}
}

// Forget 删除已移除查询的标签序列
func (c *CollectorMetrics) Forget(query string) {
	c.QueryTicks.DeletePartialMatch(prometheus.Labels{"query": query})
	c.PollDuration.DeletePartialMatch(prometheus.Labels{"query": query})
}
