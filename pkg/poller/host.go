package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/insight-collector/pkg/query"
)

// SnapshotFunc 读取目标对象的当前快照，返回值按 JSON 字段名展开为属性
type SnapshotFunc func(ctx context.Context, target string) (any, error)

// HostOption Host 轮询器选项
type HostOption func(*Host)

// WithSnapshot 替换快照来源，测试使用
func WithSnapshot(fn SnapshotFunc) HostOption {
	return func(h *Host) { h.snapshot = fn }
}

// WithHostClock 替换时钟
func WithHostClock(c clock.PassiveClock) HostOption {
	return func(h *Host) { h.clock = c }
}

// WithHostLogger 设置日志
func WithHostLogger(l *zap.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// Host 本机资源轮询器（gopsutil）
//
// 目标：
//
//	cpu            CPU 累计时间，以及与上次采样相比的各模式使用率
//	cpuinfo        型号、物理核心数、逻辑核心数
//	load           1/5/15 分钟负载
//	mem / swap     内存 / 交换分区
//	host           主机信息
//	disk:<path>    挂载点使用情况
//	net[:<nic>]    网卡流量计数，不带网卡名为汇总
//
// 操作：cpu.percent(intervalMs, perCPU)、cpu.counts(logical)、disk.usage(path)、net.counters(perNIC)
type Host struct {
	snapshot SnapshotFunc
	clock    clock.PassiveClock
	logger   *zap.Logger

	mu        sync.Mutex
	lastTimes map[string]cpu.TimesStat // 上一次 CPU 时间，按 查询名/目标 区分
}

var _ Poller = (*Host)(nil)

// NewHost 创建本机轮询器
func NewHost(opts ...HostOption) *Host {
	h := &Host{
		clock:     clock.RealClock{},
		logger:    zap.NewNop(),
		lastTimes: make(map[string]cpu.TimesStat),
	}
	h.snapshot = h.gopsutilSnapshot
	for _, o := range opts {
		o(h)
	}
	return h
}

// Execute 依次执行查询中的每个请求，任一请求失败则整个查询失败
func (h *Host) Execute(ctx context.Context, _ Principal, server query.Server, def query.Definition) (*query.Result, error) {
	results := make([]query.RequestResult, 0, len(def.Requests))
	for _, req := range def.Requests {
		var rr query.RequestResult
		var err error
		switch r := req.(type) {
		case query.AttributeRequest:
			rr, err = h.readAttributes(ctx, def.Name, r)
		case query.OperationRequest:
			rr, err = h.invoke(ctx, r)
		default:
			err = fmt.Errorf("%w: %T", ErrUnsupported, req)
		}
		if err != nil {
			return nil, fmt.Errorf("query %s request %s: %w", def.Name, req.RequestName(), err)
		}
		results = append(results, rr)
	}
	return query.NewResult(server, def, h.clock.Now(), results), nil
}

func (h *Host) readAttributes(ctx context.Context, queryName string, r query.AttributeRequest) (query.RequestResult, error) {
	snap, err := h.snapshot(ctx, r.Target)
	if err != nil {
		return query.RequestResult{}, err
	}
	attrs, err := flatten(snap)
	if err != nil {
		return query.RequestResult{}, err
	}
	if r.Target == "cpu" {
		h.addCPUUsage(queryName, attrs)
	}
	selected, err := selectAttributes(attrs, r.Attributes)
	if err != nil {
		return query.RequestResult{}, err
	}
	return query.RequestResult{Name: r.Name, Target: r.Target, Attributes: selected}, nil
}

// addCPUUsage 用两次采样的时间差计算各模式使用率，首次采样不计算
func (h *Host) addCPUUsage(queryName string, attrs map[string]any) {
	cur := cpu.TimesStat{
		User: num(attrs["user"]), Nice: num(attrs["nice"]), System: num(attrs["system"]),
		Idle: num(attrs["idle"]), Iowait: num(attrs["iowait"]), Irq: num(attrs["irq"]),
		Softirq: num(attrs["softirq"]), Steal: num(attrs["steal"]),
	}
	key := queryName + "/cpu"

	h.mu.Lock()
	last, ok := h.lastTimes[key]
	h.lastTimes[key] = cur
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("first cpu sample, skip usage calc", zap.String("query", queryName))
		return
	}

	deltas := map[string]float64{
		"user":    cur.User - last.User,
		"nice":    cur.Nice - last.Nice,
		"system":  cur.System - last.System,
		"idle":    cur.Idle - last.Idle,
		"iowait":  cur.Iowait - last.Iowait,
		"irq":     cur.Irq - last.Irq,
		"softirq": cur.Softirq - last.Softirq,
		"steal":   cur.Steal - last.Steal,
	}
	var total float64
	for _, d := range deltas {
		total += d
	}
	if total <= 0 {
		return
	}
	modes := make(map[string]any, len(deltas))
	for mode, d := range deltas {
		modes[mode] = d / total * 100
	}
	attrs["modes"] = modes
	attrs["usage_percent"] = (total - deltas["idle"]) / total * 100
}

func (h *Host) gopsutilSnapshot(ctx context.Context, target string) (any, error) {
	kind, arg, _ := strings.Cut(target, ":")
	switch kind {
	case "cpu":
		times, err := cpu.TimesWithContext(ctx, false)
		if err != nil {
			return nil, fmt.Errorf("get cpu times: %w", err)
		}
		if len(times) == 0 {
			return nil, fmt.Errorf("get cpu times: no data")
		}
		return times[0], nil
	case "cpuinfo":
		return cpuInfo(ctx)
	case "load":
		return load.AvgWithContext(ctx)
	case "mem":
		return mem.VirtualMemoryWithContext(ctx)
	case "swap":
		return mem.SwapMemoryWithContext(ctx)
	case "host":
		return host.InfoWithContext(ctx)
	case "disk":
		if arg == "" {
			arg = "/"
		}
		return disk.UsageWithContext(ctx, arg)
	case "net":
		counters, err := net.IOCountersWithContext(ctx, arg != "")
		if err != nil {
			return nil, fmt.Errorf("get net counters: %w", err)
		}
		for _, c := range counters {
			if arg == "" || c.Name == arg {
				return c, nil
			}
		}
		return nil, fmt.Errorf("network interface %q not found", arg)
	default:
		return nil, fmt.Errorf("%w: target %q", ErrUnsupported, target)
	}
}

// cpuInfo 物理核心数优先取 cores 合计，缺失时回退为逻辑核心数
func cpuInfo(ctx context.Context) (map[string]any, error) {
	infos, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("get cpu info: %w", err)
	}
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("get cpu counts: %w", err)
	}
	var model string
	var physical int32
	for _, in := range infos {
		if model == "" {
			model = in.ModelName
		}
		physical += in.Cores
	}
	if physical <= 0 {
		physical = int32(logical)
	}
	return map[string]any{"model_name": model, "physical_cores": physical, "logical_cores": logical}, nil
}

func (h *Host) invoke(ctx context.Context, r query.OperationRequest) (query.RequestResult, error) {
	var value any
	var err error
	switch r.Operation {
	case "cpu.percent":
		interval := time.Duration(argInt(r.Args, 0, 0)) * time.Millisecond
		value, err = cpu.PercentWithContext(ctx, interval, argBool(r.Args, 1, false))
	case "cpu.counts":
		value, err = cpu.CountsWithContext(ctx, argBool(r.Args, 0, true))
	case "disk.usage":
		path := argString(r.Args, 0, "/")
		var u *disk.UsageStat
		if u, err = disk.UsageWithContext(ctx, path); err == nil {
			value, err = flatten(u)
		}
	case "net.counters":
		var counters []net.IOCountersStat
		if counters, err = net.IOCountersWithContext(ctx, argBool(r.Args, 0, false)); err == nil {
			value, err = flattenList(counters)
		}
	default:
		return query.RequestResult{}, fmt.Errorf("%w: operation %q", ErrUnsupported, r.Operation)
	}
	if err != nil {
		return query.RequestResult{}, fmt.Errorf("invoke %s: %w", r.Operation, err)
	}
	return query.RequestResult{Name: r.Name, Target: r.Target, Value: value}, nil
}

// flatten 通过 JSON 往返把任意结构转换为属性表，保证与 JSON 文档中的字段名一致
func flatten(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return out, nil
}

func flattenList(v any) ([]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// selectAttributes 空列表返回全部属性，请求不存在的属性报错
func selectAttributes(attrs map[string]any, names []string) (map[string]any, error) {
	if len(names) == 0 {
		return attrs, nil
	}
	out := make(map[string]any, len(names))
	for _, n := range names {
		v, ok := attrs[n]
		if !ok {
			return nil, fmt.Errorf("attribute %q not found", n)
		}
		out[n] = v
	}
	return out, nil
}

func num(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func argInt(args []any, i int, def int64) int64 {
	if i >= len(args) {
		return def
	}
	switch n := args[i].(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	default:
		return def
	}
}

func argBool(args []any, i int, def bool) bool {
	if i >= len(args) {
		return def
	}
	if b, ok := args[i].(bool); ok {
		return b
	}
	return def
}

func argString(args []any, i int, def string) string {
	if i >= len(args) {
		return def
	}
	if s, ok := args[i].(string); ok && s != "" {
		return s
	}
	return def
}
