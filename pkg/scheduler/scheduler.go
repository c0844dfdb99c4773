// Package scheduler 提供共享的定时任务池：每个调度条目有独立的周期与相位，
// 执行时占用有限的 worker 槽位。同一条目的执行串行，不同条目互不阻塞。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// ErrRejected 调度器已关闭，拒绝新的任务
var ErrRejected = errors.New("scheduler: task rejected, scheduler is shutting down")

// Task 调度执行的任务。ctx 只在 ShutdownNow 时被取消，取消单个 Handle 不会影响正在执行的任务。
type Task func(ctx context.Context)

// Option 调度器可选项
type Option func(*Scheduler)

// WithClock 替换时钟（测试使用 fake clock）
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler 定时任务池
type Scheduler struct {
	workers int
	sem     *semaphore.Weighted
	clock   clock.Clock
	log     *zap.Logger

	dispatchCtx  context.Context
	stopDispatch context.CancelFunc
	runCtx       context.Context
	cancelRun    context.CancelFunc

	mu       sync.Mutex
	shutdown bool
	entries  map[*Handle]struct{}
	loops    sync.WaitGroup
}

// New 创建调度器，workers 为同时执行任务的最大数量
func New(workers int, opts ...Option) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	s := &Scheduler{
		workers: workers,
		sem:     semaphore.NewWeighted(int64(workers)),
		clock:   clock.RealClock{},
		log:     zap.NewNop(),
		entries: make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatchCtx, s.stopDispatch = context.WithCancel(context.Background())
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	return s
}

// Workers worker 槽位数量
func (s *Scheduler) Workers() int { return s.workers }

// ScheduleAtFixedRate 固定频率调度：第 n 次执行计划在 initialDelay + n*period。
// 单次执行超过周期时，下一次立即开始，错过的周期不补跑。
func (s *Scheduler) ScheduleAtFixedRate(name string, task Task, initialDelay, period time.Duration) (*Handle, error) {
	return s.schedule(name, task, initialDelay, period, true)
}

// ScheduleWithFixedDelay 固定间隔调度：上一次执行结束后等待 delay 再执行。
func (s *Scheduler) ScheduleWithFixedDelay(name string, task Task, initialDelay, delay time.Duration) (*Handle, error) {
	return s.schedule(name, task, initialDelay, delay, false)
}

func (s *Scheduler) schedule(name string, task Task, initialDelay, period time.Duration, fixedRate bool) (*Handle, error) {
	if task == nil {
		return nil, fmt.Errorf("schedule %s: nil task", name)
	}
	if period <= 0 {
		return nil, fmt.Errorf("schedule %s: period must be positive, got %s", name, period)
	}
	if initialDelay < 0 {
		initialDelay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrRejected
	}

	ctx, cancel := context.WithCancel(s.dispatchCtx)
	h := &Handle{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.entries[h] = struct{}{}
	s.loops.Add(1)
	go s.loop(h, task, initialDelay, period, fixedRate)
	return h, nil
}

func (s *Scheduler) loop(h *Handle, task Task, initialDelay, period time.Duration, fixedRate bool) {
	defer s.loops.Done()
	defer s.forget(h)

	next := s.clock.Now().Add(initialDelay)
	timer := s.clock.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-timer.C():
		}

		if err := s.sem.Acquire(h.ctx, 1); err != nil {
			return
		}
		// Acquire 在 ctx 已取消时仍可能成功
		if h.ctx.Err() != nil {
			s.sem.Release(1)
			return
		}
		s.run(h, task)
		s.sem.Release(1)

		now := s.clock.Now()
		if fixedRate {
			next = next.Add(period)
			if next.Before(now) {
				next = now
			}
		} else {
			next = now.Add(period)
		}
		timer.Reset(next.Sub(now))
	}
}

func (s *Scheduler) run(h *Handle, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked",
				zap.String("task", h.name),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	h.runs.Add(1)
	task(s.runCtx)
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	delete(s.entries, h)
	s.mu.Unlock()
	h.cancel()
	close(h.done)
}

// Active 当前仍在调度中的条目数量
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// IsShutdown 是否已经开始关闭
func (s *Scheduler) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Shutdown 停止派发新的执行，正在执行的任务继续运行
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.stopDispatch()
}

// ShutdownNow 停止派发并取消正在执行任务的 ctx
func (s *Scheduler) ShutdownNow() {
	s.Shutdown()
	s.cancelRun()
}

// AwaitTermination 等待所有条目退出，超时返回 false。未调用 Shutdown 时直接返回 false。
func (s *Scheduler) AwaitTermination(timeout time.Duration) bool {
	if !s.IsShutdown() {
		return false
	}
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-s.clock.After(timeout):
		return false
	}
}

// Handle 调度条目句柄
type Handle struct {
	name      string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	runs      atomic.Int64
	done      chan struct{}
}

// Name 条目名称
func (h *Handle) Name() string { return h.name }

// Cancel 停止后续执行，不中断正在执行的任务。首次取消返回 true。
func (h *Handle) Cancel() bool {
	if !h.cancelled.CompareAndSwap(false, true) {
		return false
	}
	h.cancel()
	return true
}

// Cancelled 是否已被取消
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

// Runs 已开始执行的次数
func (h *Handle) Runs() int64 { return h.runs.Load() }

// Done 条目退出调度（取消或关闭）后关闭
func (h *Handle) Done() <-chan struct{} { return h.done }
