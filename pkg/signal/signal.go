package signal

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout 关闭流程的默认上限
const DefaultTimeout = 30 * time.Second

// ErrShutdownTimeout 关闭流程超过时限
var ErrShutdownTimeout = errors.New("shutdown timed out")

// WaitForShutdown 阻塞直到收到 SIGINT/SIGTERM 或 ctx 取消，然后在 timeout 内执行关闭。
// shutdownFunc 收到的 ctx 在超时后取消；超时后不再等待其返回。
func WaitForShutdown(ctx context.Context, logger *zap.Logger, timeout time.Duration, shutdownFunc func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("service running, waiting for SIGINT/SIGTERM")
	<-sigCtx.Done()
	if ctx.Err() != nil {
		logger.Info("context cancelled, shutting down", zap.Error(context.Cause(ctx)))
	} else {
		logger.Info("received shutdown signal")
	}
	// 第二次信号走默认处理，直接退出
	stop()

	// 超时控制关闭逻辑
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- shutdownFunc(shutdownCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Error("shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		logger.Error("shutdown did not finish in time", zap.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}
