package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWaitForShutdownOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := WaitForShutdown(ctx, zaptest.NewLogger(t), time.Second, func(ctx context.Context) error {
		called = true
		// 关闭流程拿到的 ctx 不随父 ctx 取消
		assert.NoError(t, ctx.Err())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWaitForShutdownReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	boom := errors.New("sink close failed")
	err := WaitForShutdown(ctx, zaptest.NewLogger(t), time.Second, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestWaitForShutdownTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)
	begin := time.Now()
	err := WaitForShutdown(ctx, zaptest.NewLogger(t), 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Less(t, time.Since(begin), time.Second)
}
