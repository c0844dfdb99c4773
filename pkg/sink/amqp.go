package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/query"
)

// AMQP 发布到 topic exchange，路由键为类型标签。
// 连接断开后在下一次 Store 时重连，本次结果返回错误。
type AMQP struct {
	url      string
	exchange string
	logger   *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewAMQP 建立连接并声明 exchange
func NewAMQP(cfg config.AMQPSinkConfig, logger *zap.Logger) (*AMQP, error) {
	a := &AMQP{url: cfg.URL, exchange: cfg.Exchange, logger: logger}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQP) connectLocked() error {
	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", a.exchange, err)
	}
	a.conn, a.channel = conn, ch
	a.logger.Info("connected to amqp broker", zap.String("exchange", a.exchange))
	return nil
}

// Store 发布一条持久化消息
func (a *AMQP) Store(ctx context.Context, typeTag string, timestampMillis int64, result *query.Result) error {
	body, err := json.Marshal(NewRecord(typeTag, timestampMillis, result))
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("amqp sink closed")
	}
	if a.conn == nil || a.conn.IsClosed() || a.channel == nil || a.channel.IsClosed() {
		a.logger.Warn("amqp connection lost, reconnecting")
		if err := a.connectLocked(); err != nil {
			return err
		}
	}

	err = a.channel.PublishWithContext(ctx, a.exchange, typeTag, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.UnixMilli(timestampMillis),
		Type:         result.Query,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish result of %s: %w", result.Query, err)
	}
	return nil
}

// Close 关闭通道与连接
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.channel != nil {
		if err := a.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
