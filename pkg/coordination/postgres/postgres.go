// Package postgres 基于 PostgreSQL 会话级 advisory lock 的协调实现。
// 每个组占用连接池中的一条专用连接，持锁者即为领导者；成员状态写入 collector_group_members 表。
// 组内的抢锁、发布与查询都走这条专用连接，连接池上限即可同时加入的组数。
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/insight-collector/pkg/coordination"
)

const (
	// acquireTimeout Join 等待专用连接的上限，超时后本次加入失败，下个对账周期重试
	acquireTimeout = 5 * time.Second
	queryTimeout   = 5 * time.Second
)

// ErrPoolExhausted 已加入的组占满了连接池
var ErrPoolExhausted = errors.New("postgres: connection pool exhausted by joined groups")

const schema = `
create table if not exists collector_group_members (
	path       text        not null,
	member_id  text        not null,
	state      jsonb       not null,
	updated_at timestamptz not null default now(),
	primary key (path, member_id)
)`

// Options 客户端参数
type Options struct {
	// RetryPeriod 非领导者重试抢锁、领导者检查连接的间隔
	RetryPeriod time.Duration
	Logger      *zap.Logger
}

// Client PostgreSQL 协调客户端
type Client struct {
	pool     *pgxpool.Pool
	ownsPool bool
	retry    time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	groups map[*group]struct{}
	closed bool
}

var _ coordination.Client = (*Client)(nil)

// NewPool 创建并探活连接池
func NewPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// Connect 按 DSN 建立连接池并创建客户端，Close 时一并关闭连接池
func Connect(ctx context.Context, dsn string, maxConns int32, opts Options) (*Client, error) {
	pool, err := NewPool(ctx, dsn, maxConns)
	if err != nil {
		return nil, err
	}
	c, err := New(ctx, pool, opts)
	if err != nil {
		pool.Close()
		return nil, err
	}
	c.ownsPool = true
	return c, nil
}

// New 使用已有连接池创建客户端并确保成员表存在
func New(ctx context.Context, pool *pgxpool.Pool, opts Options) (*Client, error) {
	if opts.RetryPeriod <= 0 {
		opts.RetryPeriod = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("create members table: %w", err)
	}
	return &Client{
		pool:   pool,
		retry:  opts.RetryPeriod,
		logger: opts.Logger,
		groups: make(map[*group]struct{}),
	}, nil
}

// LockKey 组路径对应的 advisory lock 键
func LockKey(path string) int64 {
	return int64(xxhash.Sum64String(path))
}

// Join 获取专用连接并开始竞争该路径的锁
func (c *Client) Join(ctx context.Context, path string) (coordination.Group, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, coordination.ErrClosed
	}
	joined := len(c.groups)
	c.mu.Unlock()

	if limit := c.pool.Config().MaxConns; int32(joined) >= limit {
		c.logger.Warn("too many locked queries for the postgres pool, raise coordination.postgres.max_conns",
			zap.String("path", path), zap.Int("groups", joined), zap.Int32("max_conns", limit))
		return nil, fmt.Errorf("join %s: %w (%d groups, max_conns %d)", path, ErrPoolExhausted, joined, limit)
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, acquireTimeout)
	conn, err := c.pool.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		return nil, fmt.Errorf("acquire connection for %s: %w", path, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g := &group{
		client:   c,
		path:     path,
		key:      LockKey(path),
		memberID: uuid.NewString(),
		conn:     conn,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Release()
		return nil, coordination.ErrClosed
	}
	c.groups[g] = struct{}{}
	c.mu.Unlock()

	// 首次抢锁同步完成，Join 返回时 IsLeader 已反映真实状态
	g.tryAcquire(ctx)
	go g.loop(loopCtx)
	return g, nil
}

// Close 关闭所有组；若连接池由客户端创建则一并关闭
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	groups := make([]*group, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.Unlock()

	var errs []error
	for _, g := range groups {
		errs = append(errs, g.Close())
	}
	if c.ownsPool {
		c.pool.Close()
	}
	return errors.Join(errs...)
}

func (c *Client) forget(g *group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, g)
}

type group struct {
	client   *Client
	path     string
	key      int64
	memberID string
	// connMu 串行化专用连接上的语句，pgx 连接不支持并发使用
	connMu   sync.Mutex
	conn     *pgxpool.Conn
	released bool

	leader atomic.Bool

	mu        sync.Mutex
	listeners []coordination.Listener
	left      bool

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (g *group) Path() string { return g.path }

func (g *group) OnEvent(l coordination.Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

func (g *group) IsLeader() bool { return g.leader.Load() }

func (g *group) emit(t coordination.EventType) {
	g.mu.Lock()
	listeners := make([]coordination.Listener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	ev := coordination.Event{Type: t, Leader: g.IsLeader()}
	for _, l := range listeners {
		l(ev)
	}
}

// tryAcquire 非领导者尝试抢锁；领导者检查专用连接仍然存活。事件在释放连接后通知。
func (g *group) tryAcquire(ctx context.Context) {
	if ev, changed := g.checkLock(ctx); changed {
		g.emit(ev)
	}
}

func (g *group) checkLock(ctx context.Context) (coordination.EventType, bool) {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	if g.leader.Load() {
		if err := g.conn.Ping(ctx); err != nil {
			g.client.logger.Warn("lost advisory lock connection", zap.String("path", g.path), zap.Error(err))
			g.leader.Store(false)
			return coordination.EventDisconnected, true
		}
		return 0, false
	}

	var ok bool
	if err := g.conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", g.key).Scan(&ok); err != nil {
		g.client.logger.Debug("advisory lock attempt failed", zap.String("path", g.path), zap.Error(err))
		return 0, false
	}
	if !ok {
		return 0, false
	}
	g.leader.Store(true)
	g.client.logger.Info("acquired group leadership", zap.String("path", g.path))
	return coordination.EventChanged, true
}

func (g *group) loop(ctx context.Context) {
	defer close(g.done)
	tk := time.NewTicker(g.client.retry)
	defer tk.Stop()
	for {
		select {
		case <-tk.C:
			g.tryAcquire(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (g *group) Publish(state coordination.NodeState) error {
	g.mu.Lock()
	left := g.left
	g.mu.Unlock()
	if left {
		return fmt.Errorf("publish to %s: %w", g.path, coordination.ErrNotJoined)
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal node state: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.released {
		return fmt.Errorf("publish to %s: %w", g.path, coordination.ErrNotJoined)
	}
	_, err = g.conn.Exec(ctx, `
		insert into collector_group_members (path, member_id, state, updated_at)
		values ($1, $2, $3, now())
		on conflict (path, member_id) do update set state = excluded.state, updated_at = now()`,
		g.path, g.memberID, data)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", g.path, err)
	}
	return nil
}

func (g *group) Members() []coordination.NodeState {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.released {
		return nil
	}
	rows, err := g.conn.Query(ctx,
		`select state from collector_group_members where path = $1 order by updated_at`, g.path)
	if err != nil {
		g.client.logger.Debug("list group members failed", zap.String("path", g.path), zap.Error(err))
		return nil
	}
	defer rows.Close()

	var out []coordination.NodeState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var s coordination.NodeState
		if err := json.Unmarshal(raw, &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (g *group) Close() error {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.left = true
		g.mu.Unlock()

		g.cancel()
		<-g.done

		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		g.connMu.Lock()
		defer g.connMu.Unlock()

		var errs []error
		if g.leader.Swap(false) {
			if _, err := g.conn.Exec(ctx, "select pg_advisory_unlock($1)", g.key); err != nil {
				errs = append(errs, fmt.Errorf("unlock %s: %w", g.path, err))
			}
		}
		if _, err := g.conn.Exec(ctx,
			`delete from collector_group_members where path = $1 and member_id = $2`, g.path, g.memberID); err != nil {
			errs = append(errs, fmt.Errorf("remove member from %s: %w", g.path, err))
		}
		g.conn.Release()
		g.released = true
		g.client.forget(g)
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}
