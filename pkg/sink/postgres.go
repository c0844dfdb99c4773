package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/query"
)

// Postgres 每个结果一行，results 以 jsonb 保存
type Postgres struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// NewPostgres 连接数据库并确保结果表存在
func NewPostgres(ctx context.Context, cfg config.PostgresSinkConfig, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	p, err := newPostgresWithPool(ctx, pool, cfg.Table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func newPostgresWithPool(ctx context.Context, pool *pgxpool.Pool, table string, logger *zap.Logger) (*Postgres, error) {
	if table == "" {
		table = "metrics_results"
	}
	ident := pgx.Identifier{table}.Sanitize()
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			id         uuid        primary key,
			type       text        not null,
			ts         timestamptz not null,
			server     text        not null,
			query      text        not null,
			results    jsonb       not null,
			created_at timestamptz not null default now()
		)`, ident)
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	return &Postgres{pool: pool, table: ident, logger: logger}, nil
}

// Store 写入一行
func (p *Postgres) Store(ctx context.Context, typeTag string, timestampMillis int64, result *query.Result) error {
	rec := NewRecord(typeTag, timestampMillis, result)
	payload, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		fmt.Sprintf(`insert into %s (id, type, ts, server, query, results) values ($1, $2, $3, $4, $5, $6)`, p.table),
		uuid.New(), rec.Type, time.UnixMilli(rec.Timestamp), rec.Server, rec.Query, payload)
	if err != nil {
		return fmt.Errorf("insert result of %s: %w", rec.Query, err)
	}
	return nil
}

// Close 关闭连接池
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
