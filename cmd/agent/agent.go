package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"github.com/insight-collector/cmd/server"
	"github.com/insight-collector/pkg/catalog"
	"github.com/insight-collector/pkg/collector"
	"github.com/insight-collector/pkg/config"
	"github.com/insight-collector/pkg/coordination"
	"github.com/insight-collector/pkg/coordination/kube"
	"github.com/insight-collector/pkg/coordination/memory"
	"github.com/insight-collector/pkg/coordination/postgres"
	"github.com/insight-collector/pkg/logger"
	"github.com/insight-collector/pkg/metadata"
	"github.com/insight-collector/pkg/metrics"
	"github.com/insight-collector/pkg/poller"
	"github.com/insight-collector/pkg/signal"
	"github.com/insight-collector/pkg/sink"
	"github.com/insight-collector/pkg/tracing"
	"github.com/insight-collector/pkg/util"
)

const projectName = "insight-collector"

func runAgent(ctx context.Context, cfg *config.Config) error {
	nodeID := cfg.Collector.ResolveNodeID()
	util.PrintBanner(projectName, util.ColorBlue, fmt.Sprintf("node %s, version %s", nodeID, server.Version))

	// 初始化日志
	log, err := logger.Init(cfg.Log)
	if err != nil {
		return fmt.Errorf("日志初始化失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.SetDefaultComponent("agent")
	logger.Info("log initialization successful", "",
		zap.String("path", cfg.Log.Path),
		zap.String("level", cfg.Log.Level),
		zap.String("format", cfg.Log.Format))

	tracer, shutdownTracing, err := tracing.Init(cfg.Tracing, nodeID)
	if err != nil {
		return err
	}

	registry := metrics.NewProcessRegistry()
	collectorMetrics := metrics.NewMetricFactory(registry).NewCollectorMetrics()

	coord, err := newCoordination(ctx, cfg.Coordination, nodeID, logger.Component("coordination"))
	if err != nil {
		return err
	}
	backend, principal, err := newPoller(cfg.Backend, logger.Component("poller"))
	if err != nil {
		_ = coord.Close()
		return err
	}
	results, err := sink.New(ctx, cfg.Sink, logger.Component("sink"))
	if err != nil {
		_ = coord.Close()
		return fmt.Errorf("create sink: %w", err)
	}

	col, err := collector.New(cfg.Collector, collector.Deps{
		Catalog:      catalog.NewFile(cfg.Catalog.Paths, cfg.Collector.DefaultDelay, logger.Component("catalog")),
		Coordination: coord,
		Metadata:     metadata.NewClient(0),
		Poller:       backend,
		Sink:         results,
		Principal:    principal,
		Metrics:      collectorMetrics,
		Tracer:       tracer,
		Logger:       logger.Component("collector"),
	})
	if err != nil {
		_ = results.Close()
		_ = coord.Close()
		return err
	}
	if err := col.Start(ctx); err != nil {
		_ = results.Close()
		_ = coord.Close()
		return err
	}

	httpServer := server.NewHTTPServer(cfg.Server, logger.Component("http"), registry, col)
	if err := httpServer.Start(); err != nil {
		col.Stop()
		_ = results.Close()
		_ = coord.Close()
		return fmt.Errorf("start HTTP server failed: %w", err)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("systemd notify failed", zap.Error(err))
	} else if ok {
		log.Debug("systemd notified ready")
	}

	// 关闭顺序：HTTP服务 → 调度器 → 存储 → 协调服务 → 追踪
	timeout := 2*cfg.Collector.ShutdownTimeout + signal.DefaultTimeout
	return signal.WaitForShutdown(ctx, log, timeout, func(ctx context.Context) error {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		var errs []error
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP server: %w", err))
		}
		col.Stop()
		if err := results.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
		if err := coord.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close coordination: %w", err))
		}
		if err := shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		if len(errs) == 0 {
			logger.Info("all services shutdown successfully", "")
		}
		return errors.Join(errs...)
	})
}

// newCoordination 按类型创建协调服务客户端
func newCoordination(ctx context.Context, cfg config.CoordinationConfig, nodeID string, log *zap.Logger) (coordination.Client, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.NewHub(), nil
	case "postgres":
		c, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, postgres.Options{
			RetryPeriod: cfg.Postgres.RetryPeriod,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres coordination: %w", err)
		}
		return c, nil
	case "kube":
		cs, err := kube.BuildClientset(cfg.Kube.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("build kubernetes client: %w", err)
		}
		c, err := kube.New(cs, kube.Options{
			Namespace: cfg.Kube.Namespace,
			Identity:  nodeID,
			Timing: kube.Timing{
				LeaseDuration: cfg.Kube.LeaseDuration,
				RenewDeadline: cfg.Kube.RenewDeadline,
				RetryPeriod:   cfg.Kube.RetryPeriod,
			},
			Logger: log,
		})
		if err != nil {
			return nil, fmt.Errorf("create kube coordination: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown coordination type %q", cfg.Type)
	}
}

// newPoller 按类型创建轮询后端与执行身份
func newPoller(cfg config.BackendConfig, log *zap.Logger) (poller.Poller, poller.Principal, error) {
	switch cfg.Type {
	case "", "host":
		return poller.NewHost(poller.WithHostLogger(log)), poller.Anonymous, nil
	case "jolokia":
		j, err := poller.NewJolokia(poller.JolokiaOptions{
			Endpoint: cfg.Jolokia.Endpoint,
			Timeout:  cfg.Jolokia.Timeout,
			Logger:   log,
		})
		if err != nil {
			return nil, poller.Principal{}, err
		}
		return j, poller.Principal{Name: cfg.Jolokia.Username, Password: cfg.Jolokia.Password}, nil
	default:
		return nil, poller.Principal{}, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}
