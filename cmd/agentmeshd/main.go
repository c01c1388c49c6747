package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentMesh-Chain/internal/api"
	"AgentMesh-Chain/internal/audit"
	"AgentMesh-Chain/internal/auth"
	"AgentMesh-Chain/internal/bridge"
	"AgentMesh-Chain/internal/config"
	"AgentMesh-Chain/internal/plugin"
	"AgentMesh-Chain/internal/plugins/wallet"
	"AgentMesh-Chain/internal/runtime"
	"AgentMesh-Chain/internal/secrets"
	"AgentMesh-Chain/internal/storage"
	"AgentMesh-Chain/internal/web3/provider"
	"AgentMesh-Chain/pkg/logger"
)

// main 是 AgentMesh 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentmeshd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTMESH_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentmesh.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	pluginStore, err := createPluginStore(cfg)
	if err != nil {
		return err
	}
	defer pluginStore.Close()

	auditSink, err := createAuditSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer auditSink.Close()

	chainRegistry, err := provider.NewRegistry(ctx, provider.Options{
		ChainConfig:  cfg.Web3.ChainConfig,
		DefaultChain: cfg.Web3.DefaultChain,
	})
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	registry := plugin.NewRegistry(plugin.Config{
		MaxPlugins:          cfg.Registry.MaxPlugins,
		AllowCommunity:      cfg.Registry.AllowCommunity,
		AllowExperimental:   cfg.Registry.AllowExperimental,
		HealthCheckInterval: time.Duration(cfg.Registry.HealthCheckIntervalSeconds) * time.Second,
	})
	registry.OnEvent(func(event plugin.Event) {
		record := audit.Record{
			Kind:       audit.KindRegistryEvent,
			PluginID:   event.PluginID,
			Event:      string(event.Type),
			Severity:   event.Severity,
			Detail:     event.Detail,
			OccurredAt: event.OccurredAt,
		}
		if err := auditSink.Write(context.Background(), record); err != nil {
			logger.L().Warn("写入注册表审计失败", "error", err)
		}
	})

	rt := runtime.New(registry, runtime.Config{
		DefaultTimeoutMs:          cfg.Runtime.DefaultTimeoutMs,
		MaxConcurrent:             cfg.Runtime.MaxConcurrent,
		DefaultRateLimitPerMinute: cfg.Runtime.DefaultRateLimitPerMinute,
		LogLevel:                  cfg.Runtime.LogLevel,
		AllowedDomains:            cfg.Runtime.AllowedDomains,
		DefaultLimits: plugin.ResourceLimits{
			MaxExecutionTimeMs: cfg.Runtime.DefaultTimeoutMs,
			MaxNetworkRequests: cfg.Runtime.MaxNetworkRequests,
			MaxStorageOps:      cfg.Runtime.MaxStorageOps,
		},
	}, runtime.Dependencies{
		Storage: pluginStore,
		Secrets: secrets.NewMemoryStore(),
		Chain:   chainClient,
		Audit:   auditSink,
	})

	if err := installBuiltinPlugins(registry, rt); err != nil {
		return err
	}

	registry.StartHealthMonitoring()
	defer registry.StopHealthMonitoring()

	authSvc := auth.NewService(cfg.AdminToken())
	server := api.NewServer(cfg.Server.Address, registry, bridge.New(registry, rt), authSvc)

	logger.L().Info("agentmeshd 启动",
		"address", cfg.Server.Address,
		"storage", cfg.Storage.Driver,
		"chains", chainRegistry.Chains(),
	)
	return server.Start(ctx)
}

func createPluginStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return storage.NewMemoryStore(), nil
	case "redis":
		return storage.NewRedisStore(storage.RedisConfig{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createAuditSink(ctx context.Context, cfg *config.Config) (audit.Sink, error) {
	sinks := make([]audit.Sink, 0, 3)
	if cfg.Audit.Log {
		sinks = append(sinks, audit.NewLogSink())
	}
	if cfg.Audit.MySQL.Enabled {
		sink, err := audit.NewMySQLSink(ctx, audit.MySQLSinkConfig{
			DSN:          cfg.Audit.MySQL.DSN,
			MaxOpenConns: cfg.Audit.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.Audit.MySQL.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.Audit.RabbitMQ.Enabled {
		sink, err := audit.NewRabbitMQSink(audit.RabbitMQSinkConfig{
			URL:     cfg.Audit.RabbitMQ.URL,
			Queue:   cfg.Audit.RabbitMQ.Queue,
			Durable: cfg.Audit.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.NewLogSink())
	}
	return audit.NewFanout(sinks...), nil
}

// installBuiltinPlugins 安装并激活随进程内建的插件。
func installBuiltinPlugins(registry *plugin.Registry, rt *runtime.Runtime) error {
	wallet.RegisterHandlers(rt)
	if err := registry.Install(wallet.Manifest(), plugin.InstallOptions{
		ActivateImmediately: true,
	}); err != nil {
		return err
	}
	return nil
}
