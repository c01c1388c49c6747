package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述 AgentMesh 守护进程在启动阶段加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Registry RegistryConfig `json:"registry"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Storage  StorageConfig  `json:"storage"`
	Audit    AuditConfig    `json:"audit"`
	Web3     Web3Config     `json:"web3"`
}

// ServerConfig 控制管理 API 的监听地址与访问令牌。
type ServerConfig struct {
	Address string `json:"address"`
	// AdminToken 非空时启用静态令牌认证。
	AdminToken string `json:"admin_token"`
	// AdminTokenEnv 指定从环境变量读取令牌，优先级低于 AdminToken。
	AdminTokenEnv string `json:"admin_token_env"`
}

// LoggingConfig 映射到全局日志初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// RegistryConfig 控制插件注册表的安装策略。
type RegistryConfig struct {
	MaxPlugins                 int  `json:"max_plugins"`
	AllowCommunity             bool `json:"allow_community"`
	AllowExperimental          bool `json:"allow_experimental"`
	HealthCheckIntervalSeconds int  `json:"health_check_interval_seconds"`
}

// RuntimeConfig 控制执行管线的默认限额。
type RuntimeConfig struct {
	DefaultTimeoutMs          int64    `json:"default_timeout_ms"`
	MaxConcurrent             int      `json:"max_concurrent"`
	DefaultRateLimitPerMinute int      `json:"default_rate_limit_per_minute"`
	LogLevel                  string   `json:"log_level"`
	AllowedDomains            []string `json:"allowed_domains"`
	MaxNetworkRequests        int64    `json:"max_network_requests"`
	MaxStorageOps             int64    `json:"max_storage_ops"`
}

// StorageConfig 选择插件键值存储的后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 后端的连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// AuditConfig 声明审计记录的下游去向，可同时启用多个。
type AuditConfig struct {
	// Log 为 true 时写入本地审计日志。
	Log      bool                `json:"log"`
	MySQL    MySQLAuditConfig    `json:"mysql"`
	RabbitMQ RabbitMQAuditConfig `json:"rabbitmq"`
}

// MySQLAuditConfig 描述 MySQL 审计后端。
type MySQLAuditConfig struct {
	Enabled      bool   `json:"enabled"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// RabbitMQAuditConfig 描述 RabbitMQ 审计发布端。
type RabbitMQAuditConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// Web3Config 指向链定义文件与默认链。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// Load 解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stdout"}
	}

	if c.Registry.HealthCheckIntervalSeconds <= 0 {
		c.Registry.HealthCheckIntervalSeconds = 30
	}

	if c.Runtime.LogLevel == "" {
		c.Runtime.LogLevel = c.Logging.Level
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
}

// AdminToken 解析生效的管理令牌，未配置时返回空串表示关闭认证。
func (c *Config) AdminToken() string {
	if c.Server.AdminToken != "" {
		return c.Server.AdminToken
	}
	if c.Server.AdminTokenEnv != "" {
		return os.Getenv(c.Server.AdminTokenEnv)
	}
	return ""
}
