package plugin

import (
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
)

// Status 表示插件实例在生命周期中的状态。
type Status string

const (
	// StatusInactive 插件已安装但未激活，工具不可见。
	StatusInactive Status = "inactive"
	// StatusActive 插件已激活，工具可被发现与执行。
	StatusActive Status = "active"
	// StatusDisabled 管理员强制停用，必须 Enable 后才能重新激活。
	StatusDisabled Status = "disabled"
	// StatusError 更新失败且未回滚，需要修复后才能激活。
	StatusError Status = "error"
)

// 注册表专用错误码。
const (
	CodeLoadFailed           xerrors.Code = "LOAD_FAILED"
	CodeConfigurationInvalid xerrors.Code = "CONFIGURATION_INVALID"
	CodeSecurityViolation    xerrors.Code = "SECURITY_VIOLATION"
	CodeDependencyMissing    xerrors.Code = "DEPENDENCY_MISSING"
	CodeVersionMismatch      xerrors.Code = "VERSION_MISMATCH"
)

func init() {
	xerrors.Register(CodeLoadFailed, xerrors.Attributes{
		Message:   "plugin load failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConfigurationInvalid, xerrors.Attributes{
		Message:   "plugin configuration invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSecurityViolation, xerrors.Attributes{
		Message:   "plugin security violation",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeDependencyMissing, xerrors.Attributes{
		Message:   "plugin dependency missing",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVersionMismatch, xerrors.Attributes{
		Message:   "plugin version mismatch",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// ResourceLimits 是单次执行期间生效的资源上限。零值字段表示使用
// 运行时的全局默认值。
type ResourceLimits struct {
	MaxMemoryBytes     int64 `json:"max_memory_bytes,omitempty"`
	MaxCPUTimeMs       int64 `json:"max_cpu_time_ms,omitempty"`
	MaxExecutionTimeMs int64 `json:"max_execution_time_ms,omitempty"`
	MaxNetworkRequests int64 `json:"max_network_requests,omitempty"`
	MaxStorageOps      int64 `json:"max_storage_ops,omitempty"`
}

// PermissionOverride 是管理员对某项权限的插件级覆盖。
type PermissionOverride struct {
	// Granted 为 false 时直接拒绝该权限，不再评估其余约束。
	Granted *bool `json:"granted,omitempty"`
	// MaxTransactionValue 在工具自身约束之外额外收紧交易额度。
	MaxTransactionValue *float64 `json:"max_transaction_value,omitempty"`
	AllowedTokens       []string `json:"allowed_tokens,omitempty"`
	AllowedAddresses    []string `json:"allowed_addresses,omitempty"`
	BlockedAddresses    []string `json:"blocked_addresses,omitempty"`
}

// InstanceConfig 是插件安装后的可变配置。
type InstanceConfig struct {
	Enabled            bool                          `json:"enabled"`
	Settings           map[string]any                `json:"settings,omitempty"`
	Permissions        map[string]PermissionOverride `json:"permissions,omitempty"`
	RateLimitPerMinute *int                          `json:"rate_limit_per_minute,omitempty"`
	Limits             *ResourceLimits               `json:"limits,omitempty"`
}

// ToolMetrics 是单个工具的累计执行指标。
type ToolMetrics struct {
	Executions     int64     `json:"executions"`
	Failures       int64     `json:"failures"`
	AvgDurationMs  float64   `json:"avg_duration_ms"`
	LastExecutedAt time.Time `json:"last_executed_at,omitempty"`
}

// Metrics 汇总插件的执行指标。
type Metrics struct {
	Executions     int64                   `json:"executions"`
	Successes      int64                   `json:"successes"`
	Failures       int64                   `json:"failures"`
	AvgDurationMs  float64                 `json:"avg_duration_ms"`
	LastExecutedAt time.Time               `json:"last_executed_at,omitempty"`
	Tools          map[string]*ToolMetrics `json:"tools,omitempty"`
}

// HealthState 表示健康检查结论。
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthCheck 是一项健康检查的结果。
type HealthCheck struct {
	Name      string      `json:"name"`
	Status    HealthState `json:"status"`
	Message   string      `json:"message,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Health 是插件最近一次巡检的健康快照。
type Health struct {
	Status    HealthState   `json:"status"`
	Checks    []HealthCheck `json:"checks,omitempty"`
	CheckedAt time.Time     `json:"checked_at,omitempty"`
}

// Instance 是插件在注册表中的运行时记录。清单不可变，其余字段由
// 生命周期、健康与指标操作维护。
type Instance struct {
	Manifest       *Manifest      `json:"manifest"`
	Status         Status         `json:"status"`
	Config         InstanceConfig `json:"config"`
	InstalledAt    time.Time      `json:"installed_at"`
	ActivatedAt    time.Time      `json:"activated_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at,omitempty"`
	Metrics        Metrics        `json:"metrics"`
	Health         Health         `json:"health"`
	DisabledReason string         `json:"disabled_reason,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
}

// snapshot 返回实例的深拷贝，供注册表在锁外暴露数据。
func (in *Instance) snapshot() *Instance {
	if in == nil {
		return nil
	}
	dup := *in
	if in.Config.Settings != nil {
		dup.Config.Settings = make(map[string]any, len(in.Config.Settings))
		for k, v := range in.Config.Settings {
			dup.Config.Settings[k] = v
		}
	}
	if in.Config.Permissions != nil {
		dup.Config.Permissions = make(map[string]PermissionOverride, len(in.Config.Permissions))
		for k, v := range in.Config.Permissions {
			dup.Config.Permissions[k] = v
		}
	}
	if in.Metrics.Tools != nil {
		dup.Metrics.Tools = make(map[string]*ToolMetrics, len(in.Metrics.Tools))
		for k, v := range in.Metrics.Tools {
			tool := *v
			dup.Metrics.Tools[k] = &tool
		}
	}
	if in.Health.Checks != nil {
		dup.Health.Checks = append([]HealthCheck(nil), in.Health.Checks...)
	}
	return &dup
}
