package runtime

import (
	"sync/atomic"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
)

// 执行层错误码。RATE_LIMITED 可重试，其余交由调用方按语义处理。
const (
	CodePluginNotFound    xerrors.Code = "PLUGIN_NOT_FOUND"
	CodePluginNotActive   xerrors.Code = "PLUGIN_NOT_ACTIVE"
	CodeToolNotFound      xerrors.Code = "TOOL_NOT_FOUND"
	CodeHandlerNotFound   xerrors.Code = "HANDLER_NOT_FOUND"
	CodePermissionDenied  xerrors.Code = "PERMISSION_DENIED"
	CodeRateLimited       xerrors.Code = "RATE_LIMITED"
	CodeInvalidParameters xerrors.Code = "INVALID_PARAMETERS"
	CodeExecutionTimeout  xerrors.Code = "EXECUTION_TIMEOUT"
	CodeExecutionFailed   xerrors.Code = "EXECUTION_FAILED"
	CodeUserCancelled     xerrors.Code = "USER_CANCELLED"
)

func init() {
	xerrors.Register(CodePluginNotFound, xerrors.Attributes{
		Message:  "插件未安装",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePluginNotActive, xerrors.Attributes{
		Message:  "插件未激活",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{
		Message:  "工具不存在",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeHandlerNotFound, xerrors.Attributes{
		Message:  "工具未绑定处理器",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodePermissionDenied, xerrors.Attributes{
		Message:  "权限不足",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeRateLimited, xerrors.Attributes{
		Message:   "触发限流",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeInvalidParameters, xerrors.Attributes{
		Message:  "参数校验失败",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeExecutionTimeout, xerrors.Attributes{
		Message:  "执行超时",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeExecutionFailed, xerrors.Attributes{
		Message:  "执行失败",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeUserCancelled, xerrors.Attributes{
		Message:  "用户取消",
		Severity: xerrors.SeverityInfo,
	})
}

// TransactionContext 携带交易类工具的资金上下文。
type TransactionContext struct {
	WalletAddress    string  `json:"wallet_address"`
	AvailableBalance float64 `json:"available_balance,omitempty"`
	SpendingLimit    float64 `json:"spending_limit,omitempty"`
}

// Caller 描述本次执行的发起方。
type Caller struct {
	UserID      string              `json:"user_id"`
	AgentID     string              `json:"agent_id,omitempty"`
	SessionID   string              `json:"session_id,omitempty"`
	Transaction *TransactionContext `json:"transaction,omitempty"`
}

// ExecuteOptions 是单次执行的可选开关。
type ExecuteOptions struct {
	// TimeoutMs 覆盖默认执行超时，零值表示沿用默认。
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// DryRun 跳过处理器，仅走校验链路并返回模拟结果。
	DryRun bool `json:"dry_run,omitempty"`
	// SkipConfirmation 跳过工具声明的确认要求。
	SkipConfirmation bool `json:"skip_confirmation,omitempty"`
}

// ToolExecutionRequest 是一次工具调用的完整输入。
type ToolExecutionRequest struct {
	RequestID string         `json:"request_id"`
	PluginID  string         `json:"plugin_id"`
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params"`
	Caller    Caller         `json:"caller"`
	Options   ExecuteOptions `json:"options"`
}

// ToolError 是执行失败时返回给调用方的结构化错误。
type ToolError struct {
	Code      xerrors.Code `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

// ResourceUsage 记录单次执行消耗的资源。沙箱门面通过 atomic 并发累加，
// 读取时必须使用 snapshot：超时后被放弃的处理器协程可能仍在计量。
type ResourceUsage struct {
	CPUTimeMs       int64 `json:"cpu_time_ms"`
	PeakMemoryBytes int64 `json:"peak_memory_bytes"`
	NetworkRequests int64 `json:"network_requests"`
	StorageReads    int64 `json:"storage_reads"`
	StorageWrites   int64 `json:"storage_writes"`
}

// snapshot 逐字段原子读取当前计数。
func (u *ResourceUsage) snapshot() ResourceUsage {
	return ResourceUsage{
		CPUTimeMs:       atomic.LoadInt64(&u.CPUTimeMs),
		PeakMemoryBytes: atomic.LoadInt64(&u.PeakMemoryBytes),
		NetworkRequests: atomic.LoadInt64(&u.NetworkRequests),
		StorageReads:    atomic.LoadInt64(&u.StorageReads),
		StorageWrites:   atomic.LoadInt64(&u.StorageWrites),
	}
}

// AuditEntry 是执行过程中的一条审计记录。
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// ToolExecutionResult 是一次工具调用的完整输出。执行失败不返回 Go
// 错误，而是置 Success=false 并填充 Error。
type ToolExecutionResult struct {
	RequestID  string         `json:"request_id"`
	Success    bool           `json:"success"`
	Data       any            `json:"data,omitempty"`
	Error      *ToolError     `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Usage      ResourceUsage  `json:"usage"`
	Audit      []AuditEntry   `json:"audit,omitempty"`
}
