package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"AgentMesh-Chain/internal/audit"
	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/plugin"
	"AgentMesh-Chain/internal/secrets"
	"AgentMesh-Chain/internal/storage"
	"AgentMesh-Chain/internal/web3"
	"AgentMesh-Chain/pkg/logger"
)

// Config 控制运行时的默认限额与沙箱日志级别。
type Config struct {
	// DefaultTimeoutMs 是未被工具或请求覆盖时的执行超时。
	DefaultTimeoutMs int64
	// MaxConcurrent 是全局并发执行上限，超限直接拒绝。
	MaxConcurrent int
	// DefaultRateLimitPerMinute 是插件未配置时的每分钟限流值。
	DefaultRateLimitPerMinute int
	// LogLevel 是沙箱内插件日志的级别。
	LogLevel string
	// AllowedDomains 是插件出网的域名白名单。
	AllowedDomains []string
	// DefaultLimits 是插件未配置时的资源限额。
	DefaultLimits plugin.ResourceLimits
}

func (c *Config) applyDefaults() {
	if c.DefaultTimeoutMs <= 0 {
		c.DefaultTimeoutMs = 30_000
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 16
	}
	if c.DefaultRateLimitPerMinute <= 0 {
		c.DefaultRateLimitPerMinute = 60
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Dependencies 汇集沙箱门面背后的外设实现，均可为空以关闭对应能力。
type Dependencies struct {
	Storage    storage.Store
	Secrets    secrets.Store
	Chain      web3.Client
	HTTPClient *http.Client
	Audit      audit.Sink
}

// ConfirmFunc 在需要用户确认的工具执行前被调用，返回 false 表示拒绝。
type ConfirmFunc func(ctx context.Context, summary string) bool

type handlerKey struct {
	pluginID string
	toolName string
}

// Runtime 是工具执行管线：解析目标、逐层校验、限流限并发，最后在
// 沙箱里调用处理器。执行失败以结构化结果返回，不向调用方抛错。
type Runtime struct {
	cfg      Config
	registry *plugin.Registry
	deps     Dependencies
	logLevel slog.Level

	handlerMu sync.RWMutex
	handlers  map[handlerKey]Handler

	limiter *rateLimiter
	gate    *concurrencyGate
}

// New 构造运行时。
func New(registry *plugin.Registry, cfg Config, deps Dependencies) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		cfg:      cfg,
		registry: registry,
		deps:     deps,
		logLevel: logger.ParseLevel(cfg.LogLevel),
		handlers: make(map[handlerKey]Handler),
		limiter:  newRateLimiter(),
		gate:     newConcurrencyGate(cfg.MaxConcurrent),
	}
}

// RegisterHandler 绑定插件工具的处理器，重复绑定时覆盖旧实现。
func (rt *Runtime) RegisterHandler(pluginID, toolName string, handler Handler) {
	rt.handlerMu.Lock()
	defer rt.handlerMu.Unlock()
	rt.handlers[handlerKey{pluginID, toolName}] = handler
}

// UnregisterHandler 解除绑定。
func (rt *Runtime) UnregisterHandler(pluginID, toolName string) {
	rt.handlerMu.Lock()
	defer rt.handlerMu.Unlock()
	delete(rt.handlers, handlerKey{pluginID, toolName})
}

func (rt *Runtime) handler(pluginID, toolName string) (Handler, bool) {
	rt.handlerMu.RLock()
	defer rt.handlerMu.RUnlock()
	h, ok := rt.handlers[handlerKey{pluginID, toolName}]
	return h, ok
}

// InFlight 返回当前并发执行数。
func (rt *Runtime) InFlight() int { return rt.gate.inFlight() }

// execution 聚合单次执行的过程状态。
type execution struct {
	req     *ToolExecutionRequest
	started time.Time
	usage   ResourceUsage
	audit   []AuditEntry
}

func (e *execution) record(event string, detail map[string]any) {
	e.audit = append(e.audit, AuditEntry{Timestamp: time.Now(), Event: event, Detail: detail})
}

// Execute 执行一次工具调用。无论成败都返回结构化结果，失败原因写在
// Error 字段里，调用方不需要处理 Go 错误。
func (rt *Runtime) Execute(ctx context.Context, req *ToolExecutionRequest) *ToolExecutionResult {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	exec := &execution{req: req, started: time.Now()}
	exec.record("execution_started", map[string]any{
		"plugin_id": req.PluginID,
		"tool_name": req.ToolName,
		"user_id":   req.Caller.UserID,
	})

	inst, tool, handler, err := rt.resolve(req)
	if err != nil {
		return rt.finish(ctx, exec, nil, err)
	}

	if err := checkPermissions(inst, tool); err != nil {
		return rt.finish(ctx, exec, nil, err)
	}
	if err := checkConstraints(inst, tool, req); err != nil {
		return rt.finish(ctx, exec, nil, err)
	}

	limit := rt.cfg.DefaultRateLimitPerMinute
	if inst.Config.RateLimitPerMinute != nil {
		limit = *inst.Config.RateLimitPerMinute
	}
	if err := rt.limiter.allow(req.PluginID, limit); err != nil {
		return rt.finish(ctx, exec, nil, err)
	}

	if err := rt.gate.acquire(); err != nil {
		return rt.finish(ctx, exec, nil, err)
	}
	defer rt.gate.release()

	if err := validateParams(tool.Parameters, req.Params); err != nil {
		return rt.finish(ctx, exec, nil, err)
	}

	if req.Options.DryRun {
		exec.record("dry_run", map[string]any{"tool_name": req.ToolName})
		return rt.finish(ctx, exec, map[string]any{
			"simulated": true,
			"plugin_id": req.PluginID,
			"tool_name": req.ToolName,
			"params":    req.Params,
		}, nil)
	}

	limits := rt.cfg.DefaultLimits
	if inst.Config.Limits != nil {
		limits = *inst.Config.Limits
	}
	timeout := rt.executionTimeout(req, limits)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sandbox := newSandbox(req, rt.deps, limits, rt.logLevel, rt.cfg.AllowedDomains, &exec.usage)
	data, err := rt.invoke(execCtx, handler, sandbox, req.Params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = xerrors.New(CodeExecutionTimeout,
				fmt.Sprintf("工具 %s 执行超过 %s", req.ToolName, timeout))
		} else if errors.Is(err, context.Canceled) {
			err = xerrors.New(CodeUserCancelled, "执行被调用方取消")
		}
	}
	return rt.finish(ctx, exec, data, err)
}

// ExecuteWithConfirmation 在工具要求确认时先征询调用方，拒绝则以
// USER_CANCELLED 结束，不进入执行管线。
func (rt *Runtime) ExecuteWithConfirmation(ctx context.Context, req *ToolExecutionRequest, confirm ConfirmFunc) *ToolExecutionResult {
	_, tool, _, err := rt.resolve(req)
	if err == nil && tool.RequiresConfirmation && !req.Options.SkipConfirmation {
		if confirm == nil || !confirm(ctx, confirmationSummary(tool, req)) {
			if req.RequestID == "" {
				req.RequestID = uuid.NewString()
			}
			exec := &execution{req: req, started: time.Now()}
			exec.record("execution_started", map[string]any{
				"plugin_id": req.PluginID,
				"tool_name": req.ToolName,
				"user_id":   req.Caller.UserID,
			})
			exec.record("confirmation_denied", map[string]any{"tool_name": req.ToolName})
			return rt.finish(ctx, exec,
				nil, xerrors.New(CodeUserCancelled, "用户未确认本次执行"))
		}
	}
	return rt.Execute(ctx, req)
}

func confirmationSummary(tool *plugin.ToolDefinition, req *ToolExecutionRequest) string {
	summary := fmt.Sprintf("即将执行 %s：%s", tool.Name, tool.Description)
	if value, ok := firstNumericParam(req.Params, valueParamKeys); ok {
		summary += fmt.Sprintf("，涉及金额 %v", value)
	}
	if addr, ok := firstStringParam(req.Params, addressParamKeys); ok {
		summary += fmt.Sprintf("，目标地址 %s", addr)
	}
	return summary
}

// resolve 定位实例、工具定义与处理器，按失败原因返回对应错误码。
func (rt *Runtime) resolve(req *ToolExecutionRequest) (*plugin.Instance, *plugin.ToolDefinition, Handler, error) {
	inst, ok := rt.registry.Get(req.PluginID)
	if !ok {
		return nil, nil, nil, xerrors.New(CodePluginNotFound,
			fmt.Sprintf("插件 %s 未安装", req.PluginID))
	}
	if inst.Status != plugin.StatusActive {
		return nil, nil, nil, xerrors.New(CodePluginNotActive,
			fmt.Sprintf("插件 %s 当前状态为 %s", req.PluginID, inst.Status))
	}
	tool, ok := inst.Manifest.Tool(req.ToolName)
	if !ok {
		return nil, nil, nil, xerrors.New(CodeToolNotFound,
			fmt.Sprintf("插件 %s 没有工具 %s", req.PluginID, req.ToolName))
	}
	handler, ok := rt.handler(req.PluginID, req.ToolName)
	if !ok {
		return nil, nil, nil, xerrors.New(CodeHandlerNotFound,
			fmt.Sprintf("工具 %s 未绑定处理器", req.ToolName))
	}
	return inst, tool, handler, nil
}

func (rt *Runtime) executionTimeout(req *ToolExecutionRequest, limits plugin.ResourceLimits) time.Duration {
	ms := rt.cfg.DefaultTimeoutMs
	if limits.MaxExecutionTimeMs > 0 {
		ms = limits.MaxExecutionTimeMs
	}
	if req.Options.TimeoutMs > 0 {
		ms = req.Options.TimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

// invoke 在独立协程中运行处理器，超时后立即返回而不等待处理器退出，
// 处理器应通过 ctx 感知取消。协程内的 panic 归类为执行失败。
func (rt *Runtime) invoke(ctx context.Context, handler Handler, sandbox *Sandbox, params map[string]any) (any, error) {
	type outcome struct {
		data any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: xerrors.New(CodeExecutionFailed,
					fmt.Sprintf("处理器 panic: %v", r))}
			}
		}()
		data, err := handler(ctx, sandbox, params)
		done <- outcome{data: data, err: err}
	}()
	select {
	case out := <-done:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// finish 组装结果、更新指标并落审计。
func (rt *Runtime) finish(ctx context.Context, exec *execution, data any, err error) *ToolExecutionResult {
	elapsed := time.Since(exec.started)
	atomic.StoreInt64(&exec.usage.CPUTimeMs, elapsed.Milliseconds())

	result := &ToolExecutionResult{
		RequestID:  exec.req.RequestID,
		DurationMs: elapsed.Milliseconds(),
		Usage:      exec.usage.snapshot(),
	}
	if err != nil {
		code := xerrors.CodeOf(err)
		if code == xerrors.CodeUnknown {
			code = CodeExecutionFailed
		}
		result.Error = &ToolError{
			Code:      code,
			Message:   err.Error(),
			Retryable: xerrors.RetryableError(err) || code == CodeRateLimited,
		}
		exec.record("execution_failed", map[string]any{
			"code":    string(code),
			"message": err.Error(),
		})
	} else {
		result.Success = true
		result.Data = data
		exec.record("execution_completed", map[string]any{
			"duration_ms": result.DurationMs,
		})
	}
	result.Audit = exec.audit

	rt.registry.RecordExecution(exec.req.PluginID, exec.req.ToolName, result.Success, elapsed)
	rt.writeAudit(ctx, exec, result)
	return result
}

func (rt *Runtime) writeAudit(ctx context.Context, exec *execution, result *ToolExecutionResult) {
	if rt.deps.Audit == nil {
		return
	}
	severity := xerrors.SeverityInfo
	event := "execution_completed"
	detail := map[string]any{
		"duration_ms": result.DurationMs,
		"usage":       result.Usage,
	}
	if !result.Success {
		severity = xerrors.SeverityWarning
		event = "execution_failed"
		detail["code"] = string(result.Error.Code)
		detail["message"] = result.Error.Message
	}
	record := audit.Record{
		Kind:       audit.KindExecution,
		PluginID:   exec.req.PluginID,
		ToolName:   exec.req.ToolName,
		RequestID:  exec.req.RequestID,
		Event:      event,
		Severity:   severity,
		Detail:     detail,
		OccurredAt: time.Now(),
	}
	if err := rt.deps.Audit.Write(ctx, record); err != nil {
		logger.L().Warn("写入审计记录失败", "error", err)
	}
}
