package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/plugin"
	"AgentMesh-Chain/internal/runtime"
)

// ToolCall 是模型发起的一次工具调用。
type ToolCall struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallContext 携带一批调用共享的会话与资金上下文。
type CallContext struct {
	UserID           string  `json:"user_id"`
	AgentID          string  `json:"agent_id,omitempty"`
	SessionID        string  `json:"session_id,omitempty"`
	WalletAddress    string  `json:"wallet_address,omitempty"`
	AvailableBalance float64 `json:"available_balance,omitempty"`
	SpendingLimit    float64 `json:"spending_limit,omitempty"`
}

// CallOptions 控制一批调用的执行方式。Confirm 为空时，需要确认的
// 工具不会执行，而是返回待确认结果交给上层补齐交互。
type CallOptions struct {
	TimeoutMs        int64
	DryRun           bool
	SkipConfirmation bool
	Confirm          runtime.ConfirmFunc
}

// ToolCallResult 是回传给模型的简化结果。
type ToolCallResult struct {
	CallID               string       `json:"call_id"`
	Name                 string       `json:"name"`
	Success              bool         `json:"success"`
	Data                 any          `json:"data,omitempty"`
	Error                string       `json:"error,omitempty"`
	ErrorCode            xerrors.Code `json:"error_code,omitempty"`
	Retryable            bool         `json:"retryable,omitempty"`
	RequiresConfirmation bool         `json:"requires_confirmation,omitempty"`
	ConfirmationMessage  string       `json:"confirmation_message,omitempty"`
	DurationMs           int64        `json:"duration_ms,omitempty"`
}

// ToolMessage 是按对话协议封装的工具结果消息。
type ToolMessage struct {
	Role       string `json:"role"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// Bridge 把注册表里的工具目录暴露给模型，并将模型的调用转交运行时。
type Bridge struct {
	registry *plugin.Registry
	runtime  *runtime.Runtime
}

// New 构造桥接层。
func New(registry *plugin.Registry, rt *runtime.Runtime) *Bridge {
	return &Bridge{registry: registry, runtime: rt}
}

// GetAIToolDefinitions 列出所有激活插件的工具，翻译成模型函数声明。
func (b *Bridge) GetAIToolDefinitions() []AIToolDefinition {
	refs := b.registry.GetAllTools()
	defs := make([]AIToolDefinition, 0, len(refs))
	for _, ref := range refs {
		defs = append(defs, toAIToolDefinition(ref))
	}
	return defs
}

// GetPluginAITools 只列出指定插件的工具。
func (b *Bridge) GetPluginAITools(pluginID string) []AIToolDefinition {
	refs := b.registry.GetAllTools()
	defs := make([]AIToolDefinition, 0)
	for _, ref := range refs {
		if ref.PluginID == pluginID {
			defs = append(defs, toAIToolDefinition(ref))
		}
	}
	return defs
}

// GetToolsByPermission 列出要求指定权限范围的工具。
func (b *Bridge) GetToolsByPermission(scope string) []AIToolDefinition {
	refs := b.registry.GetAllTools()
	defs := make([]AIToolDefinition, 0)
	for _, ref := range refs {
		for _, required := range ref.Tool.RequiredPermissions {
			if required == scope {
				defs = append(defs, toAIToolDefinition(ref))
				break
			}
		}
	}
	return defs
}

// ExecuteToolCall 执行一次模型工具调用。需要确认而又没有确认回调时，
// 返回待确认结果而不执行。
func (b *Bridge) ExecuteToolCall(ctx context.Context, call ToolCall, callCtx CallContext, opts CallOptions) ToolCallResult {
	if call.CallID == "" {
		call.CallID = uuid.NewString()
	}
	result := ToolCallResult{CallID: call.CallID, Name: call.Name}

	pluginID, tool, ok := b.registry.GetTool(call.Name)
	if !ok {
		result.Error = fmt.Sprintf("工具 %s 不存在或归属插件未激活", call.Name)
		result.ErrorCode = runtime.CodeToolNotFound
		return result
	}

	if tool.RequiresConfirmation && !opts.SkipConfirmation && opts.Confirm == nil && !opts.DryRun {
		result.RequiresConfirmation = true
		result.ConfirmationMessage = confirmationMessage(tool, call.Arguments)
		return result
	}

	req := &runtime.ToolExecutionRequest{
		RequestID: call.CallID,
		PluginID:  pluginID,
		ToolName:  call.Name,
		Params:    call.Arguments,
		Caller: runtime.Caller{
			UserID:    callCtx.UserID,
			AgentID:   callCtx.AgentID,
			SessionID: callCtx.SessionID,
		},
		Options: runtime.ExecuteOptions{
			TimeoutMs:        opts.TimeoutMs,
			DryRun:           opts.DryRun,
			SkipConfirmation: opts.SkipConfirmation,
		},
	}
	if callCtx.WalletAddress != "" {
		req.Caller.Transaction = &runtime.TransactionContext{
			WalletAddress:    callCtx.WalletAddress,
			AvailableBalance: callCtx.AvailableBalance,
			SpendingLimit:    callCtx.SpendingLimit,
		}
	}

	var execResult *runtime.ToolExecutionResult
	if opts.Confirm != nil {
		execResult = b.runtime.ExecuteWithConfirmation(ctx, req, opts.Confirm)
	} else {
		execResult = b.runtime.Execute(ctx, req)
	}

	result.Success = execResult.Success
	result.Data = execResult.Data
	result.DurationMs = execResult.DurationMs
	if execResult.Error != nil {
		result.Error = execResult.Error.Message
		result.ErrorCode = execResult.Error.Code
		result.Retryable = execResult.Error.Retryable
	}
	return result
}

// ExecuteToolCalls 顺序执行一批调用，首个失败即中止后续调用；DryRun
// 模式下不中止，以便一次性报告全部问题。
func (b *Bridge) ExecuteToolCalls(ctx context.Context, calls []ToolCall, callCtx CallContext, opts CallOptions) []ToolCallResult {
	results := make([]ToolCallResult, 0, len(calls))
	for _, call := range calls {
		result := b.ExecuteToolCall(ctx, call, callCtx, opts)
		results = append(results, result)
		if !result.Success && !result.RequiresConfirmation && !opts.DryRun {
			break
		}
	}
	return results
}

// ExecuteToolCallsParallel 并发执行一批相互独立的调用，结果按入参
// 顺序返回。
func (b *Bridge) ExecuteToolCallsParallel(ctx context.Context, calls []ToolCall, callCtx CallContext, opts CallOptions) []ToolCallResult {
	results := make([]ToolCallResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			results[i] = b.ExecuteToolCall(ctx, call, callCtx, opts)
		}(i, call)
	}
	wg.Wait()
	return results
}

// FormatToolResultsAsMessages 把执行结果封装成工具角色消息，内容为
// JSON 文本。
func FormatToolResultsAsMessages(results []ToolCallResult) []ToolMessage {
	messages := make([]ToolMessage, 0, len(results))
	for _, result := range results {
		payload := map[string]any{"success": result.Success}
		if result.Success {
			payload["data"] = result.Data
		} else if result.RequiresConfirmation {
			payload["requires_confirmation"] = true
			payload["message"] = result.ConfirmationMessage
		} else {
			payload["error"] = result.Error
			payload["error_code"] = result.ErrorCode
			payload["retryable"] = result.Retryable
		}
		content, err := json.Marshal(payload)
		if err != nil {
			content = []byte(`{"success":false,"error":"结果序列化失败"}`)
		}
		messages = append(messages, ToolMessage{
			Role:       "tool",
			ToolCallID: result.CallID,
			Content:    string(content),
		})
	}
	return messages
}

// BuildToolsSystemMessage 生成按类别分组的工具目录，用于系统提示词。
func (b *Bridge) BuildToolsSystemMessage() string {
	refs := b.registry.GetAllTools()
	if len(refs) == 0 {
		return "当前没有可用的工具。"
	}

	grouped := make(map[string][]plugin.ToolRef)
	for _, ref := range refs {
		category := "general"
		if inst, ok := b.registry.Get(ref.PluginID); ok && inst.Manifest.Category != "" {
			category = inst.Manifest.Category
		}
		grouped[category] = append(grouped[category], ref)
	}
	categories := make([]string, 0, len(grouped))
	for category := range grouped {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var sb strings.Builder
	sb.WriteString("你可以使用以下工具：\n")
	for _, category := range categories {
		fmt.Fprintf(&sb, "\n## %s\n", category)
		for _, ref := range grouped[category] {
			fmt.Fprintf(&sb, "- %s: %s", ref.Tool.Name, ref.Tool.Description)
			if ref.Tool.RequiresConfirmation {
				sb.WriteString("（需要用户确认）")
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
