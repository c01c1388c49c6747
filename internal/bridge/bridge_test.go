package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"AgentMesh-Chain/internal/plugin"
	"AgentMesh-Chain/internal/runtime"
)

func floatPtr(v float64) *float64 { return &v }

func walletManifest() *plugin.Manifest {
	return &plugin.Manifest{
		ID:         "wallet",
		Name:       "Wallet",
		Version:    "1.0.0",
		TrustLevel: plugin.TrustCore,
		Category:   "blockchain",
		Permissions: []plugin.PermissionScope{
			{Scope: "chain:read", Required: true},
			{Scope: "chain:transfer"},
		},
		Tools: []plugin.ToolDefinition{
			{
				Name:        "get_balance",
				Description: "查询余额",
				Parameters: plugin.ParameterSchema{
					Properties: map[string]plugin.ParameterSpec{
						"address": {Kind: plugin.KindString, Description: "账户地址"},
					},
					Required: []string{"address"},
				},
				RequiredPermissions: []string{"chain:read"},
				Examples:            []string{"example-1", "example-2", "example-3"},
			},
			{
				Name:        "transfer",
				Description: "发起转账",
				Parameters: plugin.ParameterSchema{
					Properties: map[string]plugin.ParameterSpec{
						"to":    {Kind: plugin.KindString},
						"value": {Kind: plugin.KindNumber, Minimum: floatPtr(0)},
					},
					Required: []string{"to", "value"},
				},
				RequiredPermissions:  []string{"chain:transfer"},
				Constraints:          &plugin.SafetyConstraints{MaxValuePerExecution: floatPtr(10)},
				RequiresConfirmation: true,
			},
		},
	}
}

func newTestBridge(t *testing.T) (*Bridge, *plugin.Registry, *runtime.Runtime) {
	t.Helper()
	registry := plugin.NewRegistry(plugin.Config{})
	if err := registry.Install(walletManifest(), plugin.InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install: %v", err)
	}
	rt := runtime.New(registry, runtime.Config{}, runtime.Dependencies{})
	rt.RegisterHandler("wallet", "get_balance", func(ctx context.Context, sandbox *runtime.Sandbox, params map[string]any) (any, error) {
		return map[string]any{"balance": "1.5"}, nil
	})
	rt.RegisterHandler("wallet", "transfer", func(ctx context.Context, sandbox *runtime.Sandbox, params map[string]any) (any, error) {
		return map[string]any{"prepared": true}, nil
	})
	return New(registry, rt), registry, rt
}

func TestGetAIToolDefinitions(t *testing.T) {
	b, _, _ := newTestBridge(t)

	defs := b.GetAIToolDefinitions()
	if len(defs) != 2 {
		t.Fatalf("expected 2 definitions, got %d", len(defs))
	}

	var balance, transfer AIToolDefinition
	for _, def := range defs {
		switch def.Name {
		case "get_balance":
			balance = def
		case "transfer":
			transfer = def
		}
	}

	if !strings.Contains(transfer.Description, "(requires confirmation)") {
		t.Fatalf("confirmation hint missing: %s", transfer.Description)
	}
	// 示例最多附带两条。
	if strings.Contains(balance.Description, "example-3") {
		t.Fatalf("too many examples rendered: %s", balance.Description)
	}
	if !strings.Contains(balance.Description, "example-1") {
		t.Fatalf("examples missing: %s", balance.Description)
	}

	params := balance.Parameters
	if params["type"] != "object" {
		t.Fatalf("expected object schema, got %+v", params)
	}
	props, ok := params["properties"].(map[string]any)
	if !ok {
		t.Fatalf("missing properties: %+v", params)
	}
	address, ok := props["address"].(map[string]any)
	if !ok || address["type"] != "string" {
		t.Fatalf("unexpected address schema: %+v", props)
	}
}

func TestGetToolsByPermission(t *testing.T) {
	b, _, _ := newTestBridge(t)

	read := b.GetToolsByPermission("chain:read")
	if len(read) != 1 || read[0].Name != "get_balance" {
		t.Fatalf("unexpected read tools: %+v", read)
	}
	if none := b.GetToolsByPermission("fs:write"); len(none) != 0 {
		t.Fatalf("expected no tools, got %+v", none)
	}
}

func TestExecuteToolCall(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()
	callCtx := CallContext{UserID: "user-1"}

	result := b.ExecuteToolCall(ctx, ToolCall{
		Name:      "get_balance",
		Arguments: map[string]any{"address": "0xabc"},
	}, callCtx, CallOptions{})
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if result.CallID == "" {
		t.Fatal("call id should be assigned")
	}

	missing := b.ExecuteToolCall(ctx, ToolCall{Name: "ghost"}, callCtx, CallOptions{})
	if missing.Success || missing.ErrorCode != runtime.CodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got %+v", missing)
	}
}

func TestExecuteToolCallConfirmationFlow(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()
	callCtx := CallContext{UserID: "user-1"}
	call := ToolCall{
		CallID:    "call-1",
		Name:      "transfer",
		Arguments: map[string]any{"to": "0xdef", "value": 1.0},
	}

	// 无确认回调时返回待确认结果。
	pending := b.ExecuteToolCall(ctx, call, callCtx, CallOptions{})
	if !pending.RequiresConfirmation || pending.ConfirmationMessage == "" {
		t.Fatalf("expected pending confirmation, got %+v", pending)
	}
	if !strings.Contains(pending.ConfirmationMessage, "transfer") {
		t.Fatalf("confirmation message should name the tool: %s", pending.ConfirmationMessage)
	}

	confirmed := b.ExecuteToolCall(ctx, call, callCtx, CallOptions{
		Confirm: func(ctx context.Context, summary string) bool { return true },
	})
	if !confirmed.Success {
		t.Fatalf("confirmed call should run: %+v", confirmed)
	}

	denied := b.ExecuteToolCall(ctx, call, callCtx, CallOptions{
		Confirm: func(ctx context.Context, summary string) bool { return false },
	})
	if denied.Success || denied.ErrorCode != runtime.CodeUserCancelled {
		t.Fatalf("expected USER_CANCELLED, got %+v", denied)
	}

	skipped := b.ExecuteToolCall(ctx, call, callCtx, CallOptions{SkipConfirmation: true})
	if !skipped.Success {
		t.Fatalf("skip confirmation should run: %+v", skipped)
	}
}

func TestExecuteToolCallWalletContext(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	result := b.ExecuteToolCall(ctx, ToolCall{
		Name:      "transfer",
		Arguments: map[string]any{"to": "0xdef", "value": 5.0},
	}, CallContext{
		UserID:        "user-1",
		WalletAddress: "0xabc",
		SpendingLimit: 2,
	}, CallOptions{SkipConfirmation: true})
	if result.Success || result.ErrorCode != runtime.CodePermissionDenied {
		t.Fatalf("expected spending limit denial, got %+v", result)
	}
}

func TestExecuteToolCallsFailFast(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()
	callCtx := CallContext{UserID: "user-1"}

	calls := []ToolCall{
		{Name: "get_balance", Arguments: map[string]any{"address": "0xabc"}},
		{Name: "get_balance", Arguments: map[string]any{}},
		{Name: "get_balance", Arguments: map[string]any{"address": "0xdef"}},
	}
	results := b.ExecuteToolCalls(ctx, calls, callCtx, CallOptions{})
	if len(results) != 2 {
		t.Fatalf("expected stop after failure, got %d results", len(results))
	}
	if results[0].Success == results[1].Success {
		t.Fatalf("unexpected results: %+v", results)
	}

	// 干跑模式继续执行以汇总全部问题。
	dryResults := b.ExecuteToolCalls(ctx, calls, callCtx, CallOptions{DryRun: true})
	if len(dryResults) != 3 {
		t.Fatalf("dry run should not stop, got %d results", len(dryResults))
	}
}

func TestExecuteToolCallsParallelKeepsOrder(t *testing.T) {
	b, _, _ := newTestBridge(t)
	ctx := context.Background()

	calls := []ToolCall{
		{CallID: "a", Name: "get_balance", Arguments: map[string]any{"address": "0x1"}},
		{CallID: "b", Name: "get_balance", Arguments: map[string]any{"address": "0x2"}},
		{CallID: "c", Name: "get_balance", Arguments: map[string]any{"address": "0x3"}},
	}
	results := b.ExecuteToolCallsParallel(ctx, calls, CallContext{UserID: "user-1"}, CallOptions{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, id := range []string{"a", "b", "c"} {
		if results[i].CallID != id {
			t.Fatalf("result %d out of order: %s", i, results[i].CallID)
		}
		if !results[i].Success {
			t.Fatalf("call %s failed: %+v", id, results[i])
		}
	}
}

func TestFormatToolResultsAsMessages(t *testing.T) {
	results := []ToolCallResult{
		{CallID: "ok", Success: true, Data: map[string]any{"balance": "1.5"}},
		{CallID: "bad", Error: "boom", ErrorCode: runtime.CodeExecutionFailed},
		{CallID: "ask", RequiresConfirmation: true, ConfirmationMessage: "confirm?"},
	}
	messages := FormatToolResultsAsMessages(results)
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, msg := range messages {
		if msg.Role != "tool" {
			t.Fatalf("message %d has wrong role: %s", i, msg.Role)
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(msg.Content), &payload); err != nil {
			t.Fatalf("message %d not valid JSON: %v", i, err)
		}
	}
	if messages[0].ToolCallID != "ok" {
		t.Fatalf("unexpected call id: %s", messages[0].ToolCallID)
	}
	if !strings.Contains(messages[1].Content, "boom") {
		t.Fatalf("error message missing: %s", messages[1].Content)
	}
	if !strings.Contains(messages[2].Content, "requires_confirmation") {
		t.Fatalf("confirmation flag missing: %s", messages[2].Content)
	}
}

func TestBuildToolsSystemMessage(t *testing.T) {
	b, registry, _ := newTestBridge(t)

	market := &plugin.Manifest{
		ID:         "market",
		Name:       "Market",
		Version:    "1.0.0",
		TrustLevel: plugin.TrustCore,
		Category:   "market-data",
		Tools: []plugin.ToolDefinition{
			{Name: "get_price", Description: "查询报价"},
		},
	}
	if err := registry.Install(market, plugin.InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install market: %v", err)
	}

	message := b.BuildToolsSystemMessage()
	if !strings.Contains(message, "## blockchain") || !strings.Contains(message, "## market-data") {
		t.Fatalf("categories missing: %s", message)
	}
	if strings.Index(message, "## blockchain") > strings.Index(message, "## market-data") {
		t.Fatal("categories should be sorted")
	}
	if !strings.Contains(message, "get_price") || !strings.Contains(message, "transfer") {
		t.Fatalf("tools missing: %s", message)
	}
}
