// Package wallet 提供内建的钱包插件：查询余额与交易历史、准备并模拟
// 转账。所有链上访问都走沙箱的链门面，转账工具要求用户确认。
package wallet

import (
	"context"
	"fmt"
	"math/big"

	"AgentMesh-Chain/internal/plugin"
	"AgentMesh-Chain/internal/runtime"
	"AgentMesh-Chain/internal/web3"
)

// PluginID 是内建钱包插件的标识。
const PluginID = "agentmesh.wallet"

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

// Manifest 返回钱包插件的清单。
func Manifest() *plugin.Manifest {
	noExtra := boolPtr(false)
	return &plugin.Manifest{
		ID:          PluginID,
		Name:        "Wallet",
		Version:     "1.0.0",
		Description: "查询链上账户并准备转账交易",
		Author:      "AgentMesh",
		TrustLevel:  plugin.TrustCore,
		Category:    "blockchain",
		Keywords:    []string{"wallet", "balance", "transfer"},
		Permissions: []plugin.PermissionScope{
			{Scope: "chain:read", Justification: "读取余额与交易历史", Required: true},
			{Scope: "chain:transfer", Justification: "构造并模拟转账交易", Required: false},
		},
		Tools: []plugin.ToolDefinition{
			{
				Name:        "get_balance",
				Description: "查询地址的原生币余额",
				Parameters: plugin.ParameterSchema{
					Properties: map[string]plugin.ParameterSpec{
						"address": {Kind: plugin.KindString, Description: "账户地址", MinLength: intPtr(1)},
					},
					Required:             []string{"address"},
					AdditionalProperties: noExtra,
				},
				RequiredPermissions: []string{"chain:read"},
				Retry:               plugin.RetryPolicy{Retryable: true, MaxRetries: 2},
				Examples:            []string{`get_balance({"address":"0xabc..."})`},
			},
			{
				Name:        "get_transactions",
				Description: "查询地址最近的交易记录",
				Parameters: plugin.ParameterSchema{
					Properties: map[string]plugin.ParameterSpec{
						"address": {Kind: plugin.KindString, Description: "账户地址", MinLength: intPtr(1)},
						"limit":   {Kind: plugin.KindNumber, Description: "返回条数", Minimum: floatPtr(1), Maximum: floatPtr(100)},
					},
					Required:             []string{"address"},
					AdditionalProperties: noExtra,
				},
				RequiredPermissions: []string{"chain:read"},
				Retry:               plugin.RetryPolicy{Retryable: true, MaxRetries: 2},
			},
			{
				Name:        "prepare_transfer",
				Description: "构造一笔未签名的转账交易并做模拟执行",
				Parameters: plugin.ParameterSchema{
					Properties: map[string]plugin.ParameterSpec{
						"from":  {Kind: plugin.KindString, Description: "付款地址", MinLength: intPtr(1)},
						"to":    {Kind: plugin.KindString, Description: "收款地址", MinLength: intPtr(1)},
						"value": {Kind: plugin.KindNumber, Description: "转账金额，单位为原生币", Minimum: floatPtr(0)},
					},
					Required:             []string{"from", "to", "value"},
					AdditionalProperties: noExtra,
				},
				RequiredPermissions:  []string{"chain:transfer"},
				Constraints:          &plugin.SafetyConstraints{MaxValuePerExecution: floatPtr(10)},
				RequiresConfirmation: true,
				Retry:                plugin.RetryPolicy{Retryable: false},
				Examples:             []string{`prepare_transfer({"from":"0xabc...","to":"0xdef...","value":0.5})`},
			},
		},
	}
}

func intPtr(v int) *int { return &v }

// RegisterHandlers 把钱包工具的处理器挂到运行时。
func RegisterHandlers(rt *runtime.Runtime) {
	rt.RegisterHandler(PluginID, "get_balance", handleGetBalance)
	rt.RegisterHandler(PluginID, "get_transactions", handleGetTransactions)
	rt.RegisterHandler(PluginID, "prepare_transfer", handlePrepareTransfer)
}

func handleGetBalance(ctx context.Context, sandbox *runtime.Sandbox, params map[string]any) (any, error) {
	if sandbox.Chain == nil {
		return nil, fmt.Errorf("链访问未启用")
	}
	address := params["address"].(string)
	balance, err := sandbox.Chain.GetBalance(ctx, address)
	if err != nil {
		return nil, err
	}
	sandbox.Logger.Debug("查询余额完成", "address", address)
	return balance, nil
}

func handleGetTransactions(ctx context.Context, sandbox *runtime.Sandbox, params map[string]any) (any, error) {
	if sandbox.Chain == nil {
		return nil, fmt.Errorf("链访问未启用")
	}
	address := params["address"].(string)
	limit := 10
	if raw, ok := params["limit"].(float64); ok {
		limit = int(raw)
	}
	return sandbox.Chain.GetTransactions(ctx, address, limit)
}

func handlePrepareTransfer(ctx context.Context, sandbox *runtime.Sandbox, params map[string]any) (any, error) {
	if sandbox.Chain == nil {
		return nil, fmt.Errorf("链访问未启用")
	}
	from, _ := params["from"].(string)
	to, _ := params["to"].(string)
	value, _ := params["value"].(float64)
	tx, err := sandbox.Chain.PrepareTransaction(ctx, web3.TransferRequest{
		From:  from,
		To:    to,
		Value: etherToWei(value),
	})
	if err != nil {
		return nil, err
	}
	sim, err := sandbox.Chain.SimulateTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"transaction": tx,
		"simulation":  sim,
	}, nil
}

// etherToWei 把以原生币计价的金额换算成 wei。
func etherToWei(value float64) *big.Int {
	wei, _ := new(big.Float).Mul(
		big.NewFloat(value),
		new(big.Float).SetInt(big.NewInt(1_000_000_000_000_000_000)),
	).Int(nil)
	return wei
}
