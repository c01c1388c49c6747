package runtime

import (
	"fmt"
	"strings"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/plugin"
)

// 约束检查从参数中识别资金与地址的常见键名。
var (
	valueParamKeys   = []string{"value", "amount"}
	tokenParamKeys   = []string{"tokenAddress", "token"}
	addressParamKeys = []string{"to", "contractAddress", "contract"}
)

// checkPermissions 校验工具要求的每个权限范围。实例配置中的覆盖优先
// 于清单声明：Granted=false 显式收回权限，没有覆盖时以清单声明为准。
func checkPermissions(inst *plugin.Instance, tool *plugin.ToolDefinition) error {
	declared := make(map[string]struct{}, len(inst.Manifest.Permissions))
	for _, perm := range inst.Manifest.Permissions {
		declared[perm.Scope] = struct{}{}
	}
	for _, scope := range tool.RequiredPermissions {
		if override, ok := inst.Config.Permissions[scope]; ok && override.Granted != nil {
			if !*override.Granted {
				return xerrors.New(CodePermissionDenied,
					fmt.Sprintf("权限 %s 已被配置收回", scope))
			}
			continue
		}
		if _, ok := declared[scope]; !ok {
			return xerrors.New(CodePermissionDenied,
				fmt.Sprintf("插件未声明权限 %s", scope))
		}
	}
	return nil
}

// checkConstraints 强制执行工具级安全约束与实例配置的收紧项。约束只
// 收紧，不放宽：工具约束与配置覆盖同时生效，以更严格的一方为准。
func checkConstraints(inst *plugin.Instance, tool *plugin.ToolDefinition, req *ToolExecutionRequest) error {
	constraints := tool.Constraints
	var override *plugin.PermissionOverride
	for _, scope := range tool.RequiredPermissions {
		if o, ok := inst.Config.Permissions[scope]; ok {
			override = &o
			break
		}
	}
	if constraints == nil && override == nil && req.Caller.Transaction == nil {
		return nil
	}

	if value, ok := firstNumericParam(req.Params, valueParamKeys); ok {
		if err := checkValueCeilings(value, constraints, override, req.Caller.Transaction); err != nil {
			return err
		}
	}
	if token, ok := firstStringParam(req.Params, tokenParamKeys); ok {
		if err := checkTokenAllowed(token, constraints, override); err != nil {
			return err
		}
	}
	for _, key := range addressParamKeys {
		addr, ok := firstStringParam(req.Params, []string{key})
		if !ok {
			continue
		}
		if err := checkAddressLists(addr, constraints, override); err != nil {
			return err
		}
	}
	return nil
}

func checkValueCeilings(value float64, constraints *plugin.SafetyConstraints, override *plugin.PermissionOverride, tx *TransactionContext) error {
	if constraints != nil && constraints.MaxValuePerExecution != nil && value > *constraints.MaxValuePerExecution {
		return xerrors.New(CodePermissionDenied,
			fmt.Sprintf("金额 %v 超过工具单次上限 %v", value, *constraints.MaxValuePerExecution))
	}
	if override != nil && override.MaxTransactionValue != nil && value > *override.MaxTransactionValue {
		return xerrors.New(CodePermissionDenied,
			fmt.Sprintf("金额 %v 超过配置的交易上限 %v", value, *override.MaxTransactionValue))
	}
	if tx != nil {
		if tx.SpendingLimit > 0 && value > tx.SpendingLimit {
			return xerrors.New(CodePermissionDenied,
				fmt.Sprintf("金额 %v 超过会话消费限额 %v", value, tx.SpendingLimit))
		}
		if tx.AvailableBalance > 0 && value > tx.AvailableBalance {
			return xerrors.New(CodePermissionDenied,
				fmt.Sprintf("金额 %v 超过钱包可用余额 %v", value, tx.AvailableBalance))
		}
	}
	return nil
}

func checkTokenAllowed(token string, constraints *plugin.SafetyConstraints, override *plugin.PermissionOverride) error {
	lists := make([][]string, 0, 2)
	if constraints != nil && len(constraints.AllowedTokens) > 0 {
		lists = append(lists, constraints.AllowedTokens)
	}
	if override != nil && len(override.AllowedTokens) > 0 {
		lists = append(lists, override.AllowedTokens)
	}
	for _, list := range lists {
		if !containsFold(list, token) {
			return xerrors.New(CodePermissionDenied,
				fmt.Sprintf("代币 %s 不在允许名单内", token))
		}
	}
	return nil
}

func checkAddressLists(addr string, constraints *plugin.SafetyConstraints, override *plugin.PermissionOverride) error {
	if constraints != nil && containsFold(constraints.BlockedAddresses, addr) {
		return xerrors.New(CodePermissionDenied,
			fmt.Sprintf("地址 %s 在工具黑名单内", addr))
	}
	if override != nil && containsFold(override.BlockedAddresses, addr) {
		return xerrors.New(CodePermissionDenied,
			fmt.Sprintf("地址 %s 在配置黑名单内", addr))
	}
	if constraints != nil && len(constraints.AllowedAddresses) > 0 && !containsFold(constraints.AllowedAddresses, addr) {
		return xerrors.New(CodePermissionDenied,
			fmt.Sprintf("地址 %s 不在工具白名单内", addr))
	}
	if override != nil && len(override.AllowedAddresses) > 0 && !containsFold(override.AllowedAddresses, addr) {
		return xerrors.New(CodePermissionDenied,
			fmt.Sprintf("地址 %s 不在配置白名单内", addr))
	}
	return nil
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

func firstNumericParam(params map[string]any, keys []string) (float64, bool) {
	for _, key := range keys {
		if raw, ok := params[key]; ok {
			if n, ok := numericValue(raw); ok {
				return n, true
			}
		}
	}
	return 0, false
}

func firstStringParam(params map[string]any, keys []string) (string, bool) {
	for _, key := range keys {
		if raw, ok := params[key]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}
