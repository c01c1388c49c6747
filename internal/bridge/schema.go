// Package bridge 将插件工具翻译成 AI 模型可消费的工具定义，并把模型
// 发起的工具调用转交执行管线。
package bridge

import (
	"fmt"
	"strings"

	"AgentMesh-Chain/internal/plugin"
)

// AIToolDefinition 是提供给模型的函数调用声明，参数部分为 JSON Schema。
type AIToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// toAIToolDefinition 渲染单个工具：描述中附加确认提示与调用示例，
// 帮助模型判断是否适合调用。
func toAIToolDefinition(ref plugin.ToolRef) AIToolDefinition {
	tool := ref.Tool
	var desc strings.Builder
	desc.WriteString(tool.Description)
	if tool.RequiresConfirmation {
		desc.WriteString(" (requires confirmation)")
	}
	if len(tool.Examples) > 0 {
		examples := tool.Examples
		if len(examples) > 2 {
			examples = examples[:2]
		}
		desc.WriteString(" Examples: ")
		desc.WriteString(strings.Join(examples, "; "))
	}
	return AIToolDefinition{
		Name:        tool.Name,
		Description: desc.String(),
		Parameters:  schemaToJSON(tool.Parameters),
	}
}

func schemaToJSON(schema plugin.ParameterSchema) map[string]any {
	out := map[string]any{"type": "object"}
	if len(schema.Properties) > 0 {
		props := make(map[string]any, len(schema.Properties))
		for name, spec := range schema.Properties {
			props[name] = specToJSON(spec)
		}
		out["properties"] = props
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	if schema.AdditionalProperties != nil {
		out["additionalProperties"] = *schema.AdditionalProperties
	}
	return out
}

func specToJSON(spec plugin.ParameterSpec) map[string]any {
	out := map[string]any{"type": jsonType(spec.Kind)}
	if spec.Description != "" {
		out["description"] = spec.Description
	}
	if spec.Minimum != nil {
		out["minimum"] = *spec.Minimum
	}
	if spec.Maximum != nil {
		out["maximum"] = *spec.Maximum
	}
	if spec.MinLength != nil {
		out["minLength"] = *spec.MinLength
	}
	if spec.MaxLength != nil {
		out["maxLength"] = *spec.MaxLength
	}
	if len(spec.Enum) > 0 {
		out["enum"] = spec.Enum
	}
	if spec.Items != nil {
		out["items"] = specToJSON(*spec.Items)
	}
	if len(spec.Properties) > 0 {
		props := make(map[string]any, len(spec.Properties))
		for name, child := range spec.Properties {
			props[name] = specToJSON(child)
		}
		out["properties"] = props
	}
	if len(spec.Required) > 0 {
		out["required"] = spec.Required
	}
	if spec.AdditionalProperties != nil {
		out["additionalProperties"] = *spec.AdditionalProperties
	}
	return out
}

func jsonType(kind plugin.ParameterKind) string {
	switch kind {
	case plugin.KindString:
		return "string"
	case plugin.KindNumber:
		return "number"
	case plugin.KindBoolean:
		return "boolean"
	case plugin.KindArray:
		return "array"
	case plugin.KindObject:
		return "object"
	default:
		return "string"
	}
}

// confirmationMessage 为需要确认的调用拼出给用户看的摘要，包含工具级
// 安全约束提示。
func confirmationMessage(tool *plugin.ToolDefinition, args map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "工具 %s 请求执行：%s", tool.Name, tool.Description)
	if value, ok := args["value"]; ok {
		fmt.Fprintf(&b, "，金额 %v", value)
	} else if amount, ok := args["amount"]; ok {
		fmt.Fprintf(&b, "，金额 %v", amount)
	}
	if to, ok := args["to"].(string); ok && to != "" {
		fmt.Fprintf(&b, "，目标地址 %s", to)
	}
	if tool.Constraints != nil {
		if tool.Constraints.MaxValuePerExecution != nil {
			fmt.Fprintf(&b, "。单次上限 %v", *tool.Constraints.MaxValuePerExecution)
		}
		if len(tool.Constraints.AllowedAddresses) > 0 {
			fmt.Fprintf(&b, "。仅允许白名单内 %d 个地址", len(tool.Constraints.AllowedAddresses))
		}
	}
	return b.String()
}
