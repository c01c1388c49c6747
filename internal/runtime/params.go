package runtime

import (
	"fmt"
	"strings"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/plugin"
)

// validateParams 按工具声明的参数模式逐项校验入参。所有失败都归为
// INVALID_PARAMETERS，消息中带上参数路径方便定位。
func validateParams(schema plugin.ParameterSchema, params map[string]any) error {
	for _, name := range schema.Required {
		if _, ok := params[name]; !ok {
			return paramError(name, "缺少必填参数")
		}
	}
	if schema.AdditionalProperties != nil && !*schema.AdditionalProperties {
		for name := range params {
			if _, ok := schema.Properties[name]; !ok {
				return paramError(name, "未在模式中声明")
			}
		}
	}
	for name, value := range params {
		spec, ok := schema.Properties[name]
		if !ok {
			continue
		}
		if err := validateValue(name, spec, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, spec plugin.ParameterSpec, value any) error {
	switch spec.Kind {
	case plugin.KindString:
		return validateString(path, spec, value)
	case plugin.KindNumber:
		return validateNumber(path, spec, value)
	case plugin.KindBoolean:
		if _, ok := value.(bool); !ok {
			return paramError(path, "应为布尔值")
		}
		return nil
	case plugin.KindArray:
		return validateArray(path, spec, value)
	case plugin.KindObject:
		return validateObject(path, spec, value)
	default:
		return paramError(path, fmt.Sprintf("模式声明了未知类型 %q", spec.Kind))
	}
}

func validateString(path string, spec plugin.ParameterSpec, value any) error {
	s, ok := value.(string)
	if !ok {
		return paramError(path, "应为字符串")
	}
	if spec.MinLength != nil && len(s) < *spec.MinLength {
		return paramError(path, fmt.Sprintf("长度不能小于 %d", *spec.MinLength))
	}
	if spec.MaxLength != nil && len(s) > *spec.MaxLength {
		return paramError(path, fmt.Sprintf("长度不能大于 %d", *spec.MaxLength))
	}
	if len(spec.Enum) > 0 {
		for _, allowed := range spec.Enum {
			if s == allowed {
				return nil
			}
		}
		return paramError(path, fmt.Sprintf("取值必须是 %s 之一", strings.Join(spec.Enum, "、")))
	}
	return nil
}

func validateNumber(path string, spec plugin.ParameterSpec, value any) error {
	n, ok := numericValue(value)
	if !ok {
		return paramError(path, "应为数值")
	}
	if spec.Minimum != nil && n < *spec.Minimum {
		return paramError(path, fmt.Sprintf("不能小于 %v", *spec.Minimum))
	}
	if spec.Maximum != nil && n > *spec.Maximum {
		return paramError(path, fmt.Sprintf("不能大于 %v", *spec.Maximum))
	}
	return nil
}

func validateArray(path string, spec plugin.ParameterSpec, value any) error {
	items, ok := value.([]any)
	if !ok {
		return paramError(path, "应为数组")
	}
	if spec.Items == nil {
		return nil
	}
	for i, item := range items {
		if err := validateValue(fmt.Sprintf("%s[%d]", path, i), *spec.Items, item); err != nil {
			return err
		}
	}
	return nil
}

func validateObject(path string, spec plugin.ParameterSpec, value any) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return paramError(path, "应为对象")
	}
	for _, name := range spec.Required {
		if _, ok := obj[name]; !ok {
			return paramError(path+"."+name, "缺少必填字段")
		}
	}
	if spec.AdditionalProperties != nil && !*spec.AdditionalProperties {
		for name := range obj {
			if _, ok := spec.Properties[name]; !ok {
				return paramError(path+"."+name, "未在模式中声明")
			}
		}
	}
	for name, field := range obj {
		child, ok := spec.Properties[name]
		if !ok {
			continue
		}
		if err := validateValue(path+"."+name, child, field); err != nil {
			return err
		}
	}
	return nil
}

// numericValue 兼容 JSON 反序列化与直接传参的各种数值形态。
func numericValue(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func paramError(path, message string) error {
	return xerrors.New(CodeInvalidParameters,
		fmt.Sprintf("参数 %s %s", path, message))
}
