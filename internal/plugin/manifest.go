package plugin

import (
	"fmt"
	"strings"

	xerrors "AgentMesh-Chain/internal/errors"
)

// TrustLevel 表示插件的来源可信级别，决定其是否允许被安装。
type TrustLevel string

const (
	TrustCore         TrustLevel = "core"
	TrustCommunity    TrustLevel = "community"
	TrustExperimental TrustLevel = "experimental"
)

// IsValidTrustLevel 检查可信级别是否为支持的枚举值。
func IsValidTrustLevel(level TrustLevel) bool {
	switch level {
	case TrustCore, TrustCommunity, TrustExperimental:
		return true
	default:
		return false
	}
}

// PermissionScope 描述插件声明需要的一项权限。
type PermissionScope struct {
	Scope         string `json:"scope"`
	Justification string `json:"justification"`
	Required      bool   `json:"required"`
}

// ParameterKind 是参数类型标签。
type ParameterKind string

const (
	KindString  ParameterKind = "string"
	KindNumber  ParameterKind = "number"
	KindBoolean ParameterKind = "boolean"
	KindArray   ParameterKind = "array"
	KindObject  ParameterKind = "object"
)

// ParameterSpec 描述单个参数的类型与约束。不同类型各自携带一套约束
// 字段，校验器按 Kind 分派。
type ParameterSpec struct {
	Kind        ParameterKind `json:"kind"`
	Description string        `json:"description,omitempty"`
	// 数值约束。
	Minimum *float64 `json:"minimum,omitempty"`
	Maximum *float64 `json:"maximum,omitempty"`
	// 字符串约束。
	MinLength *int     `json:"min_length,omitempty"`
	MaxLength *int     `json:"max_length,omitempty"`
	Enum      []string `json:"enum,omitempty"`
	// 数组约束。
	Items *ParameterSpec `json:"items,omitempty"`
	// 对象约束。
	Properties           map[string]ParameterSpec `json:"properties,omitempty"`
	Required             []string                 `json:"required,omitempty"`
	AdditionalProperties *bool                    `json:"additional_properties,omitempty"`
}

// ParameterSchema 描述一个工具的入参集合。
type ParameterSchema struct {
	Properties map[string]ParameterSpec `json:"properties,omitempty"`
	Required   []string                 `json:"required,omitempty"`
	// AdditionalProperties 为 false 时拒绝未在 Properties 中声明的参数。
	AdditionalProperties *bool `json:"additional_properties,omitempty"`
}

// SafetyConstraints 是工具级安全约束，独立于通用权限检查强制执行。
type SafetyConstraints struct {
	// MaxValuePerExecution 限制单次执行的数值参数上限（如转账额度）。
	MaxValuePerExecution *float64 `json:"max_value_per_execution,omitempty"`
	// BlockedAddresses 中的地址一律拒绝。
	BlockedAddresses []string `json:"blocked_addresses,omitempty"`
	// AllowedAddresses 非空时构成穷举白名单，名单外地址一律拒绝。
	AllowedAddresses []string `json:"allowed_addresses,omitempty"`
	// AllowedTokens 非空时限制可操作的代币合约。
	AllowedTokens []string `json:"allowed_tokens,omitempty"`
}

// RetryPolicy 是工具声明的重试建议，由调用方参考执行。
type RetryPolicy struct {
	Retryable  bool `json:"retryable"`
	MaxRetries int  `json:"max_retries,omitempty"`
}

// ToolDefinition 描述插件暴露的一个可调用工具。
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
	// Returns 仅用于文档，运行时不校验返回值。
	Returns              map[string]any     `json:"returns,omitempty"`
	RequiredPermissions  []string           `json:"required_permissions,omitempty"`
	Constraints          *SafetyConstraints `json:"constraints,omitempty"`
	RequiresConfirmation bool               `json:"requires_confirmation,omitempty"`
	Retry                RetryPolicy        `json:"retry"`
	// EstimatedDurationMs 是给调用方的耗时提示，不参与超时控制。
	EstimatedDurationMs int64    `json:"estimated_duration_ms,omitempty"`
	Examples            []string `json:"examples,omitempty"`
}

// Dependency 描述对另一个插件的依赖。
type Dependency struct {
	PluginID string `json:"plugin_id"`
	Optional bool   `json:"optional,omitempty"`
}

// Manifest 是插件每个版本不可变的描述信息。更新插件时整体替换清单，
// 绝不原地修改。
type Manifest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Author       string            `json:"author,omitempty"`
	TrustLevel   TrustLevel        `json:"trust_level"`
	Category     string            `json:"category,omitempty"`
	Keywords     []string          `json:"keywords,omitempty"`
	Permissions  []PermissionScope `json:"permissions,omitempty"`
	Tools        []ToolDefinition  `json:"tools"`
	Dependencies []Dependency      `json:"dependencies,omitempty"`
}

// Validate 校验清单的基本形态：标识、版本、可信级别，以及至少一个
// 名称唯一的工具。
func (m *Manifest) Validate() error {
	if m == nil {
		return xerrors.New(CodeConfigurationInvalid, "插件清单不能为空")
	}
	if strings.TrimSpace(m.ID) == "" {
		return xerrors.New(CodeConfigurationInvalid, "插件 ID 不能为空")
	}
	if strings.TrimSpace(m.Name) == "" {
		return xerrors.New(CodeConfigurationInvalid, "插件名称不能为空")
	}
	if strings.TrimSpace(m.Version) == "" {
		return xerrors.New(CodeConfigurationInvalid, "插件版本不能为空")
	}
	if !IsValidTrustLevel(m.TrustLevel) {
		return xerrors.New(CodeConfigurationInvalid,
			fmt.Sprintf("未知的可信级别 %q", m.TrustLevel))
	}
	if len(m.Tools) == 0 {
		return xerrors.New(CodeConfigurationInvalid, "插件至少需要声明一个工具")
	}
	seen := make(map[string]struct{}, len(m.Tools))
	for _, tool := range m.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return xerrors.New(CodeConfigurationInvalid, "工具名称不能为空")
		}
		if _, dup := seen[name]; dup {
			return xerrors.New(CodeConfigurationInvalid,
				fmt.Sprintf("工具名 %q 在清单内重复", name))
		}
		seen[name] = struct{}{}
	}
	for _, dep := range m.Dependencies {
		if strings.TrimSpace(dep.PluginID) == "" {
			return xerrors.New(CodeConfigurationInvalid, "依赖的插件 ID 不能为空")
		}
	}
	return nil
}

// Tool 按名称查找清单内的工具定义。
func (m *Manifest) Tool(name string) (*ToolDefinition, bool) {
	if m == nil {
		return nil, false
	}
	for i := range m.Tools {
		if m.Tools[i].Name == name {
			return &m.Tools[i], true
		}
	}
	return nil, false
}
