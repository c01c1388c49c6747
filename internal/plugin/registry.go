package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	xerrors "AgentMesh-Chain/internal/errors"
)

// Config 控制注册表的安装策略与巡检节奏。
type Config struct {
	// MaxPlugins 是可同时安装的插件数量上限。
	MaxPlugins int
	// AllowCommunity 允许安装 community 级别插件。
	AllowCommunity bool
	// AllowExperimental 允许安装 experimental 级别插件。
	AllowExperimental bool
	// HealthCheckInterval 是健康巡检周期。
	HealthCheckInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPlugins <= 0 {
		c.MaxPlugins = 64
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
}

// InstallOptions 控制一次安装行为。
type InstallOptions struct {
	// Force 允许覆盖已安装的同名插件。
	Force bool
	// ActivateImmediately 安装成功后立即激活。
	ActivateImmediately bool
	// Config 指定初始配置，缺省时使用默认配置。
	Config *InstanceConfig
}

// UpdateOptions 控制一次更新行为。
type UpdateOptions struct {
	// AutoRollback 在更新失败时恢复旧清单与工具注册。
	AutoRollback bool
	// ResetConfig 更新成功后将配置重置为默认值。
	ResetConfig bool
}

// ToolRef 将工具定义与其归属插件关联。
type ToolRef struct {
	PluginID string         `json:"plugin_id"`
	Tool     ToolDefinition `json:"tool"`
}

// Filter 是 Search 的过滤条件，所有条件取交集。
type Filter struct {
	Category      string
	TrustLevel    TrustLevel
	Status        Status
	Keyword       string
	HasPermission string
	HasTool       string
}

// Registry 维护插件实例表与全局工具名索引，是整个运行时的唯一事实源。
// 所有共享状态由内部互斥锁保护，不依赖任何全局变量。
type Registry struct {
	mu        sync.RWMutex
	cfg       Config
	instances map[string]*Instance
	toolIndex map[string]string

	subMu       sync.RWMutex
	subscribers map[string]Subscriber

	healthMu   sync.Mutex
	healthStop chan struct{}
	checkers   map[string]HealthChecker
}

// NewRegistry 构造注册表。
func NewRegistry(cfg Config) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:         cfg,
		instances:   make(map[string]*Instance),
		toolIndex:   make(map[string]string),
		subscribers: make(map[string]Subscriber),
		checkers:    make(map[string]HealthChecker),
	}
}

func defaultInstanceConfig() InstanceConfig {
	return InstanceConfig{Enabled: true}
}

func (r *Registry) checkTrust(manifest *Manifest) error {
	switch manifest.TrustLevel {
	case TrustCommunity:
		if !r.cfg.AllowCommunity {
			return xerrors.New(CodeSecurityViolation,
				fmt.Sprintf("插件 %s 属于 community 级别，当前配置不允许安装", manifest.ID))
		}
	case TrustExperimental:
		if !r.cfg.AllowExperimental {
			return xerrors.New(CodeSecurityViolation,
				fmt.Sprintf("插件 %s 属于 experimental 级别，当前配置不允许安装", manifest.ID))
		}
	}
	return nil
}

// Install 校验并安装插件：检查数量上限、可信级别与依赖，把清单内的
// 工具注册进全局索引，并以 inactive 状态保存实例。
func (r *Registry) Install(manifest *Manifest, opts InstallOptions) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	if err := r.checkTrust(manifest); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.instances[manifest.ID]; exists {
		if !opts.Force {
			r.mu.Unlock()
			return xerrors.New(xerrors.CodeConflict,
				fmt.Sprintf("插件 %s 已安装", manifest.ID))
		}
		r.removeLocked(manifest.ID)
	}
	if len(r.instances) >= r.cfg.MaxPlugins {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeResourceExhausted,
			fmt.Sprintf("插件数量已达上限 %d", r.cfg.MaxPlugins))
	}

	for _, dep := range manifest.Dependencies {
		if dep.Optional {
			continue
		}
		inst, ok := r.instances[dep.PluginID]
		if !ok {
			r.mu.Unlock()
			return xerrors.New(CodeDependencyMissing,
				fmt.Sprintf("依赖的插件 %s 未安装", dep.PluginID))
		}
		if inst.Status != StatusActive {
			r.mu.Unlock()
			return xerrors.New(CodeDependencyMissing,
				fmt.Sprintf("依赖的插件 %s 未激活", dep.PluginID))
		}
	}

	for _, tool := range manifest.Tools {
		if owner, taken := r.toolIndex[tool.Name]; taken && owner != manifest.ID {
			r.mu.Unlock()
			return xerrors.New(CodeConfigurationInvalid,
				fmt.Sprintf("工具名 %q 已被插件 %s 占用", tool.Name, owner))
		}
	}
	for _, tool := range manifest.Tools {
		r.toolIndex[tool.Name] = manifest.ID
	}

	cfg := defaultInstanceConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	r.instances[manifest.ID] = &Instance{
		Manifest:    manifest,
		Status:      StatusInactive,
		Config:      cfg,
		InstalledAt: time.Now(),
	}
	r.mu.Unlock()

	r.emit(EventInstalled, manifest.ID, xerrors.SeverityInfo, map[string]any{
		"version": manifest.Version,
		"tools":   len(manifest.Tools),
	})

	if opts.ActivateImmediately {
		return r.Activate(manifest.ID)
	}
	return nil
}

// removeLocked 摘除实例及其工具注册，调用方必须持有写锁。
func (r *Registry) removeLocked(id string) {
	inst, ok := r.instances[id]
	if !ok {
		return
	}
	for _, tool := range inst.Manifest.Tools {
		if r.toolIndex[tool.Name] == id {
			delete(r.toolIndex, tool.Name)
		}
	}
	delete(r.instances, id)
}

// Uninstall 卸载插件：先停用，再摘除工具注册并删除实例。
func (r *Registry) Uninstall(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("插件 %s 未安装", id))
	}
	wasActive := inst.Status == StatusActive
	if wasActive {
		inst.Status = StatusInactive
	}
	r.removeLocked(id)
	r.mu.Unlock()

	if wasActive {
		r.emit(EventDeactivated, id, xerrors.SeverityInfo, nil)
	}
	r.emit(EventUninstalled, id, xerrors.SeverityInfo, nil)
	return nil
}

// Activate 激活插件。重复激活是幂等空操作；error 状态会携带存储的
// 失败原因拒绝激活，直到一次成功的更新或重装将其清除。
func (r *Registry) Activate(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("插件 %s 未安装", id))
	}
	switch inst.Status {
	case StatusActive:
		r.mu.Unlock()
		return nil
	case StatusDisabled:
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("插件 %s 已被管理员停用", id))
	case StatusError:
		lastError := inst.LastError
		r.mu.Unlock()
		return xerrors.New(CodeLoadFailed,
			fmt.Sprintf("插件 %s 处于错误状态: %s", id, lastError))
	}
	inst.Status = StatusActive
	inst.ActivatedAt = time.Now()
	r.mu.Unlock()

	r.emit(EventActivated, id, xerrors.SeverityInfo, nil)
	return nil
}

// Deactivate 停用插件。重复停用是幂等空操作。
func (r *Registry) Deactivate(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("插件 %s 未安装", id))
	}
	if inst.Status != StatusActive {
		r.mu.Unlock()
		return nil
	}
	inst.Status = StatusInactive
	r.mu.Unlock()

	r.emit(EventDeactivated, id, xerrors.SeverityInfo, nil)
	return nil
}

func normalizeVersion(raw string) string {
	return "v" + strings.TrimPrefix(strings.TrimSpace(raw), "v")
}

// Update 用新清单替换插件：要求版本严格递增，重新校验清单并交换工具
// 注册。失败时仅在 AutoRollback 开启时恢复原状，否则实例停留在 error
// 状态，由调用方检查修复。
func (r *Registry) Update(id string, manifest *Manifest, opts UpdateOptions) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	if manifest.ID != id {
		return xerrors.New(CodeConfigurationInvalid,
			fmt.Sprintf("清单 ID %s 与目标插件 %s 不一致", manifest.ID, id))
	}

	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("插件 %s 未安装", id))
	}

	oldManifest := inst.Manifest
	oldVersion := normalizeVersion(oldManifest.Version)
	newVersion := normalizeVersion(manifest.Version)
	if !semver.IsValid(newVersion) || semver.Compare(newVersion, oldVersion) <= 0 {
		r.mu.Unlock()
		return xerrors.New(CodeVersionMismatch,
			fmt.Sprintf("更新版本 %s 必须高于当前版本 %s", manifest.Version, oldManifest.Version))
	}

	wasActive := inst.Status == StatusActive
	oldConfig := inst.Config

	// 交换工具注册：先摘除旧名，再尝试注册新名。
	for _, tool := range oldManifest.Tools {
		if r.toolIndex[tool.Name] == id {
			delete(r.toolIndex, tool.Name)
		}
	}
	var conflictErr error
	for _, tool := range manifest.Tools {
		if owner, taken := r.toolIndex[tool.Name]; taken && owner != id {
			conflictErr = xerrors.New(CodeConfigurationInvalid,
				fmt.Sprintf("工具名 %q 已被插件 %s 占用", tool.Name, owner))
			break
		}
	}
	if conflictErr != nil {
		if opts.AutoRollback {
			for _, tool := range oldManifest.Tools {
				r.toolIndex[tool.Name] = id
			}
			inst.Manifest = oldManifest
			inst.Config = oldConfig
			r.mu.Unlock()
			return conflictErr
		}
		// 无回滚：工具注册已被摘除，实例进入 error 状态等待人工处理。
		inst.Status = StatusError
		inst.LastError = conflictErr.Error()
		r.mu.Unlock()
		r.emit(EventError, id, xerrors.SeverityWarning, map[string]any{
			"reason": conflictErr.Error(),
		})
		return conflictErr
	}
	for _, tool := range manifest.Tools {
		r.toolIndex[tool.Name] = id
	}

	inst.Manifest = manifest
	if opts.ResetConfig {
		inst.Config = defaultInstanceConfig()
	}
	inst.LastError = ""
	inst.UpdatedAt = time.Now()
	if wasActive {
		inst.Status = StatusActive
		inst.ActivatedAt = time.Now()
	}
	r.mu.Unlock()

	r.emit(EventUpdated, id, xerrors.SeverityInfo, map[string]any{
		"from": oldManifest.Version,
		"to":   manifest.Version,
	})
	return nil
}

// Disable 是管理员强制停用，独立于常规激活流程。
func (r *Registry) Disable(id, reason string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("插件 %s 未安装", id))
	}
	if inst.Status == StatusDisabled {
		r.mu.Unlock()
		return nil
	}
	wasActive := inst.Status == StatusActive
	inst.Status = StatusDisabled
	inst.DisabledReason = reason
	r.mu.Unlock()

	if wasActive {
		r.emit(EventDeactivated, id, xerrors.SeverityInfo, nil)
	}
	r.emit(EventConfigChanged, id, xerrors.SeverityWarning, map[string]any{
		"action": "disable",
		"reason": reason,
	})
	return nil
}

// Enable 解除管理员停用，实例回到 inactive 状态。
func (r *Registry) Enable(id string) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("插件 %s 未安装", id))
	}
	if inst.Status != StatusDisabled {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("插件 %s 未被停用", id))
	}
	inst.Status = StatusInactive
	inst.DisabledReason = ""
	r.mu.Unlock()

	r.emit(EventConfigChanged, id, xerrors.SeverityInfo, map[string]any{
		"action": "enable",
	})
	return nil
}

// Get 返回插件实例的快照。
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return inst.snapshot(), true
}

// GetAll 返回所有插件实例的快照，按 ID 排序。
func (r *Registry) GetAll() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(func(*Instance) bool { return true })
}

// GetActive 返回所有激活插件的快照。
func (r *Registry) GetActive() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(func(in *Instance) bool { return in.Status == StatusActive })
}

func (r *Registry) collectLocked(keep func(*Instance) bool) []*Instance {
	ids := make([]string, 0, len(r.instances))
	for id, inst := range r.instances {
		if keep(inst) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	result := make([]*Instance, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.instances[id].snapshot())
	}
	return result
}

// Search 按过滤条件检索插件，所有条件取交集；Keyword 在名称、描述与
// 关键字上做子串匹配。
func (r *Registry) Search(filter Filter) []*Instance {
	keyword := strings.ToLower(strings.TrimSpace(filter.Keyword))
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(func(in *Instance) bool {
		m := in.Manifest
		if filter.Category != "" && m.Category != filter.Category {
			return false
		}
		if filter.TrustLevel != "" && m.TrustLevel != filter.TrustLevel {
			return false
		}
		if filter.Status != "" && in.Status != filter.Status {
			return false
		}
		if keyword != "" && !matchKeyword(m, keyword) {
			return false
		}
		if filter.HasPermission != "" && !hasPermission(m, filter.HasPermission) {
			return false
		}
		if filter.HasTool != "" {
			if _, ok := m.Tool(filter.HasTool); !ok {
				return false
			}
		}
		return true
	})
}

func matchKeyword(m *Manifest, keyword string) bool {
	if strings.Contains(strings.ToLower(m.Name), keyword) {
		return true
	}
	if strings.Contains(strings.ToLower(m.Description), keyword) {
		return true
	}
	for _, kw := range m.Keywords {
		if strings.Contains(strings.ToLower(kw), keyword) {
			return true
		}
	}
	return false
}

func hasPermission(m *Manifest, scope string) bool {
	for _, perm := range m.Permissions {
		if perm.Scope == scope {
			return true
		}
	}
	return false
}

// IsInstalled 判断插件是否已安装。
func (r *Registry) IsInstalled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[id]
	return ok
}

// IsActive 判断插件是否处于激活状态。
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return ok && inst.Status == StatusActive
}

// GetTool 返回工具定义及其归属插件，仅当归属插件处于激活状态。
func (r *Registry) GetTool(name string) (string, *ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.toolIndex[name]
	if !ok {
		return "", nil, false
	}
	inst, ok := r.instances[owner]
	if !ok || inst.Status != StatusActive {
		return "", nil, false
	}
	tool, ok := inst.Manifest.Tool(name)
	if !ok {
		return "", nil, false
	}
	return owner, tool, true
}

// GetAllTools 列出所有激活插件暴露的工具，按工具名排序。
func (r *Registry) GetAllTools() []ToolRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]ToolRef, 0, len(r.toolIndex))
	for name, owner := range r.toolIndex {
		inst, ok := r.instances[owner]
		if !ok || inst.Status != StatusActive {
			continue
		}
		if tool, ok := inst.Manifest.Tool(name); ok {
			refs = append(refs, ToolRef{PluginID: owner, Tool: *tool})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Tool.Name < refs[j].Tool.Name })
	return refs
}

// FindPluginByTool 反查工具归属的插件，不要求插件处于激活状态。
func (r *Registry) FindPluginByTool(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.toolIndex[name]
	return owner, ok
}
