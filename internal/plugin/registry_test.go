package plugin

import (
	"sync"
	"testing"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
)

func newManifest(id, version string, tools ...string) *Manifest {
	if len(tools) == 0 {
		tools = []string{id + ".tool"}
	}
	defs := make([]ToolDefinition, 0, len(tools))
	for _, name := range tools {
		defs = append(defs, ToolDefinition{Name: name, Description: "test tool"})
	}
	return &Manifest{
		ID:         id,
		Name:       id,
		Version:    version,
		TrustLevel: TrustCore,
		Category:   "test",
		Tools:      defs,
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(Config{MaxPlugins: 8})
}

func TestInstallAndLifecycle(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Install(newManifest("p1", "1.0.0"), InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	inst, ok := r.Get("p1")
	if !ok {
		t.Fatal("plugin not found after install")
	}
	if inst.Status != StatusInactive {
		t.Fatalf("expected inactive, got %s", inst.Status)
	}

	var mu sync.Mutex
	var events []EventType
	sub := r.OnEvent(func(e Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})
	defer r.OffEvent(sub)

	if err := r.Activate("p1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !r.IsActive("p1") {
		t.Fatal("plugin should be active")
	}
	first, _ := r.Get("p1")

	// 重复激活是幂等空操作：时间戳不变，也不再发事件。
	if err := r.Activate("p1"); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	second, _ := r.Get("p1")
	if !second.ActivatedAt.Equal(first.ActivatedAt) {
		t.Fatalf("re-activate must not touch ActivatedAt: %v vs %v",
			first.ActivatedAt, second.ActivatedAt)
	}

	if err := r.Deactivate("p1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := r.Deactivate("p1"); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}

	mu.Lock()
	got := append([]EventType(nil), events...)
	mu.Unlock()
	want := []EventType{EventActivated, EventDeactivated}
	if len(got) != len(want) {
		t.Fatalf("idempotent calls must not emit duplicates: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected event order: %v", got)
		}
	}

	if err := r.Uninstall("p1"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if r.IsInstalled("p1") {
		t.Fatal("plugin should be gone")
	}
}

func TestInstallDuplicateAndForce(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Install(newManifest("p1", "1.0.0"), InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}

	err := r.Install(newManifest("p1", "1.0.0"), InstallOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	if err := r.Install(newManifest("p1", "2.0.0"), InstallOptions{Force: true}); err != nil {
		t.Fatalf("force install: %v", err)
	}
	inst, _ := r.Get("p1")
	if inst.Manifest.Version != "2.0.0" {
		t.Fatalf("expected replaced manifest, got %s", inst.Manifest.Version)
	}
}

func TestInstallCeiling(t *testing.T) {
	r := NewRegistry(Config{MaxPlugins: 1})
	if err := r.Install(newManifest("p1", "1.0.0"), InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}
	err := r.Install(newManifest("p2", "1.0.0"), InstallOptions{})
	if xerrors.CodeOf(err) != xerrors.CodeResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
}

func TestInstallTrustGating(t *testing.T) {
	r := newTestRegistry(t)

	community := newManifest("c1", "1.0.0")
	community.TrustLevel = TrustCommunity
	err := r.Install(community, InstallOptions{})
	if xerrors.CodeOf(err) != CodeSecurityViolation {
		t.Fatalf("expected SECURITY_VIOLATION, got %v", err)
	}

	allowed := NewRegistry(Config{AllowCommunity: true})
	if err := allowed.Install(community, InstallOptions{}); err != nil {
		t.Fatalf("community install should pass: %v", err)
	}
}

func TestInstallDependencyChecks(t *testing.T) {
	r := newTestRegistry(t)

	dependent := newManifest("p2", "1.0.0")
	dependent.Dependencies = []Dependency{{PluginID: "p1"}}

	err := r.Install(dependent, InstallOptions{})
	if xerrors.CodeOf(err) != CodeDependencyMissing {
		t.Fatalf("expected DEPENDENCY_MISSING, got %v", err)
	}

	if err := r.Install(newManifest("p1", "1.0.0"), InstallOptions{}); err != nil {
		t.Fatalf("install dep: %v", err)
	}
	// 依赖必须处于激活状态。
	err = r.Install(dependent, InstallOptions{})
	if xerrors.CodeOf(err) != CodeDependencyMissing {
		t.Fatalf("expected DEPENDENCY_MISSING for inactive dep, got %v", err)
	}

	if err := r.Activate("p1"); err != nil {
		t.Fatalf("activate dep: %v", err)
	}
	if err := r.Install(dependent, InstallOptions{}); err != nil {
		t.Fatalf("install with active dep: %v", err)
	}

	optional := newManifest("p3", "1.0.0")
	optional.Dependencies = []Dependency{{PluginID: "ghost", Optional: true}}
	if err := r.Install(optional, InstallOptions{}); err != nil {
		t.Fatalf("optional dep should not block: %v", err)
	}
}

func TestToolNameUniqueness(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Install(newManifest("p1", "1.0.0", "shared"), InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}

	err := r.Install(newManifest("p2", "1.0.0", "shared"), InstallOptions{})
	if xerrors.CodeOf(err) != CodeConfigurationInvalid {
		t.Fatalf("expected CONFIGURATION_INVALID, got %v", err)
	}

	// 卸载释放工具名。
	if err := r.Uninstall("p1"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if err := r.Install(newManifest("p2", "1.0.0", "shared"), InstallOptions{}); err != nil {
		t.Fatalf("install after release: %v", err)
	}
}

func TestDisableBlocksActivation(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Install(newManifest("p1", "1.0.0"), InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install: %v", err)
	}

	if err := r.Disable("p1", "security review"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	inst, _ := r.Get("p1")
	if inst.Status != StatusDisabled || inst.DisabledReason != "security review" {
		t.Fatalf("unexpected instance: %+v", inst)
	}

	err := r.Activate("p1")
	if xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}

	if err := r.Enable("p1"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	inst, _ = r.Get("p1")
	if inst.Status != StatusInactive {
		t.Fatalf("expected inactive after enable, got %s", inst.Status)
	}
	if err := r.Activate("p1"); err != nil {
		t.Fatalf("activate after enable: %v", err)
	}
}

func TestUpdateVersionAndRollback(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Install(newManifest("p1", "1.2.0", "t1"), InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install: %v", err)
	}

	err := r.Update("p1", newManifest("p1", "1.2.0", "t1"), UpdateOptions{})
	if xerrors.CodeOf(err) != CodeVersionMismatch {
		t.Fatalf("expected VERSION_MISMATCH, got %v", err)
	}
	err = r.Update("p1", newManifest("p1", "1.1.0", "t1"), UpdateOptions{})
	if xerrors.CodeOf(err) != CodeVersionMismatch {
		t.Fatalf("expected VERSION_MISMATCH for downgrade, got %v", err)
	}

	if err := r.Update("p1", newManifest("p1", "1.3.0", "t2"), UpdateOptions{}); err != nil {
		t.Fatalf("update: %v", err)
	}
	inst, _ := r.Get("p1")
	if inst.Manifest.Version != "1.3.0" || inst.Status != StatusActive {
		t.Fatalf("unexpected instance after update: %+v", inst)
	}
	if _, ok := r.FindPluginByTool("t1"); ok {
		t.Fatal("old tool name should be released")
	}
	if owner, ok := r.FindPluginByTool("t2"); !ok || owner != "p1" {
		t.Fatalf("new tool name not registered: %s %v", owner, ok)
	}
}

func TestUpdateConflictWithAndWithoutRollback(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Install(newManifest("other", "1.0.0", "taken"), InstallOptions{}); err != nil {
		t.Fatalf("install other: %v", err)
	}
	if err := r.Install(newManifest("p1", "1.0.0", "t1"), InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install p1: %v", err)
	}

	// 回滚：冲突后恢复旧注册与状态。
	err := r.Update("p1", newManifest("p1", "2.0.0", "taken"), UpdateOptions{AutoRollback: true})
	if xerrors.CodeOf(err) != CodeConfigurationInvalid {
		t.Fatalf("expected CONFIGURATION_INVALID, got %v", err)
	}
	inst, _ := r.Get("p1")
	if inst.Status != StatusActive || inst.Manifest.Version != "1.0.0" {
		t.Fatalf("rollback failed: %+v", inst)
	}
	if owner, ok := r.FindPluginByTool("t1"); !ok || owner != "p1" {
		t.Fatal("old tool registration should be restored")
	}

	// 无回滚：实例进入 error 状态，禁止再激活。
	err = r.Update("p1", newManifest("p1", "2.0.0", "taken"), UpdateOptions{})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	inst, _ = r.Get("p1")
	if inst.Status != StatusError || inst.LastError == "" {
		t.Fatalf("expected error state, got %+v", inst)
	}
	actErr := r.Activate("p1")
	if xerrors.CodeOf(actErr) != CodeLoadFailed {
		t.Fatalf("expected LOAD_FAILED, got %v", actErr)
	}
}

func TestSearchFilters(t *testing.T) {
	r := newTestRegistry(t)

	wallet := newManifest("wallet", "1.0.0", "get_balance")
	wallet.Category = "blockchain"
	wallet.Keywords = []string{"wallet", "balance"}
	wallet.Permissions = []PermissionScope{{Scope: "chain:read", Required: true}}
	if err := r.Install(wallet, InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install wallet: %v", err)
	}

	market := newManifest("market", "1.0.0", "get_price")
	market.Category = "market-data"
	if err := r.Install(market, InstallOptions{}); err != nil {
		t.Fatalf("install market: %v", err)
	}

	if got := r.Search(Filter{Category: "blockchain"}); len(got) != 1 || got[0].Manifest.ID != "wallet" {
		t.Fatalf("category filter: %+v", got)
	}
	if got := r.Search(Filter{Keyword: "BALANCE"}); len(got) != 1 {
		t.Fatalf("keyword filter should be case-insensitive: %+v", got)
	}
	if got := r.Search(Filter{HasPermission: "chain:read"}); len(got) != 1 {
		t.Fatalf("permission filter: %+v", got)
	}
	if got := r.Search(Filter{HasTool: "get_price"}); len(got) != 1 || got[0].Manifest.ID != "market" {
		t.Fatalf("tool filter: %+v", got)
	}
	if got := r.Search(Filter{Status: StatusActive}); len(got) != 1 || got[0].Manifest.ID != "wallet" {
		t.Fatalf("status filter: %+v", got)
	}
	if got := r.Search(Filter{Category: "blockchain", Keyword: "price"}); len(got) != 0 {
		t.Fatalf("filters should intersect: %+v", got)
	}
}

func TestGetToolRequiresActivePlugin(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Install(newManifest("p1", "1.0.0", "t1"), InstallOptions{}); err != nil {
		t.Fatalf("install: %v", err)
	}

	if _, _, ok := r.GetTool("t1"); ok {
		t.Fatal("inactive plugin tools should be hidden")
	}
	if owner, ok := r.FindPluginByTool("t1"); !ok || owner != "p1" {
		t.Fatal("FindPluginByTool should work regardless of status")
	}

	if err := r.Activate("p1"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	owner, tool, ok := r.GetTool("t1")
	if !ok || owner != "p1" || tool.Name != "t1" {
		t.Fatalf("unexpected tool lookup: %s %+v %v", owner, tool, ok)
	}
	if got := r.GetAllTools(); len(got) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(got))
	}
}

func TestEventsAndSubscriberPanicIsolation(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var events []EventType
	r.OnEvent(func(event Event) {
		panic("broken subscriber")
	})
	handle := r.OnEvent(func(event Event) {
		mu.Lock()
		events = append(events, event.Type)
		mu.Unlock()
	})

	if err := r.Install(newManifest("p1", "1.0.0"), InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := r.Uninstall("p1"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}

	mu.Lock()
	got := append([]EventType(nil), events...)
	mu.Unlock()
	want := []EventType{EventInstalled, EventActivated, EventDeactivated, EventUninstalled}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	r.OffEvent(handle)
	if err := r.Install(newManifest("p2", "1.0.0"), InstallOptions{}); err != nil {
		t.Fatalf("install p2: %v", err)
	}
	mu.Lock()
	after := len(events)
	mu.Unlock()
	if after != len(want) {
		t.Fatal("unsubscribed handler should not receive events")
	}
}

func TestMetricsRecordingAndAggregate(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Install(newManifest("p1", "1.0.0", "t1"), InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install: %v", err)
	}

	r.RecordExecution("p1", "t1", true, 100*time.Millisecond)
	r.RecordExecution("p1", "t1", false, 300*time.Millisecond)

	metrics, ok := r.GetMetrics("p1")
	if !ok {
		t.Fatal("metrics not found")
	}
	if metrics.Executions != 2 || metrics.Successes != 1 || metrics.Failures != 1 {
		t.Fatalf("unexpected counters: %+v", metrics)
	}
	if metrics.AvgDurationMs != 200 {
		t.Fatalf("expected running average 200, got %v", metrics.AvgDurationMs)
	}
	tool := metrics.Tools["t1"]
	if tool == nil || tool.Executions != 2 || tool.Failures != 1 {
		t.Fatalf("unexpected tool metrics: %+v", tool)
	}

	agg := r.GetAggregateMetrics()
	if agg.TotalExecutions != 2 || agg.SuccessRate != 0.5 {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if len(agg.TopPlugins) != 1 || agg.TopPlugins[0].Name != "p1" {
		t.Fatalf("unexpected top plugins: %+v", agg.TopPlugins)
	}
}

func TestHealthChecks(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Install(newManifest("p1", "1.0.0", "t1"), InstallOptions{ActivateImmediately: true}); err != nil {
		t.Fatalf("install: %v", err)
	}

	r.RunHealthChecks()
	inst, _ := r.Get("p1")
	if inst.Health.Status != HealthHealthy {
		t.Fatalf("expected healthy, got %s", inst.Health.Status)
	}

	// 失败多于成功触发 degraded。
	r.RecordExecution("p1", "t1", false, time.Millisecond)
	r.RecordExecution("p1", "t1", false, time.Millisecond)
	r.RecordExecution("p1", "t1", true, time.Millisecond)
	r.RunHealthChecks()
	inst, _ = r.Get("p1")
	if inst.Health.Status != HealthDegraded {
		t.Fatalf("expected degraded, got %s", inst.Health.Status)
	}

	r.RegisterHealthChecker("custom", func(inst *Instance) HealthCheck {
		return HealthCheck{Name: "custom", Status: HealthUnhealthy, Message: "backend gone"}
	})
	r.RunHealthChecks()
	inst, _ = r.Get("p1")
	if inst.Health.Status != HealthUnhealthy {
		t.Fatalf("expected unhealthy, got %s", inst.Health.Status)
	}
	if len(inst.Health.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(inst.Health.Checks))
	}

	summary := r.GetHealthSummary()
	if summary.Total != 1 || summary.Active != 1 || summary.Unhealthy != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestManifestValidate(t *testing.T) {
	valid := newManifest("p1", "1.0.0")
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"missing id", func(m *Manifest) { m.ID = "" }},
		{"missing version", func(m *Manifest) { m.Version = "" }},
		{"bad trust level", func(m *Manifest) { m.TrustLevel = "untrusted" }},
		{"no tools", func(m *Manifest) { m.Tools = nil }},
		{"duplicate tools", func(m *Manifest) {
			m.Tools = append(m.Tools, m.Tools[0])
		}},
		{"empty dep id", func(m *Manifest) {
			m.Dependencies = []Dependency{{PluginID: " "}}
		}},
	}
	for _, tc := range cases {
		m := newManifest("p1", "1.0.0")
		tc.mutate(m)
		err := m.Validate()
		if xerrors.CodeOf(err) != CodeConfigurationInvalid {
			t.Fatalf("%s: expected CONFIGURATION_INVALID, got %v", tc.name, err)
		}
	}
}
