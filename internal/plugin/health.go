package plugin

import (
	"fmt"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/pkg/logger"
)

// HealthChecker 是注册表之外挂接的自定义健康检查。入参是实例快照，
// 检查逻辑不得回调注册表的写操作。
type HealthChecker func(inst *Instance) HealthCheck

// HealthSummary 是全局健康概览。
type HealthSummary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Healthy   int `json:"healthy"`
	Degraded  int `json:"degraded"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
	Errored   int `json:"errored"`
}

// RegisterHealthChecker 挂接一个命名的自定义健康检查，作用于所有激活插件。
func (r *Registry) RegisterHealthChecker(name string, checker HealthChecker) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	r.checkers[name] = checker
}

// StartHealthMonitoring 启动周期巡检协程，重复调用是空操作。
func (r *Registry) StartHealthMonitoring() {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	if r.healthStop != nil {
		return
	}
	stop := make(chan struct{})
	r.healthStop = stop
	go func() {
		ticker := time.NewTicker(r.cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.RunHealthChecks()
			case <-stop:
				return
			}
		}
	}()
	logger.L().Info("插件健康巡检已启动", "interval", r.cfg.HealthCheckInterval.String())
}

// StopHealthMonitoring 停止周期巡检。
func (r *Registry) StopHealthMonitoring() {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	if r.healthStop == nil {
		return
	}
	close(r.healthStop)
	r.healthStop = nil
}

// RunHealthChecks 对所有激活插件执行一轮健康检查并保存结果。
// 基线检查依据执行指标：失败多于成功判定为 degraded。自定义检查在
// 实例快照上运行，结论取所有检查中最差的一项。结论为 unhealthy 的
// 插件会发出 plugin:error 事件，但不自动停用。
func (r *Registry) RunHealthChecks() {
	r.healthMu.Lock()
	checkers := make(map[string]HealthChecker, len(r.checkers))
	for name, fn := range r.checkers {
		checkers[name] = fn
	}
	r.healthMu.Unlock()

	type verdict struct {
		id     string
		status HealthState
	}
	var unhealthy []verdict

	r.mu.Lock()
	for id, inst := range r.instances {
		if inst.Status != StatusActive {
			continue
		}
		now := time.Now()
		checks := []HealthCheck{baselineCheck(inst, now)}
		snap := inst.snapshot()
		for name, fn := range checkers {
			check := fn(snap)
			if check.Name == "" {
				check.Name = name
			}
			if check.CheckedAt.IsZero() {
				check.CheckedAt = now
			}
			checks = append(checks, check)
		}
		overall := HealthHealthy
		for _, check := range checks {
			if worseThan(check.Status, overall) {
				overall = check.Status
			}
		}
		inst.Health = Health{Status: overall, Checks: checks, CheckedAt: now}
		if overall == HealthUnhealthy {
			unhealthy = append(unhealthy, verdict{id: id, status: overall})
		}
	}
	r.mu.Unlock()

	for _, v := range unhealthy {
		r.emit(EventError, v.id, xerrors.SeverityWarning, map[string]any{
			"reason": "健康检查判定为 unhealthy",
		})
	}
}

// baselineCheck 基于累计指标判断执行质量。
func baselineCheck(inst *Instance, now time.Time) HealthCheck {
	check := HealthCheck{Name: "execution-balance", Status: HealthHealthy, CheckedAt: now}
	m := inst.Metrics
	if m.Executions > 0 && m.Failures > m.Successes {
		check.Status = HealthDegraded
		check.Message = fmt.Sprintf("失败 %d 次多于成功 %d 次", m.Failures, m.Successes)
	}
	return check
}

func worseThan(a, b HealthState) bool {
	return healthRank(a) > healthRank(b)
}

func healthRank(s HealthState) int {
	switch s {
	case HealthUnhealthy:
		return 2
	case HealthDegraded:
		return 1
	default:
		return 0
	}
}

// GetHealthSummary 按状态统计所有插件。
func (r *Registry) GetHealthSummary() HealthSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum HealthSummary
	for _, inst := range r.instances {
		sum.Total++
		switch inst.Status {
		case StatusActive:
			sum.Active++
			switch inst.Health.Status {
			case HealthDegraded:
				sum.Degraded++
			case HealthUnhealthy:
				sum.Unhealthy++
			default:
				sum.Healthy++
			}
		case StatusDisabled:
			sum.Disabled++
		case StatusError:
			sum.Errored++
		}
	}
	return sum
}
