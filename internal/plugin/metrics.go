package plugin

import (
	"sort"
	"time"
)

// AggregateMetrics 是跨插件的全局执行统计。
type AggregateMetrics struct {
	TotalExecutions int64          `json:"total_executions"`
	SuccessRate     float64        `json:"success_rate"`
	AvgDurationMs   float64        `json:"avg_duration_ms"`
	TopPlugins      []MetricsEntry `json:"top_plugins,omitempty"`
	TopTools        []MetricsEntry `json:"top_tools,omitempty"`
}

// MetricsEntry 是排行榜中的一项。
type MetricsEntry struct {
	Name       string `json:"name"`
	Executions int64  `json:"executions"`
}

const metricsTopN = 5

// RecordExecution 记录一次工具执行结果，以滑动平均维护耗时。
// 插件不存在时静默忽略，执行路径不应因指标失败而报错。
func (r *Registry) RecordExecution(pluginID, toolName string, success bool, duration time.Duration) {
	now := time.Now()
	ms := float64(duration.Milliseconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[pluginID]
	if !ok {
		return
	}

	m := &inst.Metrics
	m.Executions++
	if success {
		m.Successes++
	} else {
		m.Failures++
	}
	m.AvgDurationMs += (ms - m.AvgDurationMs) / float64(m.Executions)
	m.LastExecutedAt = now

	if m.Tools == nil {
		m.Tools = make(map[string]*ToolMetrics)
	}
	tm, ok := m.Tools[toolName]
	if !ok {
		tm = &ToolMetrics{}
		m.Tools[toolName] = tm
	}
	tm.Executions++
	if !success {
		tm.Failures++
	}
	tm.AvgDurationMs += (ms - tm.AvgDurationMs) / float64(tm.Executions)
	tm.LastExecutedAt = now
}

// GetMetrics 返回单个插件的指标快照。
func (r *Registry) GetMetrics(pluginID string) (Metrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[pluginID]
	if !ok {
		return Metrics{}, false
	}
	return inst.snapshot().Metrics, true
}

// GetAggregateMetrics 汇总所有插件的执行统计，并给出执行量前五的
// 插件与工具。
func (r *Registry) GetAggregateMetrics() AggregateMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agg AggregateMetrics
	var successes int64
	var weightedMs float64
	plugins := make([]MetricsEntry, 0, len(r.instances))
	tools := make([]MetricsEntry, 0)

	for id, inst := range r.instances {
		m := inst.Metrics
		agg.TotalExecutions += m.Executions
		successes += m.Successes
		weightedMs += m.AvgDurationMs * float64(m.Executions)
		if m.Executions > 0 {
			plugins = append(plugins, MetricsEntry{Name: id, Executions: m.Executions})
		}
		for name, tm := range m.Tools {
			if tm.Executions > 0 {
				tools = append(tools, MetricsEntry{Name: name, Executions: tm.Executions})
			}
		}
	}

	if agg.TotalExecutions > 0 {
		agg.SuccessRate = float64(successes) / float64(agg.TotalExecutions)
		agg.AvgDurationMs = weightedMs / float64(agg.TotalExecutions)
	}
	agg.TopPlugins = topEntries(plugins, metricsTopN)
	agg.TopTools = topEntries(tools, metricsTopN)
	return agg
}

func topEntries(entries []MetricsEntry, n int) []MetricsEntry {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Executions != entries[j].Executions {
			return entries[i].Executions > entries[j].Executions
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
