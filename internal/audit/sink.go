package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/pkg/logger"
)

// Kind 区分审计记录的来源。
type Kind string

const (
	// KindRegistryEvent 对应插件注册表发出的生命周期事件。
	KindRegistryEvent Kind = "registry_event"
	// KindExecution 对应一次工具执行产生的审计轨迹。
	KindExecution Kind = "execution"
)

// Record 描述一条交由外部保留的审计记录。注册表和运行时自身不做持久化，
// 长期保留由部署方选择的 Sink 负责。
type Record struct {
	Kind       Kind              `json:"kind"`
	PluginID   string            `json:"plugin_id"`
	ToolName   string            `json:"tool_name,omitempty"`
	RequestID  string            `json:"request_id,omitempty"`
	Event      string            `json:"event"`
	Severity   xerrors.Severity  `json:"severity"`
	Detail     map[string]any    `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Sink 负责接收审计记录。
type Sink interface {
	Write(ctx context.Context, record Record) error
	Close() error
}

// FanoutSink 将记录广播到多个下游 Sink，单个 Sink 失败不影响其他。
type FanoutSink struct {
	sinks []Sink
}

// NewFanout 创建 FanoutSink。nil Sink 会被忽略。
func NewFanout(sinks ...Sink) *FanoutSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &FanoutSink{sinks: kept}
}

// Write 广播记录并汇总所有失败。
func (f *FanoutSink) Write(ctx context.Context, record Record) error {
	if f == nil {
		return nil
	}
	var errs []error
	for i, sink := range f.sinks {
		if err := sink.Write(ctx, record); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Close 关闭所有下游 Sink。
func (f *FanoutSink) Close() error {
	if f == nil {
		return nil
	}
	var err error
	for _, sink := range f.sinks {
		err = errors.Join(err, sink.Close())
	}
	return err
}

// LogSink 将审计记录写入审计日志通道，是默认的 Sink。
type LogSink struct{}

// NewLogSink 创建日志 Sink。
func NewLogSink() *LogSink { return &LogSink{} }

// Write 按严重程度输出到审计日志。
func (s *LogSink) Write(ctx context.Context, record Record) error {
	attrs := []any{
		slog.String("kind", string(record.Kind)),
		slog.String("plugin_id", record.PluginID),
		slog.String("event", record.Event),
		slog.Time("occurred_at", record.OccurredAt),
	}
	if record.ToolName != "" {
		attrs = append(attrs, slog.String("tool", record.ToolName))
	}
	if record.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", record.RequestID))
	}
	if len(record.Detail) > 0 {
		attrs = append(attrs, slog.Any("detail", record.Detail))
	}
	switch record.Severity {
	case xerrors.SeverityCritical:
		logger.Audit().Error("audit", attrs...)
	case xerrors.SeverityWarning:
		logger.Audit().Warn("audit", attrs...)
	default:
		logger.Audit().Info("audit", attrs...)
	}
	return nil
}

// Close 实现 Sink 接口。
func (s *LogSink) Close() error { return nil }
