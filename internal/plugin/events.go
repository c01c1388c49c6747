package plugin

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/pkg/logger"
)

// EventType 是注册表广播的生命周期事件类型。
type EventType string

const (
	EventInstalled     EventType = "plugin:installed"
	EventUninstalled   EventType = "plugin:uninstalled"
	EventActivated     EventType = "plugin:activated"
	EventDeactivated   EventType = "plugin:deactivated"
	EventUpdated       EventType = "plugin:updated"
	EventError         EventType = "plugin:error"
	EventConfigChanged EventType = "plugin:config_changed"
)

// Event 描述一次插件生命周期变化。
type Event struct {
	ID         string           `json:"id"`
	Type       EventType        `json:"type"`
	PluginID   string           `json:"plugin_id"`
	Severity   xerrors.Severity `json:"severity"`
	Detail     map[string]any   `json:"detail,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// Subscriber 接收注册表事件。回调在发布方的 goroutine 中同步执行，
// 订阅者不应长时间阻塞。
type Subscriber func(Event)

// OnEvent 注册事件订阅者，返回用于退订的句柄。
func (r *Registry) OnEvent(sub Subscriber) string {
	if sub == nil {
		return ""
	}
	id := uuid.NewString()
	r.subMu.Lock()
	r.subscribers[id] = sub
	r.subMu.Unlock()
	return id
}

// OffEvent 退订事件。
func (r *Registry) OffEvent(id string) {
	r.subMu.Lock()
	delete(r.subscribers, id)
	r.subMu.Unlock()
}

// emit 向所有订阅者广播事件。单个订阅者 panic 不影响其余订阅者，
// 也绝不向调用方抛出。
func (r *Registry) emit(eventType EventType, pluginID string, severity xerrors.Severity, detail map[string]any) {
	event := Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		PluginID:   pluginID,
		Severity:   severity,
		Detail:     detail,
		OccurredAt: time.Now(),
	}

	r.subMu.RLock()
	subs := make([]Subscriber, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		subs = append(subs, sub)
	}
	r.subMu.RUnlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.L().Warn("事件订阅者 panic",
						slog.String("event", string(eventType)),
						slog.String("plugin_id", pluginID),
						slog.Any("panic", rec),
					)
				}
			}()
			sub(event)
		}()
	}
}
