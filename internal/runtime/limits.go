package runtime

import (
	"fmt"
	"sync"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
)

// rateWindow 是单个插件的固定窗口计数。
type rateWindow struct {
	count       int
	windowStart time.Time
}

const rateWindowSize = time.Minute

// rateLimiter 按插件做每分钟固定窗口限流，窗口过期时惰性重置。
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: make(map[string]*rateWindow)}
}

// allow 尝试为插件记一次执行。limit<=0 表示不限流。
func (l *rateLimiter) allow(pluginID string, limit int) error {
	if limit <= 0 {
		return nil
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[pluginID]
	if !ok || now.Sub(w.windowStart) >= rateWindowSize {
		l.windows[pluginID] = &rateWindow{count: 1, windowStart: now}
		return nil
	}
	if w.count >= limit {
		retryAfter := rateWindowSize - now.Sub(w.windowStart)
		return xerrors.New(CodeRateLimited,
			fmt.Sprintf("插件 %s 超过每分钟 %d 次限制", pluginID, limit),
			xerrors.WithMetadata("retry_after_ms",
				fmt.Sprintf("%d", retryAfter.Milliseconds())))
	}
	w.count++
	return nil
}

// concurrencyGate 控制全局并发数，超限直接拒绝而不是排队。
type concurrencyGate struct {
	mu      sync.Mutex
	current int
	max     int
}

func newConcurrencyGate(max int) *concurrencyGate {
	return &concurrencyGate{max: max}
}

func (g *concurrencyGate) acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.max > 0 && g.current >= g.max {
		return xerrors.New(xerrors.CodeResourceExhausted,
			fmt.Sprintf("并发执行数已达上限 %d", g.max))
	}
	g.current++
	return nil
}

func (g *concurrencyGate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current > 0 {
		g.current--
	}
}

func (g *concurrencyGate) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}
