package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	xerrors "AgentMesh-Chain/internal/errors"
)

// ErrSecretNotFound 表示指定插件名下不存在该密钥。
var ErrSecretNotFound = xerrors.New(xerrors.CodeNotFound, "secret not found")

// Store 抽象了按插件隔离的密钥存取。运行时沙箱在构建时绑定插件 ID，
// 插件无法读取其他插件的密钥。
type Store interface {
	Get(ctx context.Context, pluginID, name string) (string, error)
	Set(ctx context.Context, pluginID, name, value string) error
	Delete(ctx context.Context, pluginID, name string) error
}

// MemoryStore 将密钥保存在进程内存中，并在未命中时回退到环境变量
// AGENTMESH_SECRET_<PLUGIN>_<NAME>（非法字符替换为下划线）。
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewMemoryStore 创建内存密钥存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func secretKey(pluginID, name string) string {
	return pluginID + "/" + name
}

func envKey(pluginID, name string) string {
	sanitize := func(raw string) string {
		var b strings.Builder
		for _, r := range strings.ToUpper(raw) {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			} else {
				b.WriteRune('_')
			}
		}
		return b.String()
	}
	return fmt.Sprintf("AGENTMESH_SECRET_%s_%s", sanitize(pluginID), sanitize(name))
}

// Get 读取密钥，进程内未设置时尝试环境变量。
func (s *MemoryStore) Get(ctx context.Context, pluginID, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	value, ok := s.secrets[secretKey(pluginID, name)]
	s.mu.RUnlock()
	if ok {
		return value, nil
	}
	if value, ok := os.LookupEnv(envKey(pluginID, name)); ok {
		return value, nil
	}
	return "", ErrSecretNotFound
}

// Set 写入密钥。
func (s *MemoryStore) Set(ctx context.Context, pluginID, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.secrets[secretKey(pluginID, name)] = value
	s.mu.Unlock()
	return nil
}

// Delete 删除密钥。删除不存在的密钥不视为错误。
func (s *MemoryStore) Delete(ctx context.Context, pluginID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.secrets, secretKey(pluginID, name))
	s.mu.Unlock()
	return nil
}
