package storage

import (
	"context"

	xerrors "AgentMesh-Chain/internal/errors"
)

// ErrKeyNotFound 表示命名空间内不存在指定的键。
var ErrKeyNotFound = xerrors.New(xerrors.CodeNotFound, "key not found")

// Store 抽象了插件持久化键值存储。每个插件只能访问自己的命名空间，
// 运行时在构建沙箱时负责绑定命名空间，存储层本身不做权限判断。
type Store interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Set(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	List(ctx context.Context, namespace string) ([]string, error)
	Clear(ctx context.Context, namespace string) error
	Close() error
}
