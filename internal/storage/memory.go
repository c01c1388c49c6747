package storage

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 使用进程内 map 保存插件数据，主要用于测试和单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{namespaces: make(map[string]map[string][]byte)}
}

// Get 读取命名空间内的键值。
func (s *MemoryStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.namespaces[namespace]
	if !ok {
		return nil, ErrKeyNotFound
	}
	value, ok := bucket[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	return clone, nil
}

// Set 写入命名空间内的键值。
func (s *MemoryStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.namespaces[namespace]
	if !ok {
		bucket = make(map[string][]byte)
		s.namespaces[namespace] = bucket
	}
	bucket[key] = clone
	return nil
}

// Delete 删除命名空间内的键。删除不存在的键不视为错误。
func (s *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.namespaces[namespace]; ok {
		delete(bucket, key)
	}
	return nil
}

// List 返回命名空间内按字典序排列的所有键。
func (s *MemoryStore) List(ctx context.Context, namespace string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.namespaces[namespace]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(bucket))
	for key := range bucket {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear 清空整个命名空间。
func (s *MemoryStore) Clear(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, namespace)
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
