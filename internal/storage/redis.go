package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 使用 Redis 保存插件数据，供多实例部署共享。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 存储实例。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentmesh:plugin"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, namespace, key)
}

func (s *RedisStore) pattern(namespace string) string {
	return fmt.Sprintf("%s:%s:*", s.prefix, namespace)
}

// Get 读取命名空间内的键值。
func (s *RedisStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.key(namespace, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Redis 读取失败: %w", err)
	}
	return value, nil
}

// Set 写入命名空间内的键值。
func (s *RedisStore) Set(ctx context.Context, namespace, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(namespace, key), value, 0).Err(); err != nil {
		return fmt.Errorf("Redis 写入失败: %w", err)
	}
	return nil
}

// Delete 删除命名空间内的键。
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.Del(ctx, s.key(namespace, key)).Err(); err != nil {
		return fmt.Errorf("Redis 删除失败: %w", err)
	}
	return nil
}

// List 通过 SCAN 遍历命名空间内的所有键。
func (s *RedisStore) List(ctx context.Context, namespace string) ([]string, error) {
	trim := fmt.Sprintf("%s:%s:", s.prefix, namespace)
	var keys []string
	iter := s.client.Scan(ctx, 0, s.pattern(namespace), 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), trim))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("Redis 扫描失败: %w", err)
	}
	return keys, nil
}

// Clear 清空整个命名空间。
func (s *RedisStore) Clear(ctx context.Context, namespace string) error {
	iter := s.client.Scan(ctx, 0, s.pattern(namespace), 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("Redis 删除失败: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("Redis 扫描失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
