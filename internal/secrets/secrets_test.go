package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreIsolatesPlugins(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Set(ctx, "wallet", "api_key", "s3cret"); err != nil {
		t.Fatalf("set: %v", err)
	}

	value, err := store.Get(ctx, "wallet", "api_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "s3cret" {
		t.Fatalf("unexpected value: %q", value)
	}

	if _, err := store.Get(ctx, "other", "api_key"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("secrets must be plugin-scoped, got %v", err)
	}

	if err := store.Delete(ctx, "wallet", "api_key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "wallet", "api_key"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "wallet", "api_key"); err != nil {
		t.Fatalf("deleting missing secret should not fail: %v", err)
	}
}

func TestMemoryStoreEnvironmentFallback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Setenv("AGENTMESH_SECRET_AGENTMESH_WALLET_RPC_URL", "https://rpc.example.com")

	value, err := store.Get(ctx, "agentmesh.wallet", "rpc-url")
	if err != nil {
		t.Fatalf("env fallback failed: %v", err)
	}
	if value != "https://rpc.example.com" {
		t.Fatalf("unexpected value: %q", value)
	}

	// 进程内的值优先于环境变量。
	if err := store.Set(ctx, "agentmesh.wallet", "rpc-url", "override"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err = store.Get(ctx, "agentmesh.wallet", "rpc-url")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "override" {
		t.Fatalf("in-memory value must win over env, got %q", value)
	}
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Get(ctx, "wallet", "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
