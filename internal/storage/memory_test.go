package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Get(ctx, "ns", "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	if err := store.Set(ctx, "ns", "k1", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, err := store.Get(ctx, "ns", "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "v1" {
		t.Fatalf("unexpected value: %q", value)
	}

	if err := store.Delete(ctx, "ns", "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "ns", "k1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "ns", "k1"); err != nil {
		t.Fatalf("deleting missing key should not fail: %v", err)
	}
}

func TestMemoryStoreListAndClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for _, key := range []string{"c", "a", "b"} {
		if err := store.Set(ctx, "ns", key, []byte(key)); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if err := store.Set(ctx, "other", "x", []byte("x")); err != nil {
		t.Fatalf("set other: %v", err)
	}

	keys, err := store.List(ctx, "ns")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := store.Clear(ctx, "ns"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, err = store.List(ctx, "ns")
	if err != nil {
		t.Fatalf("list after clear: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("namespace should be empty, got %v", keys)
	}

	// 其他命名空间不受影响。
	if _, err := store.Get(ctx, "other", "x"); err != nil {
		t.Fatalf("other namespace should survive clear: %v", err)
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	original := []byte("immutable")
	if err := store.Set(ctx, "ns", "k", original); err != nil {
		t.Fatalf("set: %v", err)
	}
	original[0] = 'X'

	value, err := store.Get(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "immutable" {
		t.Fatalf("stored value was mutated: %q", value)
	}

	value[0] = 'Y'
	again, err := store.Get(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if string(again) != "immutable" {
		t.Fatalf("returned slice must be a copy: %q", again)
	}
}

func TestMemoryStoreHonorsContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Set(ctx, "ns", "k", []byte("v")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.List(ctx, "ns"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
