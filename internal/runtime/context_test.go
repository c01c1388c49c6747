package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/plugin"
	"AgentMesh-Chain/internal/secrets"
	"AgentMesh-Chain/internal/storage"
	"AgentMesh-Chain/internal/web3"
	"AgentMesh-Chain/pkg/logger"
)

func newTestSandbox(t *testing.T, deps Dependencies, limits plugin.ResourceLimits, domains []string) (*Sandbox, *ResourceUsage) {
	t.Helper()
	usage := &ResourceUsage{}
	req := &ToolExecutionRequest{RequestID: "req-1", PluginID: "wallet", ToolName: "get_balance"}
	sb := newSandbox(req, deps, limits, logger.ParseLevel("debug"), domains, usage)
	return sb, usage
}

func TestStorageFacadeNamespacingAndMetering(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	sb, usage := newTestSandbox(t, Dependencies{Storage: store}, plugin.ResourceLimits{}, nil)
	if err := sb.Storage.Set(ctx, "key", []byte("value")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := sb.Storage.Get(ctx, "key")
	if err != nil || string(got) != "value" {
		t.Fatalf("get: %v %q", err, got)
	}
	if usage.StorageWrites != 1 || usage.StorageReads != 1 {
		t.Fatalf("unexpected usage: %+v", usage)
	}

	// 其他插件的命名空间看不到这条数据。
	other := &ToolExecutionRequest{RequestID: "req-2", PluginID: "other"}
	otherSb := newSandbox(other, Dependencies{Storage: store}, plugin.ResourceLimits{}, logger.ParseLevel("info"), nil, &ResourceUsage{})
	if _, err := otherSb.Storage.Get(ctx, "key"); err == nil {
		t.Fatal("expected isolation between plugin namespaces")
	}
}

func TestStorageFacadeClear(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, "other", "key", []byte("keep")); err != nil {
		t.Fatalf("seed other namespace: %v", err)
	}

	sb, usage := newTestSandbox(t, Dependencies{Storage: store}, plugin.ResourceLimits{}, nil)
	if err := sb.Storage.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := sb.Storage.Set(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("set b: %v", err)
	}

	if err := sb.Storage.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, err := sb.Storage.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("namespace should be empty after clear: %v", keys)
	}
	// 清空计为一次写操作。
	if usage.StorageWrites != 3 {
		t.Fatalf("clear should be metered as a write: %+v", usage)
	}

	// 别的插件的命名空间不受影响。
	if _, err := store.Get(ctx, "other", "key"); err != nil {
		t.Fatalf("other namespace must survive: %v", err)
	}
}

func TestStorageFacadeClearHitsOpCeiling(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	sb, _ := newTestSandbox(t, Dependencies{Storage: store}, plugin.ResourceLimits{MaxStorageOps: 1}, nil)

	if err := sb.Storage.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := sb.Storage.Clear(ctx); xerrors.CodeOf(err) != xerrors.CodeResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
}

func TestStorageFacadeOpCeiling(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	sb, _ := newTestSandbox(t, Dependencies{Storage: store}, plugin.ResourceLimits{MaxStorageOps: 2}, nil)

	if err := sb.Storage.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := sb.Storage.Set(ctx, "b", []byte("2")); err != nil {
		t.Fatalf("set b: %v", err)
	}
	err := sb.Storage.Set(ctx, "c", []byte("3"))
	if xerrors.CodeOf(err) != xerrors.CodeResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
}

func TestHTTPFacadeDomainAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sb, usage := newTestSandbox(t, Dependencies{HTTPClient: srv.Client()}, plugin.ResourceLimits{MaxNetworkRequests: 2}, []string{"127.0.0.1"})

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := sb.HTTP.Do(req)
	if err != nil {
		t.Fatalf("allowed request: %v", err)
	}
	resp.Body.Close()
	if usage.NetworkRequests != 1 {
		t.Fatalf("request not metered: %+v", usage)
	}

	blocked, err := http.NewRequest(http.MethodGet, "https://evil.example.com/", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if _, err := sb.HTTP.Do(blocked); xerrors.CodeOf(err) != CodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED for foreign domain, got %v", err)
	}
	// 拒绝的请求不计入用量。
	if usage.NetworkRequests != 1 {
		t.Fatalf("denied request should not be metered: %+v", usage)
	}
}

func TestHTTPFacadeRequestCeiling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	sb, _ := newTestSandbox(t, Dependencies{HTTPClient: srv.Client()}, plugin.ResourceLimits{MaxNetworkRequests: 1}, []string{"127.0.0.1"})

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := sb.HTTP.Do(req)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp.Body.Close()

	req2, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if _, err := sb.HTTP.Do(req2); xerrors.CodeOf(err) != xerrors.CodeResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
}

func TestChainFacadeMetering(t *testing.T) {
	mock := web3.NewMockClient("ETH")
	ctx := context.Background()
	sb, usage := newTestSandbox(t, Dependencies{Chain: mock}, plugin.ResourceLimits{MaxNetworkRequests: 2}, nil)

	if _, err := sb.Chain.GetBalance(ctx, "0xabc"); err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if _, err := sb.Chain.GetAccountInfo(ctx, "0xabc"); err != nil {
		t.Fatalf("get account info: %v", err)
	}
	if usage.NetworkRequests != 2 {
		t.Fatalf("chain calls not metered: %+v", usage)
	}
	if _, err := sb.Chain.GetBalance(ctx, "0xabc"); xerrors.CodeOf(err) != xerrors.CodeResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
	if mock.Calls() != 2 {
		t.Fatalf("client should not see rejected calls: %d", mock.Calls())
	}
}

func TestSecretsFacadeBoundToPlugin(t *testing.T) {
	store := secrets.NewMemoryStore()
	ctx := context.Background()
	if err := store.Set(ctx, "wallet", "api_key", "s3cret"); err != nil {
		t.Fatalf("seed secret: %v", err)
	}

	sb, _ := newTestSandbox(t, Dependencies{Secrets: store}, plugin.ResourceLimits{}, nil)
	value, err := sb.Secrets.Get(ctx, "api_key")
	if err != nil || value != "s3cret" {
		t.Fatalf("get secret: %v %q", err, value)
	}

	other := &ToolExecutionRequest{RequestID: "req-2", PluginID: "other"}
	otherSb := newSandbox(other, Dependencies{Secrets: store}, plugin.ResourceLimits{}, logger.ParseLevel("info"), nil, &ResourceUsage{})
	if _, err := otherSb.Secrets.Get(ctx, "api_key"); err == nil {
		t.Fatal("expected secret isolation between plugins")
	}
}
