package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/plugin"
	"AgentMesh-Chain/internal/secrets"
	"AgentMesh-Chain/internal/storage"
	"AgentMesh-Chain/internal/web3"
	"AgentMesh-Chain/pkg/logger"
)

// Sandbox 是处理器可见的全部执行环境。所有外设访问都经过门面计量，
// 处理器拿不到底层存储、网络或链客户端的直接引用。
type Sandbox struct {
	PluginID  string
	RequestID string
	Logger    *slog.Logger
	Storage   *StorageFacade
	HTTP      *HTTPFacade
	Chain     *ChainFacade
	Secrets   *SecretsFacade

	usage *ResourceUsage
}

// Handler 是工具的执行入口。返回的 error 会被归类为结构化 ToolError。
type Handler func(ctx context.Context, sandbox *Sandbox, params map[string]any) (any, error)

func newSandbox(req *ToolExecutionRequest, deps Dependencies, limits plugin.ResourceLimits, logLevel slog.Level, allowedDomains []string, usage *ResourceUsage) *Sandbox {
	sb := &Sandbox{
		PluginID:  req.PluginID,
		RequestID: req.RequestID,
		Logger: logger.Leveled("plugin."+req.PluginID, logLevel).With(
			"plugin_id", req.PluginID,
			"request_id", req.RequestID,
		),
		usage: usage,
	}
	if deps.Storage != nil {
		sb.Storage = &StorageFacade{
			store:     deps.Storage,
			namespace: req.PluginID,
			maxOps:    limits.MaxStorageOps,
			usage:     usage,
		}
	}
	sb.HTTP = &HTTPFacade{
		client:         deps.HTTPClient,
		maxRequests:    limits.MaxNetworkRequests,
		allowedDomains: allowedDomains,
		usage:          usage,
	}
	if deps.Chain != nil {
		sb.Chain = &ChainFacade{
			client:      deps.Chain,
			maxRequests: limits.MaxNetworkRequests,
			usage:       usage,
		}
	}
	if deps.Secrets != nil {
		sb.Secrets = &SecretsFacade{store: deps.Secrets, pluginID: req.PluginID}
	}
	return sb
}

// StorageFacade 把插件的键值访问绑定在以插件 ID 命名的命名空间下，
// 并对读写分别计量。
type StorageFacade struct {
	store     storage.Store
	namespace string
	maxOps    int64
	usage     *ResourceUsage
}

func (f *StorageFacade) countOp(write bool) error {
	reads := atomic.LoadInt64(&f.usage.StorageReads)
	writes := atomic.LoadInt64(&f.usage.StorageWrites)
	if f.maxOps > 0 && reads+writes >= f.maxOps {
		return xerrors.New(xerrors.CodeResourceExhausted,
			fmt.Sprintf("存储操作数已达上限 %d", f.maxOps))
	}
	if write {
		atomic.AddInt64(&f.usage.StorageWrites, 1)
	} else {
		atomic.AddInt64(&f.usage.StorageReads, 1)
	}
	return nil
}

func (f *StorageFacade) Get(ctx context.Context, key string) ([]byte, error) {
	if err := f.countOp(false); err != nil {
		return nil, err
	}
	return f.store.Get(ctx, f.namespace, key)
}

func (f *StorageFacade) Set(ctx context.Context, key string, value []byte) error {
	if err := f.countOp(true); err != nil {
		return err
	}
	return f.store.Set(ctx, f.namespace, key, value)
}

func (f *StorageFacade) Delete(ctx context.Context, key string) error {
	if err := f.countOp(true); err != nil {
		return err
	}
	return f.store.Delete(ctx, f.namespace, key)
}

func (f *StorageFacade) List(ctx context.Context) ([]string, error) {
	if err := f.countOp(false); err != nil {
		return nil, err
	}
	return f.store.List(ctx, f.namespace)
}

func (f *StorageFacade) Clear(ctx context.Context) error {
	if err := f.countOp(true); err != nil {
		return err
	}
	return f.store.Clear(ctx, f.namespace)
}

// HTTPFacade 是插件的出网通道：限制请求总数，且只放行白名单域名。
type HTTPFacade struct {
	client         *http.Client
	maxRequests    int64
	allowedDomains []string
	usage          *ResourceUsage
}

func (f *HTTPFacade) countRequest() error {
	if f.maxRequests > 0 && atomic.LoadInt64(&f.usage.NetworkRequests) >= f.maxRequests {
		return xerrors.New(xerrors.CodeResourceExhausted,
			fmt.Sprintf("网络请求数已达上限 %d", f.maxRequests))
	}
	atomic.AddInt64(&f.usage.NetworkRequests, 1)
	return nil
}

func (f *HTTPFacade) domainAllowed(host string) bool {
	if len(f.allowedDomains) == 0 {
		return false
	}
	host = strings.ToLower(host)
	for _, domain := range f.allowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// Do 代表插件发起一次 HTTP 请求。
func (f *HTTPFacade) Do(req *http.Request) (*http.Response, error) {
	if !f.domainAllowed(req.URL.Hostname()) {
		return nil, xerrors.New(CodePermissionDenied,
			fmt.Sprintf("域名 %s 不在允许名单内", req.URL.Hostname()))
	}
	if err := f.countRequest(); err != nil {
		return nil, err
	}
	client := f.client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return client.Do(req)
}

// ChainFacade 是插件访问区块链的唯一通道，每次调用计入网络请求数。
type ChainFacade struct {
	client      web3.Client
	maxRequests int64
	usage       *ResourceUsage
}

func (f *ChainFacade) countRequest() error {
	if f.maxRequests > 0 && atomic.LoadInt64(&f.usage.NetworkRequests) >= f.maxRequests {
		return xerrors.New(xerrors.CodeResourceExhausted,
			fmt.Sprintf("网络请求数已达上限 %d", f.maxRequests))
	}
	atomic.AddInt64(&f.usage.NetworkRequests, 1)
	return nil
}

func (f *ChainFacade) GetBalance(ctx context.Context, address string) (*web3.Balance, error) {
	if err := f.countRequest(); err != nil {
		return nil, err
	}
	return f.client.GetBalance(ctx, address)
}

func (f *ChainFacade) GetAccountInfo(ctx context.Context, address string) (*web3.AccountInfo, error) {
	if err := f.countRequest(); err != nil {
		return nil, err
	}
	return f.client.GetAccountInfo(ctx, address)
}

func (f *ChainFacade) GetTransactions(ctx context.Context, address string, limit int) ([]web3.TransactionRecord, error) {
	if err := f.countRequest(); err != nil {
		return nil, err
	}
	return f.client.GetTransactions(ctx, address, limit)
}

func (f *ChainFacade) PrepareTransaction(ctx context.Context, req web3.TransferRequest) (*web3.UnsignedTransaction, error) {
	if err := f.countRequest(); err != nil {
		return nil, err
	}
	return f.client.PrepareTransaction(ctx, req)
}

func (f *ChainFacade) SimulateTransaction(ctx context.Context, tx *web3.UnsignedTransaction) (*web3.SimulationResult, error) {
	if err := f.countRequest(); err != nil {
		return nil, err
	}
	return f.client.SimulateTransaction(ctx, tx)
}

func (f *ChainFacade) GetTokenMetadata(ctx context.Context, contract string) (*web3.TokenMetadata, error) {
	if err := f.countRequest(); err != nil {
		return nil, err
	}
	return f.client.GetTokenMetadata(ctx, contract)
}

func (f *ChainFacade) GetNFTMetadata(ctx context.Context, contract string, tokenID *big.Int) (*web3.NFTMetadata, error) {
	if err := f.countRequest(); err != nil {
		return nil, err
	}
	return f.client.GetNFTMetadata(ctx, contract, tokenID)
}

// SecretsFacade 只允许插件读取归属自己的密钥，不暴露写入。
type SecretsFacade struct {
	store    secrets.Store
	pluginID string
}

func (f *SecretsFacade) Get(ctx context.Context, name string) (string, error) {
	return f.store.Get(ctx, f.pluginID, name)
}
