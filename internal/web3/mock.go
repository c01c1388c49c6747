package web3

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
)

// MockClient is a deterministic in-memory chain used in tests and in
// deployments without a configured RPC endpoint. Balances derive from the
// address bytes so results are stable across runs.
type MockClient struct {
	symbol string
	calls  atomic.Int64
}

// NewMockClient constructs a mock chain client.
func NewMockClient(symbol string) *MockClient {
	if symbol == "" {
		symbol = "ETH"
	}
	return &MockClient{symbol: symbol}
}

// Calls reports how many client methods have been invoked.
func (m *MockClient) Calls() int64 { return m.calls.Load() }

func (m *MockClient) deterministicValue(seed string) *big.Int {
	sum := int64(1)
	for _, r := range strings.ToLower(seed) {
		sum = (sum*31 + int64(r)) % 1_000_000_007
	}
	// 至少 1 ETH，保证模拟转账不会因为余额不足而失败。
	value := new(big.Int).Mul(big.NewInt(sum%1000+1), big.NewInt(1e18))
	return value
}

func (m *MockClient) GetBalance(ctx context.Context, address string) (*Balance, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Balance{Address: address, Wei: m.deterministicValue(address), Symbol: m.symbol}, nil
}

func (m *MockClient) GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &AccountInfo{
		Address:  address,
		Nonce:    uint64(len(address)),
		Balance:  m.deterministicValue(address),
		Contract: strings.HasPrefix(strings.ToLower(address), "0xc0"),
	}, nil
}

func (m *MockClient) GetTransactions(ctx context.Context, address string, limit int) ([]TransactionRecord, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	records := make([]TransactionRecord, 0, limit)
	for i := 0; i < limit; i++ {
		records = append(records, TransactionRecord{
			Hash:        fmt.Sprintf("0x%064x", i+1),
			From:        address,
			To:          fmt.Sprintf("0x%040x", i+1),
			Value:       big.NewInt(int64(i+1) * 1e15),
			BlockNumber: uint64(1000 + i),
		})
	}
	return records, nil
}

func (m *MockClient) PrepareTransaction(ctx context.Context, req TransferRequest) (*UnsignedTransaction, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.To == "" {
		return nil, fmt.Errorf("转账目标地址不能为空")
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	return &UnsignedTransaction{
		ChainID:   big.NewInt(1337),
		From:      req.From,
		To:        req.To,
		Value:     value,
		Data:      req.Data,
		Nonce:     uint64(len(req.From)),
		GasLimit:  21000,
		GasFeeCap: big.NewInt(2e9),
		GasTipCap: big.NewInt(1e9),
	}, nil
}

func (m *MockClient) SimulateTransaction(ctx context.Context, tx *UnsignedTransaction) (*SimulationResult, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("待模拟的交易不能为空")
	}
	balance := m.deterministicValue(tx.From)
	if tx.Value != nil && tx.Value.Cmp(balance) > 0 {
		return &SimulationResult{Success: false, GasUsed: 21000, Revert: "insufficient balance"}, nil
	}
	return &SimulationResult{Success: true, GasUsed: 21000}, nil
}

func (m *MockClient) GetTokenMetadata(ctx context.Context, contract string) (*TokenMetadata, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &TokenMetadata{Address: contract, Name: "Mock Token", Symbol: "MOCK", Decimals: 18}, nil
}

func (m *MockClient) GetNFTMetadata(ctx context.Context, contract string, tokenID *big.Int) (*NFTMetadata, error) {
	m.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tokenID == nil {
		tokenID = big.NewInt(0)
	}
	return &NFTMetadata{
		Contract: contract,
		TokenID:  new(big.Int).Set(tokenID),
		Name:     fmt.Sprintf("Mock NFT #%s", tokenID),
		TokenURI: fmt.Sprintf("ipfs://mock/%s/%s", contract, tokenID),
	}, nil
}

func (m *MockClient) Close() {}
