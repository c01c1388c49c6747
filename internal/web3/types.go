package web3

import (
	"context"
	"math/big"
)

// Balance reports the native-token balance of an account.
type Balance struct {
	Address string   `json:"address"`
	Wei     *big.Int `json:"wei"`
	Symbol  string   `json:"symbol"`
}

// AccountInfo summarizes on-chain account state.
type AccountInfo struct {
	Address  string   `json:"address"`
	Nonce    uint64   `json:"nonce"`
	Balance  *big.Int `json:"balance"`
	Contract bool     `json:"contract"`
}

// TransactionRecord is a single historical transaction touching an account.
type TransactionRecord struct {
	Hash        string   `json:"hash"`
	From        string   `json:"from"`
	To          string   `json:"to"`
	Value       *big.Int `json:"value"`
	BlockNumber uint64   `json:"block_number"`
}

// TransferRequest describes a value transfer to be prepared for signing.
type TransferRequest struct {
	From  string
	To    string
	Value *big.Int
	Data  []byte
}

// UnsignedTransaction is a fully populated transaction awaiting a signature.
// The runtime never signs; signing happens outside the sandbox.
type UnsignedTransaction struct {
	ChainID   *big.Int `json:"chain_id"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Value     *big.Int `json:"value"`
	Data      []byte   `json:"data,omitempty"`
	Nonce     uint64   `json:"nonce"`
	GasLimit  uint64   `json:"gas_limit"`
	GasFeeCap *big.Int `json:"gas_fee_cap"`
	GasTipCap *big.Int `json:"gas_tip_cap"`
}

// SimulationResult reports the outcome of a dry-run transaction execution.
type SimulationResult struct {
	Success    bool   `json:"success"`
	GasUsed    uint64 `json:"gas_used"`
	ReturnData []byte `json:"return_data,omitempty"`
	Revert     string `json:"revert,omitempty"`
}

// TokenMetadata describes an ERC-20 style token contract.
type TokenMetadata struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// NFTMetadata describes a single ERC-721 token.
type NFTMetadata struct {
	Contract string   `json:"contract"`
	TokenID  *big.Int `json:"token_id"`
	Name     string   `json:"name"`
	TokenURI string   `json:"token_uri"`
}

// Client is the common interface every chain implementation must provide so
// the runtime can mediate plugin access to different networks uniformly.
type Client interface {
	GetBalance(ctx context.Context, address string) (*Balance, error)
	GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error)
	GetTransactions(ctx context.Context, address string, limit int) ([]TransactionRecord, error)
	PrepareTransaction(ctx context.Context, req TransferRequest) (*UnsignedTransaction, error)
	SimulateTransaction(ctx context.Context, tx *UnsignedTransaction) (*SimulationResult, error)
	GetTokenMetadata(ctx context.Context, contract string) (*TokenMetadata, error)
	GetNFTMetadata(ctx context.Context, contract string, tokenID *big.Int) (*NFTMetadata, error)
	Close()
}
