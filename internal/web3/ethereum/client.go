package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"AgentMesh-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const erc20ABI = `[
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"uint8"}]}
]`

const erc721ABI = `[
	{"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"type":"string"}]},
	{"name":"tokenURI","type":"function","stateMutability":"view","inputs":[{"type":"uint256"}],"outputs":[{"type":"string"}]}
]`

// historyScanDepth bounds how many recent blocks GetTransactions inspects.
const historyScanDepth = 32

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Symbol string
	Notes  string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	symbol    string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	erc20     abi.ABI
	erc721    abi.ABI
	mu        sync.Mutex
	chainID   *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	erc20Parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}
	erc721Parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析 ERC721 ABI 失败: %w", err)
	}

	symbol := strings.TrimSpace(cfg.Symbol)
	if symbol == "" {
		symbol = "ETH"
	}

	return &Client{
		name:      cfg.Name,
		symbol:    symbol,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
		erc20:     erc20Parsed,
		erc721:    erc721Parsed,
	}, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询链 ID 失败: %w", err)
	}
	c.chainID = id
	return id, nil
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("非法的以太坊地址: %s", raw)
	}
	return common.HexToAddress(raw), nil
}

// GetBalance returns the native balance of the given account.
func (c *Client) GetBalance(ctx context.Context, address string) (*web3.Balance, error) {
	account, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	wei, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return &web3.Balance{Address: account.Hex(), Wei: wei, Symbol: c.symbol}, nil
}

// GetAccountInfo reports nonce, balance and whether the account holds code.
func (c *Client) GetAccountInfo(ctx context.Context, address string) (*web3.AccountInfo, error) {
	account, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	nonce, err := c.eth.NonceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	balance, err := c.eth.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	code, err := c.eth.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询合约代码失败: %w", err)
	}
	return &web3.AccountInfo{
		Address:  account.Hex(),
		Nonce:    nonce,
		Balance:  balance,
		Contract: len(code) > 0,
	}, nil
}

// GetTransactions scans the most recent blocks for transactions touching the
// account. Full history requires an indexer, which is out of scope here.
func (c *Client) GetTransactions(ctx context.Context, address string, limit int) ([]web3.TransactionRecord, error) {
	account, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	head, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询最新区块失败: %w", err)
	}
	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}

	var records []web3.TransactionRecord
	for number := head; number > 0 && head-number < historyScanDepth && len(records) < limit; number-- {
		block, err := c.eth.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, fmt.Errorf("读取区块 %d 失败: %w", number, err)
		}
		for _, tx := range block.Transactions() {
			if len(records) >= limit {
				break
			}
			sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(chainID), tx)
			if err != nil {
				continue
			}
			to := ""
			if tx.To() != nil {
				to = tx.To().Hex()
			}
			if sender != account && to != account.Hex() {
				continue
			}
			records = append(records, web3.TransactionRecord{
				Hash:        tx.Hash().Hex(),
				From:        sender.Hex(),
				To:          to,
				Value:       tx.Value(),
				BlockNumber: number,
			})
		}
	}
	return records, nil
}

// PrepareTransaction fills in nonce, gas and fee fields for a transfer so an
// external signer can finalize it.
func (c *Client) PrepareTransaction(ctx context.Context, req web3.TransferRequest) (*web3.UnsignedTransaction, error) {
	from, err := parseAddress(req.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress(req.To)
	if err != nil {
		return nil, err
	}
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("查询 pending nonce 失败: %w", err)
	}
	tipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询小费上限失败: %w", err)
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("查询最新区块头失败: %w", err)
	}
	feeCap := new(big.Int).Add(tipCap, new(big.Int).Mul(header.BaseFee, big.NewInt(2)))

	gasLimit, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{
		From:  from,
		To:    &to,
		Value: value,
		Data:  req.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("估算 gas 失败: %w", err)
	}

	return &web3.UnsignedTransaction{
		ChainID:   chainID,
		From:      from.Hex(),
		To:        to.Hex(),
		Value:     value,
		Data:      req.Data,
		Nonce:     nonce,
		GasLimit:  gasLimit,
		GasFeeCap: feeCap,
		GasTipCap: tipCap,
	}, nil
}

// SimulateTransaction executes the transaction with eth_call semantics
// without committing any state.
func (c *Client) SimulateTransaction(ctx context.Context, tx *web3.UnsignedTransaction) (*web3.SimulationResult, error) {
	if tx == nil {
		return nil, errors.New("待模拟的交易不能为空")
	}
	from, err := parseAddress(tx.From)
	if err != nil {
		return nil, err
	}
	to, err := parseAddress(tx.To)
	if err != nil {
		return nil, err
	}
	msg := gethcore.CallMsg{
		From:      from,
		To:        &to,
		Value:     tx.Value,
		Data:      tx.Data,
		GasFeeCap: tx.GasFeeCap,
		GasTipCap: tx.GasTipCap,
	}
	ret, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return &web3.SimulationResult{Success: false, Revert: err.Error()}, nil
	}
	gasUsed, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return &web3.SimulationResult{Success: false, ReturnData: ret, Revert: err.Error()}, nil
	}
	return &web3.SimulationResult{Success: true, GasUsed: gasUsed, ReturnData: ret}, nil
}

func (c *Client) callString(ctx context.Context, parsed abi.ABI, contract common.Address, method string, args ...any) (string, error) {
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("编码 %s 调用失败: %w", method, err)
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return "", fmt.Errorf("调用合约方法 %s 失败: %w", method, err)
	}
	values, err := parsed.Unpack(method, output)
	if err != nil || len(values) == 0 {
		return "", fmt.Errorf("解析 %s 返回值失败: %w", method, err)
	}
	text, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("合约方法 %s 返回了意外的类型", method)
	}
	return text, nil
}

// GetTokenMetadata reads name/symbol/decimals from an ERC-20 contract.
func (c *Client) GetTokenMetadata(ctx context.Context, contract string) (*web3.TokenMetadata, error) {
	address, err := parseAddress(contract)
	if err != nil {
		return nil, err
	}
	name, err := c.callString(ctx, c.erc20, address, "name")
	if err != nil {
		return nil, err
	}
	symbol, err := c.callString(ctx, c.erc20, address, "symbol")
	if err != nil {
		return nil, err
	}

	input, err := c.erc20.Pack("decimals")
	if err != nil {
		return nil, fmt.Errorf("编码 decimals 调用失败: %w", err)
	}
	output, err := c.eth.CallContract(ctx, gethcore.CallMsg{To: &address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("调用合约方法 decimals 失败: %w", err)
	}
	values, err := c.erc20.Unpack("decimals", output)
	if err != nil || len(values) == 0 {
		return nil, fmt.Errorf("解析 decimals 返回值失败: %w", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return nil, errors.New("合约方法 decimals 返回了意外的类型")
	}

	return &web3.TokenMetadata{
		Address:  address.Hex(),
		Name:     name,
		Symbol:   symbol,
		Decimals: decimals,
	}, nil
}

// GetNFTMetadata reads collection name and token URI from an ERC-721 contract.
func (c *Client) GetNFTMetadata(ctx context.Context, contract string, tokenID *big.Int) (*web3.NFTMetadata, error) {
	address, err := parseAddress(contract)
	if err != nil {
		return nil, err
	}
	if tokenID == nil {
		return nil, errors.New("NFT token ID 不能为空")
	}
	name, err := c.callString(ctx, c.erc721, address, "name")
	if err != nil {
		return nil, err
	}
	uri, err := c.callString(ctx, c.erc721, address, "tokenURI", tokenID)
	if err != nil {
		return nil, err
	}
	return &web3.NFTMetadata{
		Contract: address.Hex(),
		TokenID:  new(big.Int).Set(tokenID),
		Name:     name,
		TokenURI: uri,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}
