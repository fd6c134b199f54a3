package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/prateushsharma/amlbot/internal/retry"
)

// Provider reads chain state from one node.
type Provider interface {
	LatestHeight(ctx context.Context) (uint64, error)
	// BlockWithTransactions returns nil, nil when the node does not have
	// the block yet.
	BlockWithTransactions(ctx context.Context, height uint64) (*Block, error)
}

// ProviderConfig bounds each RPC call.
type ProviderConfig struct {
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultProviderConfig returns the values used when the environment sets
// nothing.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Timeout:       15 * time.Second,
		MaxRetries:    3,
		RetryDelay:    250 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
	}
}

// rpcProvider decodes blocks itself instead of going through
// ethclient.BlockByNumber: L2 and C-Chain blocks carry fields and tx types
// that make go-ethereum's header hash and sender recovery disagree with the
// node.
type rpcProvider struct {
	chain  Chain
	client *rpc.Client
	eth    *ethclient.Client
	cfg    ProviderConfig
}

// DialRPC connects to the chain's configured RPC endpoint.
func DialRPC(ctx context.Context, info Info, cfg ProviderConfig) (Provider, error) {
	if info.RPCURL == "" {
		return nil, fmt.Errorf("no RPC endpoint configured (set %s)", info.RPCEnv)
	}
	client, err := rpc.DialContext(ctx, info.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderConfig().Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &rpcProvider{
		chain:  info.ID,
		client: client,
		eth:    ethclient.NewClient(client),
		cfg:    cfg,
	}, nil
}

func (p *rpcProvider) LatestHeight(ctx context.Context) (uint64, error) {
	return retry.Value(ctx, p.retryPolicy("eth_blockNumber"), func() (uint64, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		start := time.Now()
		h, err := p.eth.BlockNumber(callCtx)
		observeRPC(p.chain, "eth_blockNumber", start, err)
		return h, err
	})
}

func (p *rpcProvider) BlockWithTransactions(ctx context.Context, height uint64) (*Block, error) {
	return retry.Value(ctx, p.retryPolicy("eth_getBlockByNumber"), func() (*Block, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		var raw json.RawMessage
		start := time.Now()
		err := p.client.CallContext(callCtx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(height), true)
		observeRPC(p.chain, "eth_getBlockByNumber", start, err)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 || string(raw) == "null" {
			return nil, nil
		}
		b, err := decodeBlock(raw)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		return b, nil
	})
}

func (p *rpcProvider) retryPolicy(method string) retry.Policy {
	return retry.Policy{
		Attempts:  p.cfg.MaxRetries,
		BaseDelay: p.cfg.RetryDelay,
		MaxDelay:  p.cfg.MaxRetryDelay,
		OnRetry: func(int, error) {
			rpcRetries.WithLabelValues(string(p.chain), method).Inc()
		},
	}
}

func (p *rpcProvider) Close() error {
	p.client.Close()
	return nil
}

type rpcBlock struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         common.Hash    `json:"hash"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []rpcTx        `json:"transactions"`
}

type rpcTx struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
}

func decodeBlock(raw json.RawMessage) (*Block, error) {
	var rb rpcBlock
	if err := json.Unmarshal(raw, &rb); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	b := &Block{
		Number:       uint64(rb.Number),
		Hash:         rb.Hash.Hex(),
		Timestamp:    time.Unix(int64(rb.Timestamp), 0).UTC(), //nolint:gosec // block timestamps fit in int64
		Transactions: make([]Tx, 0, len(rb.Transactions)),
	}
	for _, t := range rb.Transactions {
		tx := Tx{
			Hash:  t.Hash.Hex(),
			From:  strings.ToLower(t.From.Hex()),
			Value: new(big.Int),
		}
		if t.To != nil {
			tx.To = strings.ToLower(t.To.Hex())
		}
		if t.Value != nil {
			tx.Value = t.Value.ToInt()
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b, nil
}
