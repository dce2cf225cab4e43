package evm

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

const (
	COMPONENT_NAME           = "EvmClient"
	DEFAULT_BLOCK_TIME       = 12 * time.Second
	DEFAULT_RECEIPT_POLL     = 2 * time.Second
	DEFAULT_RECOVER_RANGE    = 5000  //Max block range of a single eth_getLogs query
	DEFAULT_LOOKBACK_BLOCKS  = 50000 //How far back delivery lookups go when no start block is known
	GAS_LIMIT_MARGIN_PERCENT = 20
)

// Backend is the subset of *ethclient.Client used by the adapter
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error)
	Close()
}

type Option func(*EvmClient)

// WithBackend injects a backend instead of dialing the endpoint's rpc url
func WithBackend(backend Backend) Option {
	return func(c *EvmClient) {
		c.backend = backend
	}
}

func WithReceiptPollInterval(interval time.Duration) Option {
	return func(c *EvmClient) {
		c.receiptPollInterval = interval
	}
}

func WithRecoverRange(blocks uint64) Option {
	return func(c *EvmClient) {
		c.recoverRange = blocks
	}
}
