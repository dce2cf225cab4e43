package evm

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"golang.org/x/time/rate"
)

var _ chains.Adapter = (*EvmClient)(nil)

// EvmClient is the chain adapter for EVM networks exposing the messaging gateway
type EvmClient struct {
	endpoint            *types.ChainEndpoint
	gatewayAddress      common.Address
	chainID             *big.Int
	mu                  sync.RWMutex
	backend             Backend
	connected           atomic.Bool
	limiter             *rate.Limiter
	receiptPollInterval time.Duration
	recoverRange        uint64
}

func NewEvmClients(endpoints []types.ChainEndpoint) []*EvmClient {
	evmClients := make([]*EvmClient, 0, len(endpoints))
	for i := range endpoints {
		evmClients = append(evmClients, NewEvmClient(&endpoints[i]))
	}
	return evmClients
}

func NewEvmClient(endpoint *types.ChainEndpoint, opts ...Option) *EvmClient {
	limit := rate.Inf
	burst := 1
	if endpoint.RateLimit > 0 {
		limit = rate.Limit(endpoint.RateLimit)
		burst = int(endpoint.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	client := &EvmClient{
		endpoint:            endpoint,
		gatewayAddress:      common.HexToAddress(endpoint.Gateway),
		chainID:             new(big.Int).SetUint64(endpoint.ChainID),
		limiter:             rate.NewLimiter(limit, burst),
		receiptPollInterval: DEFAULT_RECEIPT_POLL,
		recoverRange:        DEFAULT_RECOVER_RANGE,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

func (c *EvmClient) Endpoint() *types.ChainEndpoint {
	return c.endpoint
}

// Connect dials the rpc url unless a backend was injected, then checks the node serves the configured chain id
func (c *EvmClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		log.Info().Str("chain", c.endpoint.Name).Msg("[EvmClient] [Connect] connecting to EVM network")
		rpcClient, err := rpc.DialContext(ctx, c.endpoint.RPCUrl)
		if err != nil {
			return types.WrapError(types.ErrKindConnection, err, "failed to connect to EVM network %s", c.endpoint.Name).
				WithChain(c.endpoint.Name)
		}
		c.backend = ethclient.NewClient(rpcClient)
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return types.WrapError(types.ErrKindConnection, err, "failed to get chain id of %s", c.endpoint.Name).
			WithChain(c.endpoint.Name)
	}
	if chainID.Cmp(c.chainID) != 0 {
		return types.NewError(types.ErrKindConnection, "chain %s expects chain id %s, node reports %s",
			c.endpoint.Name, c.chainID, chainID).WithChain(c.endpoint.Name)
	}
	c.connected.Store(true)
	return nil
}

func (c *EvmClient) IsConnected() bool {
	return c.connected.Load()
}

func (c *EvmClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		c.backend.Close()
	}
	c.connected.Store(false)
}

// client waits for the rate limiter and returns the backend of a connected chain
func (c *EvmClient) client(ctx context.Context) (Backend, error) {
	c.mu.RLock()
	backend := c.backend
	c.mu.RUnlock()
	if backend == nil || !c.connected.Load() {
		return nil, types.NewError(types.ErrKindConnection, "chain %s is not connected", c.endpoint.Name).
			WithChain(c.endpoint.Name)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, types.WrapError(types.ErrKindConnection, err, "rate limiter for %s", c.endpoint.Name).
			WithChain(c.endpoint.Name)
	}
	return backend, nil
}

func (c *EvmClient) CurrentBlock(ctx context.Context) (uint64, error) {
	backend, err := c.client(ctx)
	if err != nil {
		return 0, err
	}
	number, err := backend.BlockNumber(ctx)
	if err != nil {
		return 0, c.classify(err, "failed to get block number")
	}
	return number, nil
}

func (c *EvmClient) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, types.NewError(types.ErrKindValidation, "invalid address %s", address)
	}
	backend, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, c.classify(err, "failed to get balance of %s", address)
	}
	return balance, nil
}

func (c *EvmClient) EstimateFee(ctx context.Context, request chains.FeeRequest) (*types.FeeQuote, error) {
	data, err := gatewayAbi.Pack(METHOD_QUOTE_FEE, request.Destination.Eid, request.Payload)
	if err != nil {
		return nil, types.WrapError(types.ErrKindEstimation, err, "failed to pack quoteFee")
	}
	output, err := c.QueryState(ctx, chains.ContractCall{To: c.endpoint.Gateway, Data: data})
	if err != nil {
		if types.IsKind(err, types.ErrKindConnection) {
			return nil, err
		}
		return nil, types.WrapError(types.ErrKindEstimation, err, "quoteFee %s -> %s", c.endpoint.Name, request.Destination.Name).
			WithChain(c.endpoint.Name)
	}
	values, err := gatewayAbi.Unpack(METHOD_QUOTE_FEE, output)
	if err != nil || len(values) != 1 {
		return nil, types.WrapError(types.ErrKindEstimation, err, "unexpected quoteFee output").WithChain(c.endpoint.Name)
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return nil, types.NewError(types.ErrKindEstimation, "unexpected quoteFee output type %T", values[0])
	}
	return &types.FeeQuote{
		Amount:           amount,
		Decimals:         c.endpoint.NativeDecimals,
		Symbol:           c.endpoint.NativeSymbol,
		SourceChain:      c.endpoint.Name,
		DestinationChain: request.Destination.Name,
		PayloadSize:      len(request.Payload),
	}, nil
}

// QueryState performs a read-only contract call. A nil block number reads the latest state.
func (c *EvmClient) QueryState(ctx context.Context, call chains.ContractCall) ([]byte, error) {
	if !common.IsHexAddress(call.To) {
		return nil, types.NewError(types.ErrKindValidation, "invalid contract address %s", call.To)
	}
	backend, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(call.To)
	output, err := backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: call.Data}, call.BlockNumber)
	if err != nil {
		return nil, c.classify(err, "call to %s failed", call.To)
	}
	return output, nil
}

func (c *EvmClient) classify(err error, format string, args ...any) *types.TransferError {
	kind := types.ErrKindQuery
	if isConnectionError(err) {
		kind = types.ErrKindConnection
	}
	return types.WrapError(kind, err, format, args...).WithChain(c.endpoint.Name)
}

func (c *EvmClient) String() string {
	return fmt.Sprintf("%s(%d)", c.endpoint.Name, c.endpoint.ChainID)
}
