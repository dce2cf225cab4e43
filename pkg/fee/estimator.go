package fee

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/shopspring/decimal"
)

const ANY_CHAIN = "*"

// FallbackConfig is one configured fee, in whole native units, used when the gateway quote fails
type FallbackConfig struct {
	SourceChain      string `json:"source_chain" mapstructure:"source_chain" validate:"required"`
	DestinationChain string `json:"destination_chain" mapstructure:"destination_chain"`
	Amount           string `json:"amount" mapstructure:"amount" validate:"required"`
}

type Estimator struct {
	mu        sync.RWMutex
	fallbacks map[string]*big.Int
}

func NewEstimator() *Estimator {
	return &Estimator{fallbacks: make(map[string]*big.Int)}
}

// AddFallback registers a fallback fee. An empty destination applies to every destination of the source.
func (e *Estimator) AddFallback(source string, destination string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("fallback fee for %s must be positive", source)
	}
	if destination == "" {
		destination = ANY_CHAIN
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks[pairKey(source, destination)] = new(big.Int).Set(amount)
	return nil
}

// LoadFallbacks converts decimal amounts with the source chain's native decimals
func (e *Estimator) LoadFallbacks(configs []FallbackConfig, endpoints map[string]*types.ChainEndpoint) error {
	for _, cfg := range configs {
		endpoint, ok := endpoints[cfg.SourceChain]
		if !ok {
			return fmt.Errorf("fallback fee references unknown chain %s", cfg.SourceChain)
		}
		amount, err := ParseAmount(cfg.Amount, endpoint.NativeDecimals)
		if err != nil {
			return fmt.Errorf("invalid fallback fee for %s: %w", cfg.SourceChain, err)
		}
		if err := e.AddFallback(cfg.SourceChain, cfg.DestinationChain, amount); err != nil {
			return err
		}
	}
	return nil
}

func (e *Estimator) Fallback(source string, destination string) (*big.Int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if amount, ok := e.fallbacks[pairKey(source, destination)]; ok {
		return new(big.Int).Set(amount), true
	}
	if amount, ok := e.fallbacks[pairKey(source, ANY_CHAIN)]; ok {
		return new(big.Int).Set(amount), true
	}
	return nil, false
}

// Quote asks the source adapter for the fee and falls back to the configured amount on failure.
// A zero quote from the gateway is treated as a failed estimate.
func (e *Estimator) Quote(ctx context.Context, source chains.Adapter, destination *types.ChainEndpoint, payload []byte) (*types.FeeQuote, error) {
	endpoint := source.Endpoint()
	quote, err := source.EstimateFee(ctx, chains.FeeRequest{Destination: destination, Payload: payload})
	if err == nil && quote != nil && quote.Amount != nil && quote.Amount.Sign() > 0 {
		return quote, nil
	}
	if err == nil {
		err = fmt.Errorf("gateway returned an empty fee")
	}
	amount, ok := e.Fallback(endpoint.Name, destination.Name)
	if !ok {
		return nil, types.WrapError(types.ErrKindEstimation, err, "cannot estimate fee %s -> %s", endpoint.Name, destination.Name).
			WithChain(endpoint.Name)
	}
	log.Warn().Err(err).Str("source", endpoint.Name).Str("destination", destination.Name).
		Str("fallback", amount.String()).
		Msg("[FeeEstimator] [Quote] fee estimation failed, using fallback fee")
	return &types.FeeQuote{
		Amount:           amount,
		Decimals:         endpoint.NativeDecimals,
		Symbol:           endpoint.NativeSymbol,
		SourceChain:      endpoint.Name,
		DestinationChain: destination.Name,
		PayloadSize:      len(payload),
		IsFallback:       true,
	}, nil
}

// ParseAmount converts a decimal string in whole units into base units
func ParseAmount(value string, decimals uint8) (*big.Int, error) {
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount %s must be positive", value)
	}
	shifted := amount.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", value, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatAmount renders base units as a decimal string in whole units
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

func pairKey(source string, destination string) string {
	return source + "->" + destination
}
