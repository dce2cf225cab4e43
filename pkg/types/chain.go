package types

import (
	"math/big"
	"time"
)

type ChainRole string

const (
	RoleHub          ChainRole = "hub"
	RoleManufacturer ChainRole = "manufacturer"
	RoleBuyer        ChainRole = "buyer"
	RoleDistributor  ChainRole = "distributor"
)

// ChainEndpoint identifies a configured chain. It is immutable after config load;
// the live connection behind RPCUrl is owned by the chain's adapter.
type ChainEndpoint struct {
	Name           string        `json:"name" mapstructure:"name" validate:"required"`
	ChainID        uint64        `json:"chainId" mapstructure:"chain_id" validate:"required"`
	Eid            uint32        `json:"eid" mapstructure:"eid" validate:"required"` //Endpoint id of the messaging protocol
	Role           ChainRole     `json:"role" mapstructure:"role"`
	RPCUrl         string        `json:"-" mapstructure:"rpc_url" validate:"required,url"`
	Gateway        string        `json:"gateway" mapstructure:"gateway" validate:"required,eth_addr"`
	Finality       uint64        `json:"finality" mapstructure:"finality"`
	GasLimit       uint64        `json:"gasLimit" mapstructure:"gas_limit"`
	BlockTime      time.Duration `json:"blockTime" mapstructure:"block_time"`
	NativeSymbol   string        `json:"nativeSymbol" mapstructure:"native_symbol"`
	NativeDecimals uint8         `json:"nativeDecimals" mapstructure:"native_decimals"`
	RateLimit      float64       `json:"rateLimit" mapstructure:"rate_limit"` //Max rpc calls per second, 0 means unlimited
	StartBlock     uint64        `json:"startBlock" mapstructure:"start_block"`
}

// FinalityDepth is the number of confirmations a destination event needs, at least one
func (e *ChainEndpoint) FinalityDepth() uint64 {
	if e.Finality == 0 {
		return 1
	}
	return e.Finality
}

// FeeQuote is the native fee the messaging protocol charges for one source -> destination message
type FeeQuote struct {
	Amount           *big.Int `json:"amount"`
	Decimals         uint8    `json:"decimals"`
	Symbol           string   `json:"symbol"`
	SourceChain      string   `json:"sourceChain"`
	DestinationChain string   `json:"destinationChain"`
	PayloadSize      int      `json:"payloadSize"`
	IsFallback       bool     `json:"isFallback"`
}

// ChainEvent is an on-chain observation attached to a transfer for audit
type ChainEvent struct {
	Chain       string            `json:"chain"`
	Name        string            `json:"name"`
	TxHash      string            `json:"txHash"`
	BlockNumber uint64            `json:"blockNumber"`
	LogIndex    uint              `json:"logIndex"`
	MessageID   string            `json:"messageId,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	ObservedAt  time.Time         `json:"observedAt"`
}

const (
	EventSourceSubmitted  = "Source.Submitted"
	EventSourceConfirmed  = "Source.Confirmed"
	EventMessageReceived  = "Destination.MessageReceived"
	EventTransferReceived = "Destination.TransferReceived"
)
