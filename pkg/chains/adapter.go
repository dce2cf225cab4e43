package chains

import (
	"context"
	"math/big"
	"time"

	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

// Adapter hides one chain's transport and transaction format from the coordinator
type Adapter interface {
	Endpoint() *types.ChainEndpoint
	Connect(ctx context.Context) error
	IsConnected() bool
	CurrentBlock(ctx context.Context) (uint64, error)
	BalanceOf(ctx context.Context, address string) (*big.Int, error)
	// EstimateFee asks the messaging gateway for the native fee of one message
	EstimateFee(ctx context.Context, request FeeRequest) (*types.FeeQuote, error)
	Submit(ctx context.Context, credential keys.Credential, message OutboundMessage) (*TxHandle, error)
	// AwaitReceipt blocks until the transaction is mined, reverted or timeout elapses
	AwaitReceipt(ctx context.Context, handle *TxHandle, timeout time.Duration) (*Receipt, error)
	QueryState(ctx context.Context, call ContractCall) ([]byte, error)
	// FindDelivery returns nil without error when no matching destination event exists yet
	FindDelivery(ctx context.Context, query DeliveryQuery) (*Delivery, error)
	Close()
}

type FeeRequest struct {
	Destination *types.ChainEndpoint
	Payload     []byte
}

type OutboundMessage struct {
	Destination *types.ChainEndpoint
	Payload     []byte
	Fee         *big.Int
	Value       *big.Int
}

// TotalValue is the native amount attached to the source transaction
func (m *OutboundMessage) TotalValue() *big.Int {
	total := new(big.Int)
	if m.Fee != nil {
		total.Add(total, m.Fee)
	}
	if m.Value != nil {
		total.Add(total, m.Value)
	}
	return total
}

type TxHandle struct {
	Chain       string
	Hash        string
	Nonce       uint64
	SubmittedAt time.Time
}

type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
	GasUsed     uint64
	Fee         *big.Int
	Events      []types.ChainEvent
}

type ContractCall struct {
	To          string
	Data        []byte
	BlockNumber *big.Int
}

// DeliveryQuery matches a destination event by message id first, then by payload identity fields
type DeliveryQuery struct {
	MessageID    string
	SourceEid    uint32
	Kind         types.PayloadKind
	TokenID      *big.Int
	Recipient    string
	Amount       *big.Int
	FromBlock    uint64
	SourceTxHash string
	//Identity matches only accept payloads stamped at or after this unix time
	NotBefore uint64
}

type Delivery struct {
	Event         types.ChainEvent
	Confirmations uint64
}
