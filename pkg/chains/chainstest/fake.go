// Package chainstest provides an in-memory chain adapter for tests
package chainstest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

var _ chains.Adapter = (*FakeAdapter)(nil)

type FakeAdapter struct {
	mu          sync.Mutex
	endpoint    *types.ChainEndpoint
	connected   bool
	block       uint64
	balances    map[string]*big.Int
	fee         *big.Int
	errors      map[string]error
	reverted    bool
	submissions []chains.OutboundMessage
	deliveries  map[string]*chains.Delivery
	rejected    map[string]error
	queries     int
}

func NewFakeAdapter(name string, eid uint32) *FakeAdapter {
	return &FakeAdapter{
		endpoint: &types.ChainEndpoint{
			Name:           name,
			ChainID:        uint64(eid),
			Eid:            eid,
			Finality:       1,
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
		},
		connected:  true,
		block:      100,
		balances:   make(map[string]*big.Int),
		fee:        big.NewInt(1_000_000_000),
		errors:     make(map[string]error),
		deliveries: make(map[string]*chains.Delivery),
		rejected:   make(map[string]error),
	}
}

func (f *FakeAdapter) Endpoint() *types.ChainEndpoint {
	return f.endpoint
}

func (f *FakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errors["connect"]; err != nil {
		return err
	}
	f.connected = true
	return nil
}

func (f *FakeAdapter) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeAdapter) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

// SetError makes the named operation fail: connect, fee, balance, submit, receipt, query, delivery, block
func (f *FakeAdapter) SetError(operation string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errors, operation)
		return
	}
	f.errors[operation] = err
}

func (f *FakeAdapter) SetBalance(address string, balance *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = balance
}

func (f *FakeAdapter) SetFee(fee *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fee = fee
}

func (f *FakeAdapter) SetReverted(reverted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reverted = reverted
}

// RejectDestination makes Submit fail for messages to the named destination chain
func (f *FakeAdapter) RejectDestination(destination string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[destination] = err
}

func (f *FakeAdapter) SetFinality(finality uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint.Finality = finality
}

func (f *FakeAdapter) SetBlock(block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = block
}

// Deliver records a destination event for messageID at the given depth
func (f *FakeAdapter) Deliver(messageID string, confirmations uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries[messageID] = &chains.Delivery{
		Event: types.ChainEvent{
			Chain:       f.endpoint.Name,
			Name:        types.EventMessageReceived,
			TxHash:      fmt.Sprintf("0x%064x", len(f.deliveries)+1),
			BlockNumber: f.block,
			MessageID:   messageID,
			ObservedAt:  time.Now().UTC(),
		},
		Confirmations: confirmations,
	}
}

func (f *FakeAdapter) Submissions() []chains.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chains.OutboundMessage(nil), f.submissions...)
}

func (f *FakeAdapter) DeliveryQueries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func (f *FakeAdapter) CurrentBlock(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errors["block"]; err != nil {
		return 0, err
	}
	return f.block, nil
}

func (f *FakeAdapter) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errors["balance"]; err != nil {
		return nil, err
	}
	if balance, ok := f.balances[address]; ok {
		return new(big.Int).Set(balance), nil
	}
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil), nil
}

func (f *FakeAdapter) EstimateFee(ctx context.Context, request chains.FeeRequest) (*types.FeeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errors["fee"]; err != nil {
		return nil, err
	}
	return &types.FeeQuote{
		Amount:           new(big.Int).Set(f.fee),
		Decimals:         f.endpoint.NativeDecimals,
		Symbol:           f.endpoint.NativeSymbol,
		SourceChain:      f.endpoint.Name,
		DestinationChain: request.Destination.Name,
		PayloadSize:      len(request.Payload),
	}, nil
}

func (f *FakeAdapter) Submit(ctx context.Context, credential keys.Credential, message chains.OutboundMessage) (*chains.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errors["submit"]; err != nil {
		return nil, err
	}
	if err := f.rejected[message.Destination.Name]; err != nil {
		return nil, err
	}
	f.submissions = append(f.submissions, message)
	nonce := uint64(len(f.submissions))
	hash := crypto.Keccak256Hash([]byte(f.endpoint.Name), message.Payload, new(big.Int).SetUint64(nonce).Bytes())
	return &chains.TxHandle{
		Chain:       f.endpoint.Name,
		Hash:        hash.Hex(),
		Nonce:       nonce,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (f *FakeAdapter) AwaitReceipt(ctx context.Context, handle *chains.TxHandle, timeout time.Duration) (*chains.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errors["receipt"]; err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(types.ErrKindTimeout, err, "stopped waiting for %s", handle.Hash)
	}
	f.block++
	return &chains.Receipt{
		TxHash:      handle.Hash,
		BlockNumber: f.block,
		Success:     !f.reverted,
		GasUsed:     21000,
		Fee:         big.NewInt(21000),
	}, nil
}

func (f *FakeAdapter) QueryState(ctx context.Context, call chains.ContractCall) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errors["query"]; err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *FakeAdapter) FindDelivery(ctx context.Context, query chains.DeliveryQuery) (*chains.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if err := f.errors["delivery"]; err != nil {
		return nil, err
	}
	delivery, ok := f.deliveries[query.MessageID]
	if !ok {
		return nil, nil
	}
	copied := *delivery
	return &copied, nil
}

func (f *FakeAdapter) Close() {
	f.SetConnected(false)
}

// FakeCredential signs nothing; it only carries an address
type FakeCredential string

func (c FakeCredential) Address() string {
	return string(c)
}

func (c FakeCredential) Sign(digest []byte) ([]byte, error) {
	return make([]byte, 65), nil
}

// FakeKeyManager grants the listed capabilities to every known address
type FakeKeyManager struct {
	Accounts map[string][]string
}

func (m *FakeKeyManager) ResolveCredential(ctx context.Context, address string) (keys.Credential, error) {
	if _, ok := m.Accounts[address]; !ok {
		return nil, fmt.Errorf("%s: %w", address, keys.ErrCredentialNotFound)
	}
	return FakeCredential(address), nil
}

func (m *FakeKeyManager) HasCapability(credential keys.Credential, capability string) bool {
	for _, granted := range m.Accounts[credential.Address()] {
		if granted == capability {
			return true
		}
	}
	return false
}
