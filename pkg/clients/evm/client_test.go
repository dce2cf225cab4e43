package evm_test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/clients/evm"
	"github.com/scalarorg/fact-relayer/pkg/codec"
	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	TEST_PRIVATE_KEY = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	TEST_ADDRESS     = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	GATEWAY_ADDRESS  = "0x1a44076050125825900e736c501f859c50fE728c"
)

var (
	hubEndpoint = types.ChainEndpoint{
		Name:           "hub",
		ChainID:        11155111,
		Eid:            40161,
		RPCUrl:         "http://localhost:8545",
		Gateway:        GATEWAY_ADDRESS,
		Finality:       2,
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
	}
	buyerEndpoint = types.ChainEndpoint{
		Name:     "buyer",
		ChainID:  421614,
		Eid:      40231,
		RPCUrl:   "http://localhost:8546",
		Gateway:  GATEWAY_ADDRESS,
		Finality: 3,
	}
)

type revertError struct {
	data string
}

func (e *revertError) Error() string          { return "execution reverted" }
func (e *revertError) ErrorCode() int         { return 3 }
func (e *revertError) ErrorData() interface{} { return e.data }

type fakeBackend struct {
	mu       sync.Mutex
	chainID  *big.Int
	block    uint64
	baseFee  *big.Int
	fee      *big.Int
	received bool
	callErr  error
	sendErr  error
	sent     []*ethtypes.Transaction
	receipts map[common.Hash]*ethtypes.Receipt
	logs     []ethtypes.Log
}

func newFakeBackend(chainID uint64) *fakeBackend {
	return &fakeBackend{
		chainID:  new(big.Int).SetUint64(chainID),
		block:    1000,
		baseFee:  big.NewInt(1_000_000_000),
		fee:      big.NewInt(250_000_000_000_000),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (b *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) { return b.chainID, nil }
func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}
func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	return &ethtypes.Header{Number: new(big.Int).SetUint64(b.block), BaseFee: b.baseFee}, nil
}
func (b *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(1e18), nil
}
func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}
func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}
func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}
func (b *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}
func (b *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if b.callErr != nil {
		return nil, b.callErr
	}
	gateway := evm.GetGatewayABI()
	switch {
	case bytes.HasPrefix(call.Data, gateway.Methods[evm.METHOD_QUOTE_FEE].ID):
		return gateway.Methods[evm.METHOD_QUOTE_FEE].Outputs.Pack(b.fee)
	case bytes.HasPrefix(call.Data, gateway.Methods[evm.METHOD_IS_RECEIVED].ID):
		return gateway.Methods[evm.METHOD_IS_RECEIVED].Outputs.Pack(b.received)
	}
	return nil, errors.New("unknown method")
}
func (b *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}
func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}
func (b *fakeBackend) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range b.sent {
		if tx.Hash() == hash {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}
func (b *fakeBackend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]ethtypes.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []ethtypes.Log
	for _, txLog := range b.logs {
		if txLog.BlockNumber < query.FromBlock.Uint64() || txLog.BlockNumber > query.ToBlock.Uint64() {
			continue
		}
		if topicsMatch(query.Topics, txLog.Topics) {
			matched = append(matched, txLog)
		}
	}
	return matched, nil
}
func (b *fakeBackend) Close() {}

func topicsMatch(filter [][]common.Hash, topics []common.Hash) bool {
	for i, options := range filter {
		if len(options) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, option := range options {
			if option == topics[i] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func receivedLog(t *testing.T, block uint64, srcEid uint32, payload []byte) ethtypes.Log {
	event := evm.GetGatewayABI().Events[evm.EVENT_MESSAGE_RECEIVED]
	data, err := event.Inputs.NonIndexed().Pack(srcEid, payload)
	require.NoError(t, err)
	return ethtypes.Log{
		Address:     common.HexToAddress(GATEWAY_ADDRESS),
		Topics:      []common.Hash{event.ID, codec.MessageID(payload)},
		Data:        data,
		BlockNumber: block,
		TxHash:      crypto.Keccak256Hash(payload, big.NewInt(int64(block)).Bytes()),
	}
}

func connectedClient(t *testing.T, endpoint types.ChainEndpoint, backend *fakeBackend) *evm.EvmClient {
	client := evm.NewEvmClient(&endpoint, evm.WithBackend(backend),
		evm.WithReceiptPollInterval(5*time.Millisecond), evm.WithRecoverRange(100))
	require.NoError(t, client.Connect(context.Background()))
	return client
}

func testCredential(t *testing.T) keys.Credential {
	manager, err := keys.NewLocalManager([]keys.AccountConfig{{Name: "hub", PrivateKey: TEST_PRIVATE_KEY}})
	require.NoError(t, err)
	credential, err := manager.ResolveCredential(context.Background(), TEST_ADDRESS)
	require.NoError(t, err)
	return credential
}

func TestConnectRejectsWrongChain(t *testing.T) {
	client := evm.NewEvmClient(&hubEndpoint, evm.WithBackend(newFakeBackend(1)))
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, types.ErrKindConnection, types.KindOf(err))
	assert.False(t, client.IsConnected())

	_, err = client.CurrentBlock(context.Background())
	assert.Equal(t, types.ErrKindConnection, types.KindOf(err))
}

func TestEstimateFee(t *testing.T) {
	client := connectedClient(t, hubEndpoint, newFakeBackend(hubEndpoint.ChainID))
	quote, err := client.EstimateFee(context.Background(), chains.FeeRequest{Destination: &buyerEndpoint, Payload: []byte{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, "250000000000000", quote.Amount.String())
	assert.Equal(t, "buyer", quote.DestinationChain)
	assert.False(t, quote.IsFallback)
}

func TestSubmitSignsWithCredential(t *testing.T) {
	backend := newFakeBackend(hubEndpoint.ChainID)
	client := connectedClient(t, hubEndpoint, backend)
	payload := []byte{0x01, 0xaa}

	handle, err := client.Submit(context.Background(), testCredential(t), chains.OutboundMessage{
		Destination: &buyerEndpoint,
		Payload:     payload,
		Fee:         big.NewInt(1000),
		Value:       big.NewInt(5),
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, handle.Hash, tx.Hash().Hex())
	assert.Equal(t, uint8(ethtypes.DynamicFeeTxType), tx.Type())
	assert.Equal(t, int64(1005), tx.Value().Int64())
	assert.Equal(t, common.HexToAddress(GATEWAY_ADDRESS), *tx.To())
	assert.Equal(t, uint64(120_000), tx.Gas())

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(TEST_ADDRESS), sender)

	method := evm.GetGatewayABI().Methods[evm.METHOD_SEND]
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, buyerEndpoint.Eid, args[0].(uint32))
	assert.Equal(t, payload, args[1].([]byte))
}

func TestSubmitInsufficientFunds(t *testing.T) {
	backend := newFakeBackend(hubEndpoint.ChainID)
	backend.sendErr = errors.New("insufficient funds for gas * price + value")
	client := connectedClient(t, hubEndpoint, backend)

	_, err := client.Submit(context.Background(), testCredential(t), chains.OutboundMessage{
		Destination: &buyerEndpoint,
		Payload:     []byte{0x01},
		Fee:         big.NewInt(1),
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrKindInsufficientFunds, types.KindOf(err))
}

func TestAwaitReceiptTimeoutKeepsTxHash(t *testing.T) {
	client := connectedClient(t, hubEndpoint, newFakeBackend(hubEndpoint.ChainID))
	handle := &chains.TxHandle{Chain: "hub", Hash: common.HexToHash("0xbeef").Hex()}

	_, err := client.AwaitReceipt(context.Background(), handle, 30*time.Millisecond)
	require.Error(t, err)
	var transferErr *types.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, types.ErrKindTimeout, transferErr.Kind)
	assert.Equal(t, handle.Hash, transferErr.TxHash)
}

func TestAwaitReceiptRevert(t *testing.T) {
	backend := newFakeBackend(hubEndpoint.ChainID)
	client := connectedClient(t, hubEndpoint, backend)
	handle, err := client.Submit(context.Background(), testCredential(t), chains.OutboundMessage{
		Destination: &buyerEndpoint,
		Payload:     []byte{0x01},
		Fee:         big.NewInt(1),
	})
	require.NoError(t, err)

	reason, err := ethabi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := ethabi.Arguments{{Type: reason}}.Pack("fee too low")
	require.NoError(t, err)
	revertData := append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...)
	backend.callErr = &revertError{data: hexutil.Encode(revertData)}
	backend.receipts[common.HexToHash(handle.Hash)] = &ethtypes.Receipt{
		Status:      ethtypes.ReceiptStatusFailed,
		BlockNumber: big.NewInt(1001),
		GasUsed:     50_000,
	}

	receipt, err := client.AwaitReceipt(context.Background(), handle, time.Second)
	require.Error(t, err)
	assert.Equal(t, types.ErrKindRevert, types.KindOf(err))
	assert.Contains(t, err.Error(), "fee too low")
	require.NotNil(t, receipt)
	assert.False(t, receipt.Success)
}

func TestAwaitReceiptSuccess(t *testing.T) {
	backend := newFakeBackend(hubEndpoint.ChainID)
	client := connectedClient(t, hubEndpoint, backend)
	hash := common.HexToHash("0x1234")
	sent := evm.GetGatewayABI().Events[evm.EVENT_MESSAGE_SENT]
	data, err := sent.Inputs.NonIndexed().Pack(buyerEndpoint.Eid, big.NewInt(77))
	require.NoError(t, err)
	messageID := common.HexToHash("0x99")
	backend.receipts[hash] = &ethtypes.Receipt{
		Status:            ethtypes.ReceiptStatusSuccessful,
		BlockNumber:       big.NewInt(1001),
		GasUsed:           21_000,
		EffectiveGasPrice: big.NewInt(2),
		Logs: []*ethtypes.Log{{
			Address: common.HexToAddress(GATEWAY_ADDRESS),
			Topics:  []common.Hash{sent.ID, messageID, common.BytesToHash(common.HexToAddress(TEST_ADDRESS).Bytes())},
			Data:    data,
			TxHash:  hash,
		}},
	}

	receipt, err := client.AwaitReceipt(context.Background(), &chains.TxHandle{Hash: hash.Hex()}, time.Second)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(1001), receipt.BlockNumber)
	assert.Equal(t, int64(42_000), receipt.Fee.Int64())
	require.Len(t, receipt.Events, 1)
	assert.Equal(t, messageID.Hex(), receipt.Events[0].MessageID)
	assert.Equal(t, "40231", receipt.Events[0].Attributes["dstEid"])
	assert.Equal(t, "77", receipt.Events[0].Attributes["fee"])
}

func TestFindDeliveryByMessageID(t *testing.T) {
	backend := newFakeBackend(buyerEndpoint.ChainID)
	client := connectedClient(t, buyerEndpoint, backend)
	payload, err := codec.Encode(&types.Payload{Kind: types.KindCidSync, TokenID: big.NewInt(1), CID: "bafy"})
	require.NoError(t, err)
	messageID := codec.MessageIDHex(payload)

	delivery, err := client.FindDelivery(context.Background(), chains.DeliveryQuery{MessageID: messageID, SourceEid: hubEndpoint.Eid})
	require.NoError(t, err)
	assert.Nil(t, delivery)

	//Spread across several chunks of the scan range
	backend.logs = append(backend.logs, receivedLog(t, 700, hubEndpoint.Eid, payload))
	delivery, err = client.FindDelivery(context.Background(), chains.DeliveryQuery{MessageID: messageID, SourceEid: hubEndpoint.Eid})
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, types.EventMessageReceived, delivery.Event.Name)
	assert.Equal(t, messageID, delivery.Event.MessageID)
	assert.Equal(t, uint64(301), delivery.Confirmations)
	assert.Equal(t, "cid_sync", delivery.Event.Attributes["kind"])

	//Same message from another source does not match
	delivery, err = client.FindDelivery(context.Background(), chains.DeliveryQuery{MessageID: messageID, SourceEid: 1})
	require.NoError(t, err)
	assert.Nil(t, delivery)
}

func TestFindDeliveryTokenTransferByIdentity(t *testing.T) {
	backend := newFakeBackend(buyerEndpoint.ChainID)
	client := connectedClient(t, buyerEndpoint, backend)
	recipient := common.HexToAddress("0x563fea1c8c36f3f97a963de9e1d05f78f84c64ca")
	delivered, err := codec.Encode(&types.Payload{Kind: types.KindTokenTransfer, Recipient: recipient, Amount: big.NewInt(500), Timestamp: 2})
	require.NoError(t, err)
	backend.logs = append(backend.logs, receivedLog(t, 990, hubEndpoint.Eid, delivered))

	delivery, err := client.FindDelivery(context.Background(), chains.DeliveryQuery{
		MessageID: common.HexToHash("0x01").Hex(),
		SourceEid: hubEndpoint.Eid,
		Kind:      types.KindTokenTransfer,
		Recipient: recipient.Hex(),
		Amount:    big.NewInt(500),
	})
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, "500", delivery.Event.Attributes["amount"])
	assert.Equal(t, uint64(11), delivery.Confirmations)
}

func TestFindDeliveryTokenTransferIgnoresEarlierTransfers(t *testing.T) {
	backend := newFakeBackend(buyerEndpoint.ChainID)
	client := connectedClient(t, buyerEndpoint, backend)
	recipient := common.HexToAddress("0x563fea1c8c36f3f97a963de9e1d05f78f84c64ca")
	earlier, err := codec.Encode(&types.Payload{Kind: types.KindTokenTransfer, Recipient: recipient, Amount: big.NewInt(500), Timestamp: 1_700_000_000})
	require.NoError(t, err)
	backend.logs = append(backend.logs, receivedLog(t, 900, hubEndpoint.Eid, earlier))

	query := chains.DeliveryQuery{
		MessageID: common.HexToHash("0x03").Hex(),
		SourceEid: hubEndpoint.Eid,
		Kind:      types.KindTokenTransfer,
		Recipient: recipient.Hex(),
		Amount:    big.NewInt(500),
		NotBefore: 1_700_000_600,
	}
	delivery, err := client.FindDelivery(context.Background(), query)
	require.NoError(t, err)
	assert.Nil(t, delivery)

	later, err := codec.Encode(&types.Payload{Kind: types.KindTokenTransfer, Recipient: recipient, Amount: big.NewInt(500), Timestamp: 1_700_000_600})
	require.NoError(t, err)
	backend.logs = append(backend.logs, receivedLog(t, 995, hubEndpoint.Eid, later))
	delivery, err = client.FindDelivery(context.Background(), query)
	require.NoError(t, err)
	require.NotNil(t, delivery)
	assert.Equal(t, uint64(995), delivery.Event.BlockNumber)
}

func TestFindDeliveryFallsBackToGatewayState(t *testing.T) {
	tests := []struct {
		name     string
		finality uint64
		expected uint64
	}{
		{name: "configured finality", finality: 3, expected: 3},
		{name: "unset finality counts as one confirmation", finality: 0, expected: 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			backend := newFakeBackend(buyerEndpoint.ChainID)
			backend.received = true
			endpoint := buyerEndpoint
			endpoint.Finality = test.finality
			client := connectedClient(t, endpoint, backend)

			delivery, err := client.FindDelivery(context.Background(), chains.DeliveryQuery{MessageID: common.HexToHash("0x02").Hex()})
			require.NoError(t, err)
			require.NotNil(t, delivery)
			assert.Equal(t, test.expected, delivery.Confirmations)
			assert.GreaterOrEqual(t, delivery.Confirmations, endpoint.FinalityDepth())
		})
	}
}

func TestRevertReason(t *testing.T) {
	assert.Equal(t, "boom", evm.RevertReason(errors.New("execution reverted: boom")))
	assert.Equal(t, "", evm.RevertReason(nil))
}
