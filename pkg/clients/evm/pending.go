package evm

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

// AwaitReceipt polls for the receipt of a submitted transaction. A timeout is reported as a
// TimeoutError that keeps the tx hash; the transaction may still be mined later.
func (c *EvmClient) AwaitReceipt(ctx context.Context, handle *chains.TxHandle, timeout time.Duration) (*chains.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	txHash := common.HexToHash(handle.Hash)
	ticker := time.NewTicker(c.receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.fetchReceipt(ctx, txHash)
		if err == nil {
			return c.toReceipt(ctx, handle, receipt)
		}
		if !errors.Is(err, ethereum.NotFound) {
			log.Debug().Err(err).Str("chain", c.endpoint.Name).Str("txHash", handle.Hash).
				Msg("[EvmClient] [AwaitReceipt] failed to get receipt, retrying")
		}
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrKindTimeout, "no receipt after %s", timeout).
				WithChain(c.endpoint.Name).WithTxHash(handle.Hash)
		case <-ticker.C:
		}
	}
}

func (c *EvmClient) fetchReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	backend, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	return backend.TransactionReceipt(ctx, txHash)
}

func (c *EvmClient) toReceipt(ctx context.Context, handle *chains.TxHandle, receipt *ethtypes.Receipt) (*chains.Receipt, error) {
	result := &chains.Receipt{
		TxHash:      handle.Hash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Success:     receipt.Status == ethtypes.ReceiptStatusSuccessful,
		GasUsed:     receipt.GasUsed,
		Events:      c.parseSourceLogs(receipt.Logs),
	}
	if receipt.EffectiveGasPrice != nil {
		result.Fee = new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}
	if result.Success {
		return result, nil
	}
	reason := c.revertReason(ctx, handle, receipt.BlockNumber)
	log.Warn().Str("chain", c.endpoint.Name).Str("txHash", handle.Hash).Str("reason", reason).
		Msg("[EvmClient] [AwaitReceipt] transaction reverted")
	return result, types.NewError(types.ErrKindRevert, "transaction reverted: %s", reason).
		WithChain(c.endpoint.Name).WithTxHash(handle.Hash)
}

// revertReason replays the reverted transaction as a call at its block to recover the reason
func (c *EvmClient) revertReason(ctx context.Context, handle *chains.TxHandle, blockNumber *big.Int) string {
	backend, err := c.client(ctx)
	if err != nil {
		return "unknown"
	}
	tx, _, err := backend.TransactionByHash(ctx, common.HexToHash(handle.Hash))
	if err != nil {
		return "unknown"
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return "unknown"
	}
	_, err = backend.CallContract(ctx, ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, blockNumber)
	if err == nil {
		return "unknown"
	}
	return RevertReason(err)
}

func (c *EvmClient) parseSourceLogs(logs []*ethtypes.Log) []types.ChainEvent {
	sentEvent := gatewayAbi.Events[EVENT_MESSAGE_SENT]
	events := make([]types.ChainEvent, 0, 1)
	for _, txLog := range logs {
		if txLog.Address != c.gatewayAddress || len(txLog.Topics) < 3 || txLog.Topics[0] != sentEvent.ID {
			continue
		}
		attributes := map[string]string{
			"sender": common.BytesToAddress(txLog.Topics[2].Bytes()).Hex(),
		}
		values, err := sentEvent.Inputs.NonIndexed().Unpack(txLog.Data)
		if err == nil && len(values) == 2 {
			if dstEid, ok := values[0].(uint32); ok {
				attributes["dstEid"] = strconv.FormatUint(uint64(dstEid), 10)
			}
			if fee, ok := values[1].(*big.Int); ok {
				attributes["fee"] = fee.String()
			}
		}
		events = append(events, types.ChainEvent{
			Chain:       c.endpoint.Name,
			Name:        types.EventSourceConfirmed,
			TxHash:      txLog.TxHash.Hex(),
			BlockNumber: txLog.BlockNumber,
			LogIndex:    txLog.Index,
			MessageID:   txLog.Topics[1].Hex(),
			Attributes:  attributes,
			ObservedAt:  time.Now().UTC(),
		})
	}
	return events
}
