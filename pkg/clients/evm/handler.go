package evm

import (
	"context"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/codec"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

type receivedMessage struct {
	messageID common.Hash
	srcEid    uint32
	payload   []byte
}

// FindDelivery looks for the destination gateway's MessageReceived event. The message id is
// tried first; token transfers fall back to matching recipient and amount in the delivered
// payload, ignoring payloads stamped before the transfer. If logs are unavailable the gateway's
// isReceived view is consulted.
func (c *EvmClient) FindDelivery(ctx context.Context, query chains.DeliveryQuery) (*chains.Delivery, error) {
	latest, err := c.CurrentBlock(ctx)
	if err != nil {
		return nil, err
	}
	from := c.deliveryStartBlock(query, latest)
	receivedID := gatewayAbi.Events[EVENT_MESSAGE_RECEIVED].ID

	if query.MessageID != "" {
		topics := [][]common.Hash{{receivedID}, {common.HexToHash(query.MessageID)}}
		delivery, err := c.scanReceived(ctx, from, latest, topics, func(message *receivedMessage) bool {
			return query.SourceEid == 0 || message.srcEid == query.SourceEid
		})
		if err != nil || delivery != nil {
			return delivery, err
		}
	}
	if query.Kind == types.KindTokenTransfer && query.Recipient != "" && query.Amount != nil {
		delivery, err := c.scanReceived(ctx, from, latest, [][]common.Hash{{receivedID}}, func(message *receivedMessage) bool {
			return matchTokenTransfer(message, query)
		})
		if err != nil || delivery != nil {
			return delivery, err
		}
	}
	if query.MessageID != "" {
		received, err := c.isReceived(ctx, common.HexToHash(query.MessageID))
		if err != nil {
			return nil, err
		}
		if received {
			log.Info().Str("chain", c.endpoint.Name).Str("messageId", query.MessageID).
				Msg("[EvmClient] [FindDelivery] gateway reports message received outside the scanned range")
			return &chains.Delivery{
				Event: types.ChainEvent{
					Chain:       c.endpoint.Name,
					Name:        types.EventMessageReceived,
					BlockNumber: latest,
					MessageID:   query.MessageID,
					Attributes:  map[string]string{"source": METHOD_IS_RECEIVED},
					ObservedAt:  time.Now().UTC(),
				},
				Confirmations: c.endpoint.FinalityDepth(),
			}, nil
		}
	}
	return nil, nil
}

func (c *EvmClient) deliveryStartBlock(query chains.DeliveryQuery, latest uint64) uint64 {
	from := query.FromBlock
	if from == 0 {
		from = c.endpoint.StartBlock
	}
	if from == 0 && latest > DEFAULT_LOOKBACK_BLOCKS {
		from = latest - DEFAULT_LOOKBACK_BLOCKS
	}
	return from
}

// scanReceived queries logs in chunks of recoverRange blocks, newest chunk first
func (c *EvmClient) scanReceived(ctx context.Context, from uint64, latest uint64, topics [][]common.Hash, match func(*receivedMessage) bool) (*chains.Delivery, error) {
	if from > latest {
		return nil, nil
	}
	for end := latest; ; {
		start := from
		if end-from+1 > c.recoverRange {
			start = end - c.recoverRange + 1
		}
		backend, err := c.client(ctx)
		if err != nil {
			return nil, err
		}
		logs, err := backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{c.gatewayAddress},
			Topics:    topics,
		})
		if err != nil {
			return nil, c.classify(err, "failed to filter logs [%d, %d]", start, end)
		}
		for i := range logs {
			txLog := &logs[i]
			if txLog.Removed {
				continue
			}
			message, err := parseReceivedLog(txLog)
			if err != nil {
				log.Debug().Err(err).Str("txHash", txLog.TxHash.Hex()).Msg("[EvmClient] [FindDelivery] skip malformed log")
				continue
			}
			if match(message) {
				return &chains.Delivery{
					Event:         c.toDeliveryEvent(txLog, message),
					Confirmations: latest - txLog.BlockNumber + 1,
				}, nil
			}
		}
		if start == from {
			return nil, nil
		}
		end = start - 1
	}
}

func parseReceivedLog(txLog *ethtypes.Log) (*receivedMessage, error) {
	event := gatewayAbi.Events[EVENT_MESSAGE_RECEIVED]
	if len(txLog.Topics) < 2 || txLog.Topics[0] != event.ID {
		return nil, types.NewError(types.ErrKindDecode, "not a %s log", EVENT_MESSAGE_RECEIVED)
	}
	values, err := event.Inputs.NonIndexed().Unpack(txLog.Data)
	if err != nil {
		return nil, types.WrapError(types.ErrKindDecode, err, "failed to unpack %s", EVENT_MESSAGE_RECEIVED)
	}
	if len(values) != 2 {
		return nil, types.NewError(types.ErrKindDecode, "unexpected %s fields", EVENT_MESSAGE_RECEIVED)
	}
	srcEid, ok := values[0].(uint32)
	if !ok {
		return nil, types.NewError(types.ErrKindDecode, "unexpected srcEid type %T", values[0])
	}
	payload, ok := values[1].([]byte)
	if !ok {
		return nil, types.NewError(types.ErrKindDecode, "unexpected payload type %T", values[1])
	}
	return &receivedMessage{messageID: txLog.Topics[1], srcEid: srcEid, payload: payload}, nil
}

func matchTokenTransfer(message *receivedMessage, query chains.DeliveryQuery) bool {
	if query.SourceEid != 0 && message.srcEid != query.SourceEid {
		return false
	}
	payload, err := codec.Decode(message.payload)
	if err != nil || payload.Kind != types.KindTokenTransfer || payload.Amount == nil {
		return false
	}
	if payload.Timestamp < query.NotBefore {
		return false
	}
	return strings.EqualFold(payload.Recipient.Hex(), query.Recipient) && payload.Amount.Cmp(query.Amount) == 0
}

func (c *EvmClient) toDeliveryEvent(txLog *ethtypes.Log, message *receivedMessage) types.ChainEvent {
	attributes := map[string]string{
		"srcEid":      strconv.FormatUint(uint64(message.srcEid), 10),
		"payloadSize": strconv.Itoa(len(message.payload)),
	}
	if payload, err := codec.Decode(message.payload); err == nil {
		attributes["kind"] = payload.Kind.String()
		if payload.Kind == types.KindTokenTransfer && payload.Amount != nil {
			attributes["recipient"] = payload.Recipient.Hex()
			attributes["amount"] = payload.Amount.String()
		}
	}
	return types.ChainEvent{
		Chain:       c.endpoint.Name,
		Name:        types.EventMessageReceived,
		TxHash:      txLog.TxHash.Hex(),
		BlockNumber: txLog.BlockNumber,
		LogIndex:    txLog.Index,
		MessageID:   message.messageID.Hex(),
		Attributes:  attributes,
		ObservedAt:  time.Now().UTC(),
	}
}

func (c *EvmClient) isReceived(ctx context.Context, messageID common.Hash) (bool, error) {
	data, err := gatewayAbi.Pack(METHOD_IS_RECEIVED, messageID)
	if err != nil {
		return false, types.WrapError(types.ErrKindInternal, err, "failed to pack isReceived")
	}
	output, err := c.QueryState(ctx, chains.ContractCall{To: c.endpoint.Gateway, Data: data})
	if err != nil {
		return false, err
	}
	values, err := gatewayAbi.Unpack(METHOD_IS_RECEIVED, output)
	if err != nil || len(values) != 1 {
		return false, types.WrapError(types.ErrKindDecode, err, "unexpected isReceived output")
	}
	received, _ := values[0].(bool)
	return received, nil
}
