package evm

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/fact-relayer/pkg/chains"
	"github.com/scalarorg/fact-relayer/pkg/keys"
	"github.com/scalarorg/fact-relayer/pkg/types"
)

// Submit sends the payload through the source gateway. The transaction is built here and
// signed by the borrowed credential; the private key never reaches the adapter.
func (c *EvmClient) Submit(ctx context.Context, credential keys.Credential, message chains.OutboundMessage) (*chains.TxHandle, error) {
	if credential == nil || !common.IsHexAddress(credential.Address()) {
		return nil, types.NewError(types.ErrKindPermission, "missing signing credential").WithChain(c.endpoint.Name)
	}
	data, err := gatewayAbi.Pack(METHOD_SEND, message.Destination.Eid, message.Payload)
	if err != nil {
		return nil, types.WrapError(types.ErrKindSubmission, err, "failed to pack send")
	}
	tx, err := c.buildTransaction(ctx, common.HexToAddress(credential.Address()), message.TotalValue(), data)
	if err != nil {
		return nil, err
	}
	signed, err := c.signTransaction(tx, credential)
	if err != nil {
		return nil, err
	}
	backend, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		if isInsufficientFunds(err) {
			return nil, types.WrapError(types.ErrKindInsufficientFunds, err, "sender %s cannot pay for transaction", credential.Address()).
				WithChain(c.endpoint.Name)
		}
		if isConnectionError(err) {
			return nil, types.WrapError(types.ErrKindConnection, err, "failed to broadcast transaction").
				WithChain(c.endpoint.Name).WithTxHash(signed.Hash().Hex())
		}
		return nil, types.WrapError(types.ErrKindSubmission, err, "node rejected transaction").
			WithChain(c.endpoint.Name)
	}
	log.Info().Str("chain", c.endpoint.Name).Str("txHash", signed.Hash().Hex()).
		Uint64("nonce", signed.Nonce()).Uint32("dstEid", message.Destination.Eid).
		Msg("[EvmClient] [Submit] transaction broadcast")
	return &chains.TxHandle{
		Chain:       c.endpoint.Name,
		Hash:        signed.Hash().Hex(),
		Nonce:       signed.Nonce(),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// buildTransaction prepares an unsigned gateway call, dynamic fee when the chain has a base fee
func (c *EvmClient) buildTransaction(ctx context.Context, from common.Address, value *big.Int, data []byte) (*ethtypes.Transaction, error) {
	backend, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, c.classify(err, "failed to get nonce of %s", from.Hex())
	}
	gasLimit := c.endpoint.GasLimit
	if gasLimit == 0 {
		estimated, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.gatewayAddress, Value: value, Data: data})
		if err != nil {
			if isConnectionError(err) {
				return nil, types.WrapError(types.ErrKindConnection, err, "failed to estimate gas").WithChain(c.endpoint.Name)
			}
			if isInsufficientFunds(err) {
				return nil, types.WrapError(types.ErrKindInsufficientFunds, err, "sender %s cannot pay for transaction", from.Hex()).
					WithChain(c.endpoint.Name)
			}
			return nil, types.NewError(types.ErrKindSubmission, "gas estimation failed: %s", RevertReason(err)).
				WithChain(c.endpoint.Name)
		}
		gasLimit = estimated + estimated*GAS_LIMIT_MARGIN_PERCENT/100
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, c.classify(err, "failed to get latest header")
	}
	if head.BaseFee == nil {
		gasPrice, err := backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, c.classify(err, "failed to suggest gas price")
		}
		return ethtypes.NewTx(&ethtypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &c.gatewayAddress,
			Value:    value,
			Data:     data,
		}), nil
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, c.classify(err, "failed to suggest gas tip")
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &c.gatewayAddress,
		Value:     value,
		Data:      data,
	}), nil
}

func (c *EvmClient) signTransaction(tx *ethtypes.Transaction, credential keys.Credential) (*ethtypes.Transaction, error) {
	signer := ethtypes.LatestSignerForChainID(c.chainID)
	signature, err := credential.Sign(signer.Hash(tx).Bytes())
	if err != nil {
		return nil, types.WrapError(types.ErrKindPermission, err, "credential %s failed to sign", credential.Address()).
			WithChain(c.endpoint.Name)
	}
	signed, err := tx.WithSignature(signer, signature)
	if err != nil {
		return nil, types.WrapError(types.ErrKindSubmission, err, "invalid signature").WithChain(c.endpoint.Name)
	}
	return signed, nil
}
