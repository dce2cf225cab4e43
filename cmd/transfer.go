package cmd

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/spf13/cobra"
)

type transferFlags struct {
	from           string
	to             []string
	sender         string
	kind           string
	tokenID        string
	cid            string
	manufacturer   string
	recipient      string
	amount         string
	productData    string
	extra          string
	value          string
	idempotencyKey string
	timestamp      uint64
}

var transferOpts transferFlags

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Initiate a cross-chain transfer and wait for its source confirmation",
	RunE: func(cmd *cobra.Command, args []string) error {
		request, err := transferOpts.request(time.Now())
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		service, err := newService(ctx)
		if err != nil {
			return err
		}
		defer service.Stop(ctx)
		service.Connect(ctx)
		record, err := service.Coordinator.Initiate(ctx, request)
		if err != nil {
			return err
		}
		return printJSON(record)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <transfer-id>",
	Short: "Show a transfer and its sub-transfers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		service, err := newService(ctx)
		if err != nil {
			return err
		}
		defer service.Stop(ctx)
		record, err := service.Coordinator.GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(record)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <transfer-id>",
	Short: "Check the destination chain for a transfer now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		service, err := newService(ctx)
		if err != nil {
			return err
		}
		defer service.Stop(ctx)
		service.Connect(ctx)
		record, outcome, err := service.Coordinator.ReconcileNow(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"outcome": outcome, "transfer": record})
	},
}

// request builds the transfer request from the command line. Amounts are integers in base units.
func (f *transferFlags) request(now time.Time) (*types.TransferRequest, error) {
	kind, err := types.ParsePayloadKind(f.kind)
	if err != nil {
		return nil, types.WrapError(types.ErrKindValidation, err, "invalid --kind")
	}
	payload := types.Payload{
		Kind:      kind,
		CID:       f.cid,
		Timestamp: f.timestamp,
	}
	if payload.Timestamp == 0 {
		payload.Timestamp = uint64(now.Unix())
	}
	if payload.TokenID, err = parseInteger("token-id", f.tokenID); err != nil {
		return nil, err
	}
	if payload.Amount, err = parseInteger("amount", f.amount); err != nil {
		return nil, err
	}
	if payload.Manufacturer, err = parseAddress("manufacturer", f.manufacturer); err != nil {
		return nil, err
	}
	if payload.Recipient, err = parseAddress("recipient", f.recipient); err != nil {
		return nil, err
	}
	if f.productData != "" {
		if err := json.Unmarshal([]byte(f.productData), &payload.ProductData); err != nil {
			return nil, types.WrapError(types.ErrKindValidation, err, "--product-data must be a JSON object of strings")
		}
	}
	if f.extra != "" {
		if payload.Extra, err = hexutil.Decode(f.extra); err != nil {
			return nil, types.WrapError(types.ErrKindValidation, err, "--extra must be 0x-prefixed hex")
		}
	}
	value, err := parseInteger("value", f.value)
	if err != nil {
		return nil, err
	}
	destinations := make([]string, 0, len(f.to))
	for _, destination := range f.to {
		if destination = strings.TrimSpace(destination); destination != "" {
			destinations = append(destinations, destination)
		}
	}
	return &types.TransferRequest{
		SourceChain:       f.from,
		DestinationChains: destinations,
		Payload:           payload,
		Sender:            f.sender,
		Value:             value,
		IdempotencyKey:    f.idempotencyKey,
	}, nil
}

func parseInteger(flag string, value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, types.NewError(types.ErrKindValidation, "--%s must be an integer: %s", flag, value)
	}
	return parsed, nil
}

func parseAddress(flag string, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, types.NewError(types.ErrKindValidation, "--%s is not an address: %s", flag, value)
	}
	return common.HexToAddress(value), nil
}

func init() {
	flags := transferCmd.Flags()
	flags.StringVar(&transferOpts.from, "from", "", "Source chain name")
	flags.StringSliceVar(&transferOpts.to, "to", nil, "Destination chain names, or \"all\"")
	flags.StringVar(&transferOpts.sender, "sender", "", "Sender account address")
	flags.StringVar(&transferOpts.kind, "kind", "cid_sync", "Payload kind: cid_sync, token_transfer or nft_transfer")
	flags.StringVar(&transferOpts.tokenID, "token-id", "", "Token id")
	flags.StringVar(&transferOpts.cid, "cid", "", "Content identifier of the product record")
	flags.StringVar(&transferOpts.manufacturer, "manufacturer", "", "Manufacturer address")
	flags.StringVar(&transferOpts.recipient, "recipient", "", "Recipient address")
	flags.StringVar(&transferOpts.amount, "amount", "", "Token amount in base units")
	flags.StringVar(&transferOpts.productData, "product-data", "", "Product data as a JSON object of strings")
	flags.StringVar(&transferOpts.extra, "extra", "", "Opaque hex bytes delivered with the payload")
	flags.StringVar(&transferOpts.value, "value", "", "Native value in wei sent on top of the messaging fee")
	flags.StringVar(&transferOpts.idempotencyKey, "idempotency-key", "", "Key that makes retries return the same transfer")
	flags.Uint64Var(&transferOpts.timestamp, "timestamp", 0, "Payload timestamp in unix seconds, defaults to now")
	transferCmd.MarkFlagRequired("from")
	transferCmd.MarkFlagRequired("to")
	transferCmd.MarkFlagRequired("sender")
}
