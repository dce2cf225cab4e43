package codec

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"golang.org/x/crypto/sha3"
)

// Wire layout: one version byte followed by the abi encoding of the version's arguments
const (
	VERSION_1       byte = 0x01
	VERSION_2       byte = 0x02 //Adds the opaque extra bytes
	CURRENT_VERSION      = VERSION_2
)

const (
	flagTokenID uint8 = 1 << iota
	flagAmount
	flagProductData //Set for an empty, non-nil map too
	flagExtra
)

var (
	ErrEmptyPayload       = errors.New("empty payload")
	ErrUnsupportedVersion = errors.New("unsupported payload version")
)

var payloadTypesV1 = []string{
	"uint8",    // kind
	"uint8",    // presence flags
	"uint256",  // token id
	"string",   // cid
	"address",  // manufacturer
	"address",  // recipient
	"uint256",  // amount
	"uint64",   // timestamp
	"string[]", // product data keys, sorted
	"string[]", // product data values
}

var (
	payloadArgumentsV1 = mustArguments(payloadTypesV1...)
	payloadArguments   = mustArguments(append(payloadTypesV1[:len(payloadTypesV1):len(payloadTypesV1)], "bytes")...) // + extra
)

func mustArguments(typeNames ...string) ethabi.Arguments {
	var arguments ethabi.Arguments
	for _, name := range typeNames {
		typ, err := ethabi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("invalid abi type %s: %v", name, err))
		}
		arguments = append(arguments, ethabi.Argument{Type: typ})
	}
	return arguments
}

// Encode serializes the payload into the current wire format. Product data keys are
// sorted so the encoding is deterministic; nil and empty maps or extra bytes stay distinct.
func Encode(payload *types.Payload) ([]byte, error) {
	if payload == nil {
		return nil, ErrEmptyPayload
	}
	if payload.Kind == types.KindUnknown {
		return nil, fmt.Errorf("payload kind is not set")
	}
	var flags uint8
	tokenID := big.NewInt(0)
	if payload.TokenID != nil {
		if payload.TokenID.Sign() < 0 {
			return nil, fmt.Errorf("token id must not be negative")
		}
		flags |= flagTokenID
		tokenID = payload.TokenID
	}
	amount := big.NewInt(0)
	if payload.Amount != nil {
		if payload.Amount.Sign() < 0 {
			return nil, fmt.Errorf("amount must not be negative")
		}
		flags |= flagAmount
		amount = payload.Amount
	}
	if payload.ProductData != nil {
		flags |= flagProductData
	}
	extra := []byte{}
	if payload.Extra != nil {
		flags |= flagExtra
		extra = payload.Extra
	}
	keys := make([]string, 0, len(payload.ProductData))
	for key := range payload.ProductData {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = payload.ProductData[key]
	}
	packed, err := payloadArguments.Pack(
		uint8(payload.Kind),
		flags,
		tokenID,
		payload.CID,
		payload.Manufacturer,
		payload.Recipient,
		amount,
		payload.Timestamp,
		keys,
		values,
		extra,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack payload: %w", err)
	}
	return append([]byte{CURRENT_VERSION}, packed...), nil
}

// Decode parses bytes produced by Encode, in the current or an earlier version. Any layout mismatch
// yields a DecodeError.
func Decode(data []byte) (*types.Payload, error) {
	if len(data) == 0 {
		return nil, types.WrapError(types.ErrKindDecode, ErrEmptyPayload, "cannot decode payload")
	}
	var arguments ethabi.Arguments
	switch data[0] {
	case VERSION_1:
		arguments = payloadArgumentsV1
	case VERSION_2:
		arguments = payloadArguments
	default:
		return nil, types.WrapError(types.ErrKindDecode, ErrUnsupportedVersion, "version %d", data[0])
	}
	args, err := arguments.Unpack(data[1:])
	if err != nil {
		return nil, types.WrapError(types.ErrKindDecode, err, "malformed payload")
	}
	if len(args) != len(arguments) {
		return nil, types.NewError(types.ErrKindDecode, "expected %d fields, got %d", len(arguments), len(args))
	}
	kind := types.PayloadKind(args[0].(uint8))
	if kind == types.KindUnknown || kind > types.KindNftTransfer {
		return nil, types.NewError(types.ErrKindDecode, "unknown payload kind %d", kind)
	}
	flags := args[1].(uint8)
	keys := args[8].([]string)
	values := args[9].([]string)
	if len(keys) != len(values) {
		return nil, types.NewError(types.ErrKindDecode, "product data has %d keys and %d values", len(keys), len(values))
	}
	payload := &types.Payload{
		Kind:         kind,
		CID:          args[3].(string),
		Manufacturer: args[4].(common.Address),
		Recipient:    args[5].(common.Address),
		Timestamp:    args[7].(uint64),
	}
	if flags&flagTokenID != 0 {
		payload.TokenID = args[2].(*big.Int)
	}
	if flags&flagAmount != 0 {
		payload.Amount = args[6].(*big.Int)
	}
	if len(keys) > 0 || flags&flagProductData != 0 {
		payload.ProductData = make(map[string]string, len(keys))
		for i, key := range keys {
			payload.ProductData[key] = values[i]
		}
	}
	if data[0] >= VERSION_2 && flags&flagExtra != 0 {
		payload.Extra = append([]byte{}, args[10].([]byte)...)
	}
	return payload, nil
}

// MessageID is the keccak256 of the encoded payload, the identity destinations are matched on
func MessageID(encoded []byte) common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(encoded)
	var hash common.Hash
	hasher.Sum(hash[:0])
	return hash
}

func MessageIDHex(encoded []byte) string {
	return hexutil.Encode(MessageID(encoded).Bytes())
}
