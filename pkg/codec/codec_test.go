package codec_test

import (
	"math/big"
	"testing"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/fact-relayer/pkg/codec"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	manufacturer = common.HexToAddress("0x982321eb5693cdbaadffe97056bece07d09ba49f")
	recipient    = common.HexToAddress("0x563fea1c8c36f3f97a963de9e1d05f78f84c64ca")
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload types.Payload
	}{
		{
			name: "cid sync with product data",
			payload: types.Payload{
				Kind:         types.KindCidSync,
				TokenID:      big.NewInt(42),
				CID:          "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
				Manufacturer: manufacturer,
				Timestamp:    1729238400,
				ProductData: map[string]string{
					"serial": "SN-0001",
					"batch":  "2024-10",
					"":       "empty key",
				},
			},
		},
		{
			name: "token transfer without token id",
			payload: types.Payload{
				Kind:      types.KindTokenTransfer,
				Recipient: recipient,
				Amount:    new(big.Int).Mul(big.NewInt(1e18), big.NewInt(3)),
				Timestamp: 1,
			},
		},
		{
			name: "nft transfer with huge token id",
			payload: types.Payload{
				Kind:         types.KindNftTransfer,
				TokenID:      new(big.Int).Lsh(big.NewInt(1), 255),
				Manufacturer: manufacturer,
				Recipient:    recipient,
				Amount:       big.NewInt(5),
			},
		},
		{
			name: "empty product data stays empty",
			payload: types.Payload{
				Kind:        types.KindCidSync,
				TokenID:     big.NewInt(1),
				CID:         "cid",
				ProductData: map[string]string{},
			},
		},
		{
			name: "extra bytes",
			payload: types.Payload{
				Kind:      types.KindTokenTransfer,
				Recipient: recipient,
				Amount:    big.NewInt(10),
				Extra:     []byte{0xde, 0xad, 0xbe, 0xef},
			},
		},
		{
			name: "empty extra bytes",
			payload: types.Payload{
				Kind:    types.KindCidSync,
				TokenID: big.NewInt(1),
				CID:     "cid",
				Extra:   []byte{},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := codec.Encode(&tt.payload)
			require.NoError(t, err)
			assert.Equal(t, codec.CURRENT_VERSION, encoded[0])
			decoded, err := codec.Decode(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, *decoded)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	payload := types.Payload{
		Kind:        types.KindCidSync,
		TokenID:     big.NewInt(7),
		CID:         "cid",
		ProductData: map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"},
	}
	first, err := codec.Encode(&payload)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := codec.Encode(&payload)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	assert.Equal(t, codec.MessageID(first), codec.MessageID(first))
	assert.Len(t, codec.MessageIDHex(first), 66)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := codec.Encode(&types.Payload{Kind: types.KindCidSync, TokenID: big.NewInt(1), CID: "cid"})
	require.NoError(t, err)

	wrongVersion := append([]byte{0x7f}, valid[1:]...)
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"version only", []byte{codec.VERSION_2}},
		{"version mismatch", wrongVersion},
		{"truncated", valid[:len(valid)/2]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(tt.data)
			require.Error(t, err)
			assert.Equal(t, types.ErrKindDecode, types.KindOf(err))
		})
	}
}

func TestEncodeDistinguishesNilAndEmpty(t *testing.T) {
	withNil, err := codec.Encode(&types.Payload{Kind: types.KindCidSync, TokenID: big.NewInt(1), CID: "cid"})
	require.NoError(t, err)
	withEmpty, err := codec.Encode(&types.Payload{Kind: types.KindCidSync, TokenID: big.NewInt(1), CID: "cid", ProductData: map[string]string{}})
	require.NoError(t, err)
	assert.NotEqual(t, codec.MessageID(withNil), codec.MessageID(withEmpty))

	decoded, err := codec.Decode(withNil)
	require.NoError(t, err)
	assert.Nil(t, decoded.ProductData)
	assert.Nil(t, decoded.Extra)
}

func TestDecodeVersion1(t *testing.T) {
	var arguments ethabi.Arguments
	for _, name := range []string{"uint8", "uint8", "uint256", "string", "address", "address", "uint256", "uint64", "string[]", "string[]"} {
		typ, err := ethabi.NewType(name, "", nil)
		require.NoError(t, err)
		arguments = append(arguments, ethabi.Argument{Type: typ})
	}
	packed, err := arguments.Pack(uint8(types.KindTokenTransfer), uint8(2), big.NewInt(0), "", common.Address{}, recipient,
		big.NewInt(500), uint64(1700000000), []string{"batch"}, []string{"B-7"})
	require.NoError(t, err)

	decoded, err := codec.Decode(append([]byte{codec.VERSION_1}, packed...))
	require.NoError(t, err)
	assert.Equal(t, types.Payload{
		Kind:        types.KindTokenTransfer,
		Recipient:   recipient,
		Amount:      big.NewInt(500),
		Timestamp:   1700000000,
		ProductData: map[string]string{"batch": "B-7"},
	}, *decoded)
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := codec.Encode(nil)
	require.ErrorIs(t, err, codec.ErrEmptyPayload)
	_, err = codec.Encode(&types.Payload{})
	require.Error(t, err)
	_, err = codec.Encode(&types.Payload{Kind: types.KindTokenTransfer, Amount: big.NewInt(-1)})
	require.Error(t, err)
}
