package cmd

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransferFlagsRequest(t *testing.T) {
	flags := transferFlags{
		from:           "hub",
		to:             []string{"buyer", " distributor "},
		sender:         "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		kind:           "cid_sync",
		tokenID:        "42",
		cid:            "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
		manufacturer:   "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC",
		productData:    `{"batch": "B-7"}`,
		extra:          "0xcafe",
		value:          "1000",
		idempotencyKey: "cli-1",
	}
	now := time.Unix(1700000000, 0)
	request, err := flags.request(now)
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer", "distributor"}, request.DestinationChains)
	assert.Equal(t, types.KindCidSync, request.Payload.Kind)
	assert.Equal(t, big.NewInt(42), request.Payload.TokenID)
	assert.Equal(t, common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"), request.Payload.Manufacturer)
	assert.Equal(t, uint64(1700000000), request.Payload.Timestamp)
	assert.Equal(t, map[string]string{"batch": "B-7"}, request.Payload.ProductData)
	assert.Equal(t, []byte{0xca, 0xfe}, []byte(request.Payload.Extra))
	assert.Equal(t, big.NewInt(1000), request.Value)
	assert.Nil(t, request.Payload.Amount)
	require.NoError(t, request.ValidateShape())
}

func TestTransferFlagsRejectInvalidValues(t *testing.T) {
	base := transferFlags{from: "hub", to: []string{"buyer"}, sender: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", kind: "token_transfer"}
	testCases := []struct {
		name   string
		mutate func(*transferFlags)
	}{
		{"unknown kind", func(f *transferFlags) { f.kind = "shipment" }},
		{"bad amount", func(f *transferFlags) { f.amount = "1.5" }},
		{"bad token id", func(f *transferFlags) { f.tokenID = "abc" }},
		{"bad recipient", func(f *transferFlags) { f.recipient = "0x123" }},
		{"bad product data", func(f *transferFlags) { f.productData = `["a"]` }},
		{"bad extra", func(f *transferFlags) { f.extra = "cafe" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			flags := base
			tc.mutate(&flags)
			_, err := flags.request(time.Now())
			require.Error(t, err)
			assert.Equal(t, types.ErrKindValidation, types.KindOf(err))
		})
	}
}
