package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type PayloadKind uint8

const (
	KindUnknown PayloadKind = iota
	KindCidSync
	KindTokenTransfer
	KindNftTransfer
)

func (k PayloadKind) String() string {
	switch k {
	case KindCidSync:
		return "cid_sync"
	case KindTokenTransfer:
		return "token_transfer"
	case KindNftTransfer:
		return "nft_transfer"
	default:
		return "unknown"
	}
}

func ParsePayloadKind(s string) (PayloadKind, error) {
	switch s {
	case "cid_sync":
		return KindCidSync, nil
	case "token_transfer":
		return KindTokenTransfer, nil
	case "nft_transfer":
		return KindNftTransfer, nil
	default:
		return KindUnknown, fmt.Errorf("unknown payload kind %q", s)
	}
}

func (k PayloadKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *PayloadKind) UnmarshalText(text []byte) error {
	kind, err := ParsePayloadKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Payload is the cross-chain fact carried by a message
type Payload struct {
	Kind         PayloadKind       `json:"kind"`
	TokenID      *big.Int          `json:"tokenId,omitempty"`
	CID          string            `json:"cid,omitempty"`
	Manufacturer common.Address    `json:"manufacturer"`
	Recipient    common.Address    `json:"recipient"`
	Amount       *big.Int          `json:"amount,omitempty"`
	Timestamp    uint64            `json:"timestamp"`
	ProductData  map[string]string `json:"productData,omitempty"`
	Extra        hexutil.Bytes     `json:"extra,omitempty"` //Opaque to the relayer, delivered as is
}

// Validate checks the fields each payload kind needs for destination-side matching
func (p *Payload) Validate() error {
	switch p.Kind {
	case KindCidSync:
		if p.TokenID == nil || p.CID == "" {
			return fmt.Errorf("cid sync payload requires token id and cid")
		}
	case KindNftTransfer:
		if p.TokenID == nil {
			return fmt.Errorf("nft transfer payload requires token id")
		}
		if p.Recipient == (common.Address{}) {
			return fmt.Errorf("nft transfer payload requires recipient")
		}
	case KindTokenTransfer:
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return fmt.Errorf("token transfer payload requires a positive amount")
		}
		if p.Recipient == (common.Address{}) {
			return fmt.Errorf("token transfer payload requires recipient")
		}
	default:
		return fmt.Errorf("unsupported payload kind %d", p.Kind)
	}
	if p.TokenID != nil && p.TokenID.Sign() < 0 {
		return fmt.Errorf("token id must not be negative")
	}
	return nil
}

// PayloadSummary is the persisted, query-friendly view of a payload
type PayloadSummary struct {
	Kind         string            `json:"kind" bson:"kind"`
	MessageID    string            `json:"messageId" bson:"messageId"`
	TokenID      string            `json:"tokenId,omitempty" bson:"tokenId,omitempty"`
	CID          string            `json:"cid,omitempty" bson:"cid,omitempty"`
	Manufacturer string            `json:"manufacturer,omitempty" bson:"manufacturer,omitempty"`
	Recipient    string            `json:"recipient,omitempty" bson:"recipient,omitempty"`
	Amount       string            `json:"amount,omitempty" bson:"amount,omitempty"`
	Size         int               `json:"size" bson:"size"`
	Timestamp    uint64            `json:"timestamp,omitempty" bson:"timestamp,omitempty"`
	ProductData  map[string]string `json:"productData,omitempty" bson:"productData,omitempty"`
}

func (p *Payload) Summary(messageID string, size int) PayloadSummary {
	summary := PayloadSummary{
		Kind:        p.Kind.String(),
		MessageID:   messageID,
		CID:         p.CID,
		Size:        size,
		Timestamp:   p.Timestamp,
		ProductData: p.ProductData,
	}
	if p.TokenID != nil {
		summary.TokenID = p.TokenID.String()
	}
	if p.Amount != nil {
		summary.Amount = p.Amount.String()
	}
	if p.Manufacturer != (common.Address{}) {
		summary.Manufacturer = p.Manufacturer.Hex()
	}
	if p.Recipient != (common.Address{}) {
		summary.Recipient = p.Recipient.Hex()
	}
	return summary
}
