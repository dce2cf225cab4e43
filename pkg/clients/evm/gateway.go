package evm

import (
	"fmt"
	"strings"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	METHOD_QUOTE_FEE   = "quoteFee"
	METHOD_SEND        = "send"
	METHOD_IS_RECEIVED = "isReceived"

	EVENT_MESSAGE_SENT     = "MessageSent"
	EVENT_MESSAGE_RECEIVED = "MessageReceived"
)

// Messaging gateway deployed on every chain. The message id is keccak256 of the payload.
const GatewayABI = `[
	{
		"type": "function",
		"name": "quoteFee",
		"stateMutability": "view",
		"inputs": [
			{"name": "dstEid", "type": "uint32"},
			{"name": "payload", "type": "bytes"}
		],
		"outputs": [{"name": "fee", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "send",
		"stateMutability": "payable",
		"inputs": [
			{"name": "dstEid", "type": "uint32"},
			{"name": "payload", "type": "bytes"}
		],
		"outputs": [{"name": "messageId", "type": "bytes32"}]
	},
	{
		"type": "function",
		"name": "isReceived",
		"stateMutability": "view",
		"inputs": [{"name": "messageId", "type": "bytes32"}],
		"outputs": [{"name": "", "type": "bool"}]
	},
	{
		"type": "event",
		"name": "MessageSent",
		"inputs": [
			{"indexed": true, "name": "messageId", "type": "bytes32"},
			{"indexed": true, "name": "sender", "type": "address"},
			{"indexed": false, "name": "dstEid", "type": "uint32"},
			{"indexed": false, "name": "fee", "type": "uint256"}
		]
	},
	{
		"type": "event",
		"name": "MessageReceived",
		"inputs": [
			{"indexed": true, "name": "messageId", "type": "bytes32"},
			{"indexed": false, "name": "srcEid", "type": "uint32"},
			{"indexed": false, "name": "payload", "type": "bytes"}
		]
	}
]`

var gatewayAbi = mustParseABI(GatewayABI)

func mustParseABI(definition string) ethabi.ABI {
	parsed, err := ethabi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid gateway abi: %v", err))
	}
	return parsed
}

func GetGatewayABI() *ethabi.ABI {
	return &gatewayAbi
}
