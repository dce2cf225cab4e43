package evm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	ethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

func AbiUnpack(data []byte, types ...string) ([]interface{}, error) {
	var arguments ethabi.Arguments
	for _, t := range types {
		typ, err := ethabi.NewType(t, t, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create type: %w", err)
		}
		arguments = append(arguments, ethabi.Argument{Type: typ})
	}
	args, err := arguments.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to get arguments: %w", err)
	}
	return args, nil
}

// isConnectionError reports transport failures as opposed to errors returned by the node
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "connection refused") || strings.Contains(message, "no such host")
}

func isInsufficientFunds(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}

// RevertReason extracts the reason string from an execution reverted error, if the node returned revert data
func RevertReason(err error) string {
	if err == nil {
		return ""
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason := decodeRevertData(dataErr.ErrorData()); reason != "" {
			return reason
		}
	}
	message := err.Error()
	if idx := strings.Index(message, "execution reverted"); idx >= 0 {
		return strings.TrimSpace(strings.TrimPrefix(message[idx:], "execution reverted:"))
	}
	return message
}

func decodeRevertData(data interface{}) string {
	var raw []byte
	switch value := data.(type) {
	case string:
		decoded, err := hexutil.Decode(value)
		if err != nil {
			return ""
		}
		raw = decoded
	case []byte:
		raw = value
	default:
		return ""
	}
	reason, err := ethabi.UnpackRevert(raw)
	if err != nil {
		return ""
	}
	return reason
}
