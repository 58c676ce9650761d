package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrReverted     = errors.New("transaction reverted")
	ErrNoSigner     = errors.New("no signing account configured")
	ErrMixedBatch   = errors.New("batch spans more than one provider")
	ErrEmptyBatch   = errors.New("nothing to schedule")
	ErrTxNotMined   = errors.New("transaction not mined")
	ErrUnknownState = errors.New("unknown execution state")
)

// RevertedError carries the receipt of a failed transaction.
type RevertedError struct {
	TxHash common.Hash
	Block  uint64
}

func (e *RevertedError) Error() string {
	return fmt.Sprintf("transaction %s reverted in block %d", e.TxHash.Hex(), e.Block)
}

func (e *RevertedError) Unwrap() error { return ErrReverted }

// Reason turns a submission/confirmation error into a message for the user.
// JSON-RPC and EIP-1193 error codes are mapped; anything else falls back to
// the transport message.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrReverted):
		return "The transaction was reverted by the contract."
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out waiting for the transaction to be confirmed."
	case errors.Is(err, context.Canceled):
		return "The operation was cancelled."
	case errors.Is(err, ErrNoSigner):
		return "Connect a wallet before sending transactions."
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		if msg, ok := codeReasons[rpcErr.ErrorCode()]; ok {
			if detail := strings.TrimSpace(rpcErr.Error()); detail != "" && rpcErr.ErrorCode() == 3 {
				return msg + " (" + detail + ")"
			}
			return msg
		}
	}
	return err.Error()
}

var codeReasons = map[int]string{
	3:      "Execution reverted.",
	4001:   "The request was rejected by the user.",
	4100:   "The requested account is not authorized by the wallet.",
	4200:   "The wallet does not support this method.",
	4900:   "The wallet is disconnected from all chains.",
	4901:   "The wallet is not connected to the requested chain.",
	-32000: "The node rejected the transaction (check balance, gas and nonce).",
	-32002: "The requested resource is unavailable; try again shortly.",
	-32003: "The transaction was rejected by the node.",
	-32005: "The node rate limit was exceeded; try again shortly.",
	-32602: "Invalid parameters were sent to the node.",
	-32603: "The node reported an internal error.",
}
