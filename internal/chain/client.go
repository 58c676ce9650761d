package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reader is the read half of the chain collaborator.
//
// All methods may fail with transport errors; callers propagate them.
type Reader interface {
	// EstimateGas returns ok=false when the node cannot produce an estimate.
	EstimateGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (gas uint64, ok bool, err error)
	ExecutionState(ctx context.Context, provider common.Address, id common.Hash) (ExecutionState, error)
	Plan(ctx context.Context, ref PlanRef) (Plan, error)
	Plans(ctx context.Context, provider common.Address) ([]Plan, error)
	RemainingExecutions(ctx context.Context, ref PlanRef, requestor common.Address) (uint64, error)

	TransactionBlockNumber(ctx context.Context, hash common.Hash) (uint64, error)
	HeadBlockNumber(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	BlockTransactions(ctx context.Context, number uint64) (types.Transactions, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Writer is the transaction half of the chain collaborator.
type Writer interface {
	Account() common.Address
	// Schedule submits all requests in one transaction; they must share a provider.
	Schedule(ctx context.Context, reqs []ExecutionRequest) (TxHandle, error)
	PurchasePlan(ctx context.Context, plan Plan, quantity uint64) (TxHandle, error)
	Cancel(ctx context.Context, provider common.Address, id common.Hash) (TxHandle, error)
}

// Client is the full collaborator.
type Client interface {
	Reader
	Writer
}

// TxHandle is a submitted transaction.
type TxHandle interface {
	Hash() common.Hash
	// Wait blocks until the transaction is mined and returns its receipt.
	Wait(ctx context.Context) (*types.Receipt, error)
}
