package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/execid"
)

// Record is the located Executed event of one execution.
type Record struct {
	TxHash       common.Hash      `json:"tx_hash"`
	BlockNumber  uint64           `json:"block_number"`
	Success      bool             `json:"success"`
	RawResult    hexutil.Bytes    `json:"raw_result"`
	Method       string           `json:"method,omitempty"`
	Decoded      []contract.Value `json:"decoded,omitempty"`
	RevertReason string           `json:"revert_reason,omitempty"`
	ResolvedAt   time.Time        `json:"resolved_at"`
}

// Execution is one scheduled call.
type Execution struct {
	ID          common.Hash          `json:"id"`
	Contract    common.Address       `json:"contract"`
	EncodedCall hexutil.Bytes        `json:"encoded_call"`
	ExecuteAt   time.Time            `json:"execute_at"`
	Value       *big.Int             `json:"value,omitempty"`
	Requestor   common.Address       `json:"requestor"`
	Plan        chain.PlanRef        `json:"plan"`
	TxHash      common.Hash          `json:"tx_hash"`
	State       chain.ExecutionState `json:"state"`
	Result      *Record              `json:"result,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Input returns the identity tuple of e.
func (e Execution) Input() execid.Input {
	return execid.Input{
		Plan:        e.Plan,
		Requestor:   e.Requestor,
		Contract:    e.Contract,
		EncodedCall: e.EncodedCall,
		ExecuteAt:   e.ExecuteAt,
		Value:       e.Value,
	}
}

// Settled reports whether nothing about e can change any more.
func (e Execution) Settled() bool {
	if !e.State.Terminal() {
		return false
	}
	return !e.State.Executed() || e.Result != nil
}

func (e Execution) clone() Execution {
	out := e
	out.EncodedCall = append(hexutil.Bytes(nil), e.EncodedCall...)
	if e.Value != nil {
		out.Value = new(big.Int).Set(e.Value)
	}
	if e.Result != nil {
		r := *e.Result
		r.RawResult = append(hexutil.Bytes(nil), e.Result.RawResult...)
		r.Decoded = append([]contract.Value(nil), e.Result.Decoded...)
		out.Result = &r
	}
	return out
}

// EntryStatus tracks the scheduling transaction, not the executions.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusConfirmed EntryStatus = "confirmed"
	StatusReverted  EntryStatus = "reverted"
	StatusFailed    EntryStatus = "failed"
)

// Final reports whether the status can no longer change.
func (s EntryStatus) Final() bool { return s == StatusConfirmed || s == StatusReverted }

// Entry indexes the executions created by one scheduling transaction.
type Entry struct {
	TxHash     common.Hash    `json:"tx_hash"`
	Title      string         `json:"title,omitempty"`
	Contract   common.Address `json:"contract"`
	Method     string         `json:"method,omitempty"`
	Plan       chain.PlanRef  `json:"plan"`
	Expression string         `json:"expression,omitempty"`
	Quantity   int            `json:"quantity"`
	IDs        []common.Hash  `json:"ids"`

	Status EntryStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
	// WarningsAcknowledged records that the user submitted despite warnings.
	WarningsAcknowledged bool `json:"warnings_acknowledged,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e Entry) clone() Entry {
	out := e
	out.IDs = append([]common.Hash(nil), e.IDs...)
	return out
}

// Filter selects executions for List. Zero fields match everything.
type Filter struct {
	Provider  common.Address
	Requestor common.Address
	Entry     common.Hash
	States    []chain.ExecutionState
	// Unsettled keeps executions that may still change, excluding those of
	// reverted entries.
	Unsettled bool
}

// StateChange is the payload of eventbus.LedgerState.
type StateChange struct {
	ID   common.Hash
	From chain.ExecutionState
	To   chain.ExecutionState
}

type document struct {
	Version    int         `json:"version"`
	Entries    []Entry     `json:"entries"`
	Executions []Execution `json:"executions"`
}

const documentVersion = 1
