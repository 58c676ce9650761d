package chain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ExecutionState mirrors the provider contract's enum (uint8 on the wire).
type ExecutionState uint8

const (
	Nonexistent ExecutionState = iota
	Scheduled
	ExecutionSuccessful
	ExecutionFailed
	Overdue
	Cancelled
	Refunded
)

var stateNames = [...]string{"nonexistent", "scheduled", "execution_successful", "execution_failed", "overdue", "cancelled", "refunded"}

func (s ExecutionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Valid reports whether s is a known enum value.
func (s ExecutionState) Valid() bool { return int(s) < len(stateNames) }

// Terminal reports whether no further on-chain transition can happen.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionSuccessful, ExecutionFailed, Overdue, Cancelled, Refunded:
		return true
	}
	return false
}

// Executed reports whether an Executed event exists for the execution.
func (s ExecutionState) Executed() bool {
	return s == ExecutionSuccessful || s == ExecutionFailed
}

func (s ExecutionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *ExecutionState) UnmarshalText(b []byte) error {
	v := strings.TrimSpace(string(b))
	for i, n := range stateNames {
		if n == v {
			*s = ExecutionState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown execution state %q", v)
}

// TokenType is how a plan is paid for.
type TokenType string

const (
	TokenNative TokenType = "native"
	TokenERC20  TokenType = "erc20"
	TokenERC677 TokenType = "erc677"
)

// PlanRef addresses one plan of one provider.
type PlanRef struct {
	Provider common.Address `json:"provider"`
	Index    uint64         `json:"index"`
}

func (r PlanRef) String() string { return fmt.Sprintf("%s#%d", r.Provider.Hex(), r.Index) }

// Plan is a provider-offered execution tier, merged with the caller's balance.
type Plan struct {
	Ref                 PlanRef        `json:"ref"`
	Window              time.Duration  `json:"window"`
	GasLimit            uint64         `json:"gas_limit"`
	PricePerExecution   *big.Int       `json:"price_per_execution"`
	RemainingExecutions uint64         `json:"remaining_executions"`
	TokenType           TokenType      `json:"token_type"`
	Token               common.Address `json:"token"`
	Active              bool           `json:"active"`
	IsPurchaseConfirmed bool           `json:"is_purchase_confirmed"`
}

// Price returns PricePerExecution * quantity. A nil price counts as zero.
func (p Plan) Price(quantity uint64) *big.Int {
	if p.PricePerExecution == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(p.PricePerExecution, new(big.Int).SetUint64(quantity))
}

// ExecutionRequest is one call to schedule.
type ExecutionRequest struct {
	Plan      PlanRef
	Contract  common.Address
	Data      []byte
	ExecuteAt time.Time
	Value     *big.Int
}

// String keeps requests readable in logs.
func (r ExecutionRequest) String() string {
	b, _ := json.Marshal(struct {
		Plan      string `json:"plan"`
		Contract  string `json:"contract"`
		ExecuteAt int64  `json:"execute_at"`
	}{r.Plan.String(), r.Contract.Hex(), r.ExecuteAt.Unix()})
	return string(b)
}
