package validate

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Code identifies the check that produced a finding.
type Code string

const (
	CodePlanInactive   Code = "plan_inactive"
	CodeEncoding       Code = "encoding"
	CodeRecurrence     Code = "recurrence"
	CodeFunds          Code = "insufficient_executions"
	CodeGasUnavailable Code = "gas_unavailable"
	CodeGasLimit       Code = "gas_above_limit"
	CodeLeadTime       Code = "lead_time"
	CodeDuplicate      Code = "duplicate"
)

// Remediation tells the caller how to clear a funds error.
type Remediation struct {
	Action    string          `json:"action"`
	Plan      chain.PlanRef   `json:"plan"`
	Quantity  uint64          `json:"quantity"`
	Amount    *big.Int        `json:"amount"`
	TokenType chain.TokenType `json:"token_type"`
	Token     common.Address  `json:"token"`
}

const ActionPurchase = "purchase"

type Finding struct {
	Severity    Severity     `json:"severity"`
	Code        Code         `json:"code"`
	Message     string       `json:"message"`
	Remediation *Remediation `json:"remediation,omitempty"`
}

// Findings is the outcome of one validation pass. Empty means safe to submit.
type Findings []Finding

// Blocking reports whether any finding is an error.
func (fs Findings) Blocking() bool { return len(fs.Errors()) > 0 }

func (fs Findings) Errors() Findings   { return fs.filter(SeverityError) }
func (fs Findings) Warnings() Findings { return fs.filter(SeverityWarning) }

func (fs Findings) filter(s Severity) Findings {
	var out Findings
	for _, f := range fs {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// Has reports whether a finding with code is present.
func (fs Findings) Has(code Code) bool {
	for _, f := range fs {
		if f.Code == code {
			return true
		}
	}
	return false
}
