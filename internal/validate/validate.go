// Package validate checks a proposed schedule against its plan, the chain and
// the ledger before anything is submitted.
//
// Every check runs; problems are reported as findings, never as errors. The
// only errors returned are context cancellation and deadline.
package validate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/execid"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/recurrence"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

const DefaultMinLeadTime = 15 * time.Minute

type Config struct {
	// MinLeadTime is the gap an execution must keep from validation time.
	MinLeadTime time.Duration
}

// GasEstimator is the subset of chain.Reader the validator needs.
type GasEstimator interface {
	EstimateGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (uint64, bool, error)
}

// Indexer returns a snapshot of execution ids registered against provider.
type Indexer interface {
	Index(provider common.Address) map[common.Hash]struct{}
}

// Recurrence asks for Quantity executions along Expression, starting at the
// request's ExecuteAt.
type Recurrence struct {
	Expression string
	Quantity   int
}

// Request is one candidate schedule. The call is either Method+Args encoded
// through Interface, or EncodedCall as is.
type Request struct {
	Contract    common.Address
	Interface   *contract.Interface
	Method      string
	Args        []any
	EncodedCall []byte

	ExecuteAt  time.Time
	Value      *big.Int
	Recurrence *Recurrence

	Plan      chain.Plan
	Requestor common.Address
}

// Result is Findings plus what the pass derived, so callers do not repeat it.
type Result struct {
	Findings    Findings
	EncodedCall []byte
	Times       []time.Time
	IDs         []common.Hash
}

type Validator struct {
	cfg   Config
	gas   GasEstimator
	index Indexer
	now   func() time.Time
	log   logx.Logger
}

type Option func(*Validator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(v *Validator) { v.now = now } }

func New(cfg Config, gas GasEstimator, index Indexer, log logx.Logger, opts ...Option) *Validator {
	if cfg.MinLeadTime <= 0 {
		cfg.MinLeadTime = DefaultMinLeadTime
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	v := &Validator{cfg: cfg, gas: gas, index: index, now: time.Now, log: log.With(logx.String("comp", "validate"))}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Validate runs every check and returns the findings.
func (v *Validator) Validate(ctx context.Context, req Request) (Findings, error) {
	res, err := v.Check(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Findings, nil
}

// Check is Validate that also returns the encoded call, timestamps and ids.
func (v *Validator) Check(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	now := v.now()
	snapshot := v.index.Index(req.Plan.Ref.Provider)

	var res Result
	add := func(f Finding) { res.Findings = append(res.Findings, f) }

	if !req.Plan.Active {
		add(Finding{Severity: SeverityError, Code: CodePlanInactive,
			Message: fmt.Sprintf("Plan #%d is not active.", req.Plan.Ref.Index)})
	}

	data, err := encode(req)
	if err != nil {
		add(Finding{Severity: SeverityError, Code: CodeEncoding, Message: fmt.Sprintf("Cannot encode the call: %v.", err)})
	} else {
		res.EncodedCall = data
	}

	quantity := 1
	times := []time.Time{req.ExecuteAt}
	if r := req.Recurrence; r != nil {
		if r.Quantity < 1 {
			add(Finding{Severity: SeverityError, Code: CodeRecurrence,
				Message: fmt.Sprintf("Quantity must be at least 1, got %d.", r.Quantity)})
			times = nil
		} else {
			quantity = r.Quantity
			times, err = recurrence.Expand(req.ExecuteAt, r.Expression, r.Quantity)
			if err != nil {
				add(Finding{Severity: SeverityError, Code: CodeRecurrence, Message: fmt.Sprintf("Invalid recurrence: %v.", err)})
				times = nil
			}
		}
	}
	res.Times = times

	if f, ok := funds(req.Plan, uint64(quantity)); !ok {
		add(f)
	}

	if res.EncodedCall != nil {
		f, ok, err := v.checkGas(ctx, req, res.EncodedCall)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			add(f)
		}
	}

	if !req.ExecuteAt.After(now.Add(v.cfg.MinLeadTime)) {
		add(Finding{Severity: SeverityError, Code: CodeLeadTime,
			Message: fmt.Sprintf("Execution time must be more than %s from now.", v.cfg.MinLeadTime)})
	}

	if res.EncodedCall != nil && len(times) > 0 {
		base := execid.Input{
			Plan:        req.Plan.Ref,
			Requestor:   req.Requestor,
			Contract:    req.Contract,
			EncodedCall: res.EncodedCall,
			Value:       req.Value,
		}
		res.IDs = execid.ComputeAll(base, times)
		if f, ok := duplicates(res.IDs, snapshot); !ok {
			add(f)
		}
	}

	v.log.Debug("validated",
		logx.Stringer("plan", req.Plan.Ref),
		logx.Int("quantity", quantity),
		logx.Int("findings", len(res.Findings)),
		logx.Bool("blocking", res.Findings.Blocking()),
	)
	return res, nil
}

func encode(req Request) ([]byte, error) {
	if req.Method == "" {
		if len(req.EncodedCall) == 0 {
			return nil, errors.New("no method or calldata given")
		}
		return append([]byte(nil), req.EncodedCall...), nil
	}
	if req.Interface == nil {
		return nil, fmt.Errorf("contract %s has no interface to encode %s", req.Contract.Hex(), req.Method)
	}
	data, err := req.Interface.EncodeCall(req.Method, req.Args...)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func funds(plan chain.Plan, quantity uint64) (Finding, bool) {
	if plan.RemainingExecutions >= quantity {
		return Finding{}, true
	}
	missing := quantity - plan.RemainingExecutions
	return Finding{
		Severity: SeverityError,
		Code:     CodeFunds,
		Message: fmt.Sprintf("Not enough executions in plan #%d: %d remaining, %d required. Purchase %d more.",
			plan.Ref.Index, plan.RemainingExecutions, quantity, missing),
		Remediation: &Remediation{
			Action:    ActionPurchase,
			Plan:      plan.Ref,
			Quantity:  missing,
			Amount:    plan.Price(missing),
			TokenType: plan.TokenType,
			Token:     plan.Token,
		},
	}, false
}

func (v *Validator) checkGas(ctx context.Context, req Request, data []byte) (Finding, bool, error) {
	if v.gas == nil {
		return Finding{Severity: SeverityWarning, Code: CodeGasUnavailable,
			Message: "Gas could not be estimated; the execution may fail."}, false, nil
	}
	gas, ok, err := v.gas.EstimateGas(ctx, req.Requestor, req.Contract, data, req.Value)
	if err != nil {
		if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return Finding{}, false, err
		}
		v.log.Debug("gas estimation failed", logx.Err(err))
		return Finding{Severity: SeverityWarning, Code: CodeGasUnavailable,
			Message: fmt.Sprintf("Gas estimation failed (%s); the execution may fail.", chain.Reason(err))}, false, nil
	}
	if !ok {
		return Finding{Severity: SeverityWarning, Code: CodeGasUnavailable,
			Message: "Gas could not be estimated; the execution may fail."}, false, nil
	}
	if req.Plan.GasLimit > 0 && gas > req.Plan.GasLimit {
		return Finding{Severity: SeverityWarning, Code: CodeGasLimit,
			Message: fmt.Sprintf("Estimated gas %d exceeds the plan limit of %d; the execution may fail.", gas, req.Plan.GasLimit)}, false, nil
	}
	return Finding{}, true, nil
}

func duplicates(ids []common.Hash, snapshot map[common.Hash]struct{}) (Finding, bool) {
	hits := 0
	for _, id := range ids {
		if _, ok := snapshot[id]; ok {
			hits++
		}
	}
	if hits == 0 {
		return Finding{}, true
	}
	msg := "This execution is already scheduled."
	if len(ids) > 1 {
		msg = fmt.Sprintf("%d of %d executions are already scheduled.", hits, len(ids))
	}
	return Finding{Severity: SeverityError, Code: CodeDuplicate, Message: msg}, false
}
