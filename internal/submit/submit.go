// Package submit turns a validated draft into on-chain schedulings and keeps
// the ledger in step with the transactions it sends.
package submit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/notifier"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/validate"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

var (
	// ErrBlocked means validation produced at least one error finding.
	ErrBlocked = errors.New("schedule blocked by validation errors")
	// ErrUnacknowledged means validation produced warnings the caller did
	// not accept.
	ErrUnacknowledged = errors.New("validation warnings not acknowledged")

	ErrInvalidQuantity = errors.New("quantity must be positive")
)

const DefaultConfirmTimeout = 10 * time.Minute

type Config struct {
	// ConfirmTimeout bounds the wait for a transaction receipt.
	ConfirmTimeout time.Duration
}

// Interfaces resolves the ABI registered for a contract address.
type Interfaces interface {
	InterfaceOf(address common.Address) (*contract.Interface, bool)
}

// Notifier receives operator-facing outcomes.
type Notifier interface {
	Notify(ctx context.Context, text string, sev notifier.Severity)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, notifier.Severity) {}

// Draft is what the user wants scheduled. The call is Method+Args encoded
// with the registered interface of Contract, or EncodedCall as is.
type Draft struct {
	Title       string
	Contract    common.Address
	Method      string
	Args        []any
	EncodedCall []byte
	ExecuteAt   time.Time
	Value       *big.Int
	Recurrence  *validate.Recurrence
	Plan        chain.PlanRef
}

// Outcome reports what Schedule did. Findings are set whenever validation ran.
type Outcome struct {
	Findings validate.Findings
	TxHash   common.Hash
	Entry    ledger.Entry
}

type Service struct {
	cfg       Config
	client    chain.Client
	ifaces    Interfaces
	validator *validate.Validator
	ledger    *ledger.Ledger
	notify    Notifier
	log       logx.Logger
}

func New(cfg Config, client chain.Client, ifaces Interfaces, v *validate.Validator, led *ledger.Ledger, n Notifier, log logx.Logger) *Service {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if n == nil {
		n = nopNotifier{}
	}
	return &Service{
		cfg:       cfg,
		client:    client,
		ifaces:    ifaces,
		validator: v,
		ledger:    led,
		notify:    n,
		log:       log.With(logx.String("comp", "submit")),
	}
}

// Request builds the validation request for d against the current plan.
func (s *Service) Request(ctx context.Context, d Draft) (validate.Request, error) {
	plan, err := s.client.Plan(ctx, d.Plan)
	if err != nil {
		return validate.Request{}, fmt.Errorf("load plan %s: %w", d.Plan, err)
	}
	req := validate.Request{
		Contract:    d.Contract,
		Method:      d.Method,
		Args:        d.Args,
		EncodedCall: d.EncodedCall,
		ExecuteAt:   d.ExecuteAt,
		Value:       d.Value,
		Recurrence:  d.Recurrence,
		Plan:        plan,
		Requestor:   s.client.Account(),
	}
	if s.ifaces != nil {
		req.Interface, _ = s.ifaces.InterfaceOf(d.Contract)
	}
	return req, nil
}

// Schedule validates d, sends one scheduling transaction for all of its
// executions and waits for it. Warnings need acknowledgeWarnings; errors
// always block. The ledger entry is registered before the wait so a crash
// leaves a pending entry behind, never an unknown transaction.
func (s *Service) Schedule(ctx context.Context, d Draft, acknowledgeWarnings bool) (Outcome, error) {
	req, err := s.Request(ctx, d)
	if err != nil {
		return Outcome{}, err
	}
	res, err := s.validator.Check(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Findings: res.Findings}
	if res.Findings.Blocking() {
		return out, fmt.Errorf("%w: %s", ErrBlocked, summarize(res.Findings.Errors()))
	}
	warned := len(res.Findings.Warnings()) > 0
	if warned && !acknowledgeWarnings {
		return out, fmt.Errorf("%w: %s", ErrUnacknowledged, summarize(res.Findings.Warnings()))
	}

	reqs := make([]chain.ExecutionRequest, len(res.Times))
	execs := make([]ledger.Execution, len(res.Times))
	for i, at := range res.Times {
		reqs[i] = chain.ExecutionRequest{Plan: d.Plan, Contract: d.Contract, Data: res.EncodedCall, ExecuteAt: at, Value: d.Value}
		execs[i] = ledger.Execution{
			ID:          res.IDs[i],
			Contract:    d.Contract,
			EncodedCall: res.EncodedCall,
			ExecuteAt:   at,
			Value:       d.Value,
			Requestor:   req.Requestor,
			Plan:        d.Plan,
		}
	}

	log := s.log.With(logx.Stringer("plan", d.Plan), logx.Int("executions", len(reqs)))
	tx, err := s.client.Schedule(ctx, reqs)
	if err != nil {
		s.notify.Notify(ctx, "Scheduling failed: "+chain.Reason(err), notifier.Error)
		return out, fmt.Errorf("send schedule: %w", err)
	}
	out.TxHash = tx.Hash()
	log = log.With(logx.String("tx", out.TxHash.Hex()))
	log.Info("schedule sent")

	entry := ledger.Entry{
		Title:                d.Title,
		Contract:             d.Contract,
		Method:               methodName(req, res.EncodedCall),
		Plan:                 d.Plan,
		Quantity:             len(execs),
		WarningsAcknowledged: warned,
	}
	if d.Recurrence != nil {
		entry.Expression = d.Recurrence.Expression
	}
	if err := s.ledger.Register(ctx, out.TxHash, entry, execs); err != nil {
		return out, fmt.Errorf("register %s: %w", out.TxHash.Hex(), err)
	}

	// Bookkeeping after the wait must land even if the caller gave up.
	keep := context.WithoutCancel(ctx)
	if err := s.wait(ctx, tx); err != nil {
		status := ledger.StatusFailed
		if errors.Is(err, chain.ErrReverted) {
			status = ledger.StatusReverted
		}
		reason := chain.Reason(err)
		if serr := s.ledger.SetEntryStatus(keep, out.TxHash, status, reason); serr != nil {
			log.Error("record schedule outcome", logx.Err(serr))
		}
		out.Entry, _ = s.ledger.Entry(out.TxHash)
		log.Warn("schedule not confirmed", logx.String("status", string(status)), logx.Err(err))
		s.notify.Notify(keep, "Scheduling failed: "+reason, notifier.Error)
		return out, fmt.Errorf("confirm schedule: %w", err)
	}

	for _, x := range execs {
		if _, err := s.ledger.UpsertState(keep, x.ID, chain.Scheduled); err != nil {
			return out, fmt.Errorf("mark %s scheduled: %w", x.ID.Hex(), err)
		}
	}
	if err := s.ledger.SetEntryStatus(keep, out.TxHash, ledger.StatusConfirmed, ""); err != nil {
		return out, fmt.Errorf("confirm entry: %w", err)
	}
	out.Entry, _ = s.ledger.Entry(out.TxHash)
	log.Info("schedule confirmed")
	s.notify.Notify(keep, confirmedText(out.Entry), notifier.Success)
	return out, nil
}

// Purchase buys quantity executions of ref and returns the refreshed plan.
func (s *Service) Purchase(ctx context.Context, ref chain.PlanRef, quantity uint64) (chain.Plan, error) {
	if quantity == 0 {
		return chain.Plan{}, ErrInvalidQuantity
	}
	plan, err := s.client.Plan(ctx, ref)
	if err != nil {
		return chain.Plan{}, fmt.Errorf("load plan %s: %w", ref, err)
	}
	tx, err := s.client.PurchasePlan(ctx, plan, quantity)
	if err != nil {
		s.notify.Notify(ctx, "Purchase failed: "+chain.Reason(err), notifier.Error)
		return plan, fmt.Errorf("send purchase: %w", err)
	}
	if err := s.wait(ctx, tx); err != nil {
		s.notify.Notify(context.WithoutCancel(ctx), "Purchase failed: "+chain.Reason(err), notifier.Error)
		return plan, fmt.Errorf("confirm purchase: %w", err)
	}

	refreshed, err := s.client.Plan(ctx, ref)
	if err != nil {
		return plan, fmt.Errorf("reload plan %s: %w", ref, err)
	}
	refreshed.IsPurchaseConfirmed = true
	s.log.Info("plan purchased", logx.Stringer("plan", ref), logx.Uint64("quantity", quantity), logx.String("tx", tx.Hash().Hex()))
	s.notify.Notify(ctx, fmt.Sprintf("Purchased %d executions of plan #%d.", quantity, ref.Index), notifier.Success)
	return refreshed, nil
}

// Cancel cancels a scheduled execution and records the state the chain
// reports afterwards.
func (s *Service) Cancel(ctx context.Context, id common.Hash) (ledger.Execution, error) {
	x, ok := s.ledger.Get(id)
	if !ok {
		return ledger.Execution{}, fmt.Errorf("%w: %s", ledger.ErrUnknownExecution, id.Hex())
	}
	tx, err := s.client.Cancel(ctx, x.Plan.Provider, id)
	if err != nil {
		s.notify.Notify(ctx, "Cancel failed: "+chain.Reason(err), notifier.Error)
		return x, fmt.Errorf("send cancel: %w", err)
	}
	if err := s.wait(ctx, tx); err != nil {
		s.notify.Notify(context.WithoutCancel(ctx), "Cancel failed: "+chain.Reason(err), notifier.Error)
		return x, fmt.Errorf("confirm cancel: %w", err)
	}
	state, err := s.client.ExecutionState(ctx, x.Plan.Provider, id)
	if err != nil {
		return x, fmt.Errorf("read state: %w", err)
	}
	if _, err := s.ledger.UpsertState(ctx, id, state); err != nil {
		return x, err
	}
	x, _ = s.ledger.Get(id)
	s.notify.Notify(ctx, fmt.Sprintf("Execution %s is now %s.", short(id), state), notifier.Info)
	return x, nil
}

func (s *Service) wait(ctx context.Context, tx chain.TxHandle) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.ConfirmTimeout)
	defer cancel()
	_, err := tx.Wait(wctx)
	return err
}

func methodName(req validate.Request, data []byte) string {
	if req.Method != "" {
		return req.Method
	}
	if req.Interface != nil {
		if m, err := req.Interface.MethodOf(data); err == nil {
			return m.Name
		}
	}
	return ""
}

func confirmedText(e ledger.Entry) string {
	what := e.Method
	if e.Title != "" {
		what = e.Title
	}
	if what == "" {
		what = "call"
	}
	if e.Quantity == 1 {
		return fmt.Sprintf("Scheduled %s on %s.", what, e.Contract.Hex())
	}
	return fmt.Sprintf("Scheduled %d executions of %s on %s.", e.Quantity, what, e.Contract.Hex())
}

func summarize(fs validate.Findings) string {
	msgs := make([]string, len(fs))
	for i, f := range fs {
		msgs[i] = f.Message
	}
	return strings.Join(msgs, " ")
}

func short(h common.Hash) string {
	s := h.Hex()
	return s[:10] + "…"
}
