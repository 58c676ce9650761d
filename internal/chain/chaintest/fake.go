// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
)

// Fake is a scriptable chain. Blocks are spaced BlockInterval apart from
// Genesis; zero values give one block per 30 seconds from the Unix epoch.
type Fake struct {
	mu sync.Mutex

	From          common.Address
	Head          uint64
	Genesis       time.Time
	BlockInterval time.Duration

	Gas    uint64
	GasOK  bool
	GasErr error

	ScheduleErr error
	WaitErr     error
	// MineAt is the block new transactions land in (Head when zero).
	MineAt uint64
	// ReadDelay slows down BlockTransactions.
	ReadDelay time.Duration

	plans     map[common.Address][]chain.Plan
	remaining map[chain.PlanRef]uint64
	states    map[common.Hash]chain.ExecutionState
	txs       map[uint64]types.Transactions
	receipts  map[common.Hash]*types.Receipt
	nonce     uint64

	Submitted [][]chain.ExecutionRequest
	Purchased []chain.PlanRef
	Cancelled []common.Hash

	blockReads atomic.Int64
}

func New() *Fake {
	return &Fake{
		From:          common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Genesis:       time.Unix(0, 0),
		BlockInterval: 30 * time.Second,
		GasOK:         true,
		Gas:           21_000,
		plans:         make(map[common.Address][]chain.Plan),
		remaining:     make(map[chain.PlanRef]uint64),
		states:        make(map[common.Hash]chain.ExecutionState),
		txs:           make(map[uint64]types.Transactions),
		receipts:      make(map[common.Hash]*types.Receipt),
	}
}

// BlockReads counts BlockTransactions calls.
func (f *Fake) BlockReads() int64 { return f.blockReads.Load() }

// BlockAt returns the number of the block mined at or just before t.
func (f *Fake) BlockAt(t time.Time) uint64 {
	if t.Before(f.Genesis) {
		return 0
	}
	return uint64(t.Sub(f.Genesis) / f.BlockInterval)
}

func (f *Fake) AddPlan(p chain.Plan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.Ref.Index = uint64(len(f.plans[p.Ref.Provider]))
	f.plans[p.Ref.Provider] = append(f.plans[p.Ref.Provider], p)
	f.remaining[p.Ref] = p.RemainingExecutions
}

func (f *Fake) SetState(id common.Hash, s chain.ExecutionState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = s
}

// AddTx places a transaction to `to` with data in block n and returns its hash.
// Logs are attached to its receipt.
func (f *Fake) AddTx(n uint64, to common.Address, data []byte, status uint64, logs ...*types.Log) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addTxLocked(n, to, data, status, logs...)
}

func (f *Fake) addTxLocked(n uint64, to common.Address, data []byte, status uint64, logs ...*types.Log) common.Hash {
	f.nonce++
	tx := types.NewTx(&types.LegacyTx{Nonce: f.nonce, To: &to, Gas: 100_000, GasPrice: big.NewInt(1), Data: data})
	f.txs[n] = append(f.txs[n], tx)
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(n),
		Logs:        logs,
	}
	if n > f.Head {
		f.Head = n
	}
	return tx.Hash()
}

// AddExecuted mines the provider's execute(id) call in block n, emitting Executed.
func (f *Fake) AddExecuted(n uint64, provider common.Address, ev contract.ExecutedEvent) common.Hash {
	data, err := contract.Scheduler.EncodeCall("execute", [32]byte(ev.ID))
	if err != nil {
		panic(err)
	}
	l, err := contract.EncodeExecuted(provider, ev)
	if err != nil {
		panic(err)
	}
	return f.AddTx(n, provider, data, types.ReceiptStatusSuccessful, l)
}

// ---- chain.Reader ----

func (f *Fake) EstimateGas(ctx context.Context, _, _ common.Address, _ []byte, _ *big.Int) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Gas, f.GasOK, f.GasErr
}

func (f *Fake) ExecutionState(ctx context.Context, _ common.Address, id common.Hash) (chain.ExecutionState, error) {
	if err := ctx.Err(); err != nil {
		return chain.Nonexistent, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id], nil
}

func (f *Fake) Plan(ctx context.Context, ref chain.PlanRef) (chain.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ps := f.plans[ref.Provider]
	if ref.Index >= uint64(len(ps)) {
		return chain.Plan{}, fmt.Errorf("plan %s does not exist", ref)
	}
	p := ps[ref.Index]
	p.RemainingExecutions = f.remaining[ref]
	return p, nil
}

func (f *Fake) Plans(ctx context.Context, provider common.Address) ([]chain.Plan, error) {
	f.mu.Lock()
	n := len(f.plans[provider])
	f.mu.Unlock()
	out := make([]chain.Plan, 0, n)
	for i := 0; i < n; i++ {
		p, err := f.Plan(ctx, chain.PlanRef{Provider: provider, Index: uint64(i)})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *Fake) RemainingExecutions(_ context.Context, ref chain.PlanRef, _ common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining[ref], nil
}

func (f *Fake) TransactionBlockNumber(ctx context.Context, hash common.Hash) (uint64, error) {
	r, err := f.TransactionReceipt(ctx, hash)
	if err != nil {
		return 0, err
	}
	return r.BlockNumber.Uint64(), nil
}

func (f *Fake) HeadBlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Head, nil
}

func (f *Fake) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	return f.Genesis.Add(time.Duration(n) * f.BlockInterval), nil
}

func (f *Fake) BlockTransactions(ctx context.Context, n uint64) (types.Transactions, error) {
	f.blockReads.Add(1)
	if f.ReadDelay > 0 {
		t := time.NewTimer(f.ReadDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > f.Head {
		return nil, fmt.Errorf("block %d not found", n)
	}
	return f.txs[n], nil
}

func (f *Fake) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrTxNotMined, hash.Hex())
	}
	return r, nil
}

// ---- chain.Writer ----

func (f *Fake) Account() common.Address { return f.From }

func (f *Fake) Schedule(ctx context.Context, reqs []chain.ExecutionRequest) (chain.TxHandle, error) {
	if len(reqs) == 0 {
		return nil, chain.ErrEmptyBatch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ScheduleErr != nil {
		return nil, f.ScheduleErr
	}
	for _, r := range reqs {
		if r.Plan.Provider != reqs[0].Plan.Provider {
			return nil, chain.ErrMixedBatch
		}
	}
	f.Submitted = append(f.Submitted, append([]chain.ExecutionRequest(nil), reqs...))
	for _, r := range reqs {
		if f.remaining[r.Plan] > 0 {
			f.remaining[r.Plan]--
		}
	}
	return f.mineLocked(reqs[0].Plan.Provider, []byte("schedule")), nil
}

func (f *Fake) PurchasePlan(ctx context.Context, plan chain.Plan, quantity uint64) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Purchased = append(f.Purchased, plan.Ref)
	f.remaining[plan.Ref] += quantity
	return f.mineLocked(plan.Ref.Provider, []byte("purchase")), nil
}

func (f *Fake) Cancel(ctx context.Context, provider common.Address, id common.Hash) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, id)
	f.states[id] = chain.Cancelled
	return f.mineLocked(provider, id.Bytes()), nil
}

func (f *Fake) mineLocked(to common.Address, data []byte) *tx {
	n := f.MineAt
	if n == 0 {
		n = f.Head
	}
	status := types.ReceiptStatusSuccessful
	if errors.Is(f.WaitErr, chain.ErrReverted) {
		status = types.ReceiptStatusFailed
	}
	h := f.addTxLocked(n, to, data, status)
	return &tx{f: f, hash: h, err: f.WaitErr}
}

type tx struct {
	f    *Fake
	hash common.Hash
	err  error
}

func (t *tx) Hash() common.Hash { return t.hash }

func (t *tx) Wait(ctx context.Context) (*types.Receipt, error) {
	r, err := t.f.TransactionReceipt(ctx, t.hash)
	if err != nil {
		return nil, err
	}
	if t.err != nil {
		return r, t.err
	}
	return r, nil
}

var _ chain.Client = (*Fake)(nil)
