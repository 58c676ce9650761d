package resolver

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain/chaintest"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/execid"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/storage"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

const pingABI = `[{"type":"function","name":"ping","stateMutability":"nonpayable",
  "inputs":[{"name":"n","type":"uint256"}],"outputs":[{"name":"echo","type":"uint256"}]}]`

var (
	provider = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	target   = common.HexToAddress("0x0000000000000000000000000000000000000c03")
	ping     = contract.MustParse(pingABI)
)

type decoders map[common.Address]*contract.Interface

func (d decoders) InterfaceOf(a common.Address) (*contract.Interface, bool) {
	i, ok := d[a]
	return i, ok
}

func revertPayload(t *testing.T, reason string) []byte {
	t.Helper()
	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	body, err := abi.Arguments{{Type: str}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], body...)
}

type fixture struct {
	fake   *chaintest.Fake
	ledger *ledger.Ledger
	target Target
}

// newFixture schedules one execution in block 100 for the time of block 200
// with a 10 minute window, head at 400. Blocks are 30s apart.
func newFixture(t *testing.T, state chain.ExecutionState) *fixture {
	t.Helper()
	ctx := context.Background()
	fake := chaintest.New()
	sched := fake.AddTx(100, provider, []byte("schedule"), types.ReceiptStatusSuccessful)
	fake.Head = 400

	call, err := ping.EncodeCall("ping", big.NewInt(7))
	require.NoError(t, err)
	x := ledger.Execution{
		Contract:    target,
		EncodedCall: call,
		ExecuteAt:   fake.Genesis.Add(200 * fake.BlockInterval),
		Requestor:   fake.From,
		Plan:        chain.PlanRef{Provider: provider},
	}
	x.ID = execid.Compute(x.Input())

	led, err := ledger.Open(ctx, storage.NewMemory(), ledger.Options{})
	require.NoError(t, err)
	require.NoError(t, led.Register(ctx, sched, ledger.Entry{}, []ledger.Execution{x}))
	if state != chain.Nonexistent {
		_, err = led.UpsertState(ctx, x.ID, state)
		require.NoError(t, err)
	}
	x, _ = led.Get(x.ID)

	// Noise: another execution of the provider, and a foreign tx carrying the id.
	fake.AddExecuted(201, provider, contract.ExecutedEvent{ID: common.HexToHash("0x1234"), Success: true})
	fake.AddTx(202, target, x.ID.Bytes(), types.ReceiptStatusSuccessful)

	return &fixture{
		fake:   fake,
		ledger: led,
		target: Target{ScheduledTxHash: sched, Execution: x, Plan: chain.Plan{Window: 10 * time.Minute}},
	}
}

func (f *fixture) resolver(cfg Config) *Resolver {
	return New(cfg, f.fake, f.ledger, decoders{target: ping}, nil, logx.Nop())
}

func TestLocateFailedExecution(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	payload := revertPayload(t, "boom")
	tx := f.fake.AddExecuted(205, provider, contract.ExecutedEvent{ID: f.target.Execution.ID, Success: false, Result: payload})

	rec, err := f.resolver(Config{}).Locate(context.Background(), f.target)
	require.NoError(t, err)
	assert.False(t, rec.Success)
	assert.Equal(t, payload, []byte(rec.RawResult))
	assert.Equal(t, tx, rec.TxHash)
	assert.Equal(t, uint64(205), rec.BlockNumber)
	assert.Equal(t, "boom", rec.RevertReason)
	assert.Empty(t, rec.Decoded)

	stored, ok := f.ledger.Get(f.target.Execution.ID)
	require.True(t, ok)
	require.NotNil(t, stored.Result)
	assert.Equal(t, tx, stored.Result.TxHash)
}

func TestLocateDecodesSuccessfulResult(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionSuccessful)
	m, err := ping.Method("ping")
	require.NoError(t, err)
	out, err := m.Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)
	f.fake.AddExecuted(188, provider, contract.ExecutedEvent{ID: f.target.Execution.ID, Success: true, Result: out})

	rec, err := f.resolver(Config{}).Locate(context.Background(), f.target)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.Equal(t, "ping", rec.Method)
	require.Len(t, rec.Decoded, 1)
	assert.Equal(t, contract.Value{Name: "echo", Type: "uint256", Value: "42"}, rec.Decoded[0])
}

func TestLocateRequiresExecutedState(t *testing.T) {
	t.Parallel()

	for _, s := range []chain.ExecutionState{chain.Nonexistent, chain.Scheduled, chain.Overdue, chain.Cancelled, chain.Refunded} {
		f := newFixture(t, s)
		_, err := f.resolver(Config{}).Locate(context.Background(), f.target)
		assert.ErrorIs(t, err, ErrNotExecuted, s.String())
		assert.Zero(t, f.fake.BlockReads(), s.String())
	}
}

func TestLocateReturnsCachedRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	f.fake.AddExecuted(199, provider, contract.ExecutedEvent{ID: f.target.Execution.ID, Result: []byte{1}})
	r := f.resolver(Config{})

	first, err := r.Locate(context.Background(), f.target)
	require.NoError(t, err)
	reads := f.fake.BlockReads()

	second, err := r.Locate(context.Background(), f.target)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, reads, f.fake.BlockReads())
}

func TestLocateExhaustsRange(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	f.fake.Head = 110

	_, err := f.resolver(Config{}).Locate(context.Background(), f.target)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(11), f.fake.BlockReads(), "each block in [100,110] read exactly once")
}

func TestLocateStopsAfterMaxRounds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)

	_, err := f.resolver(Config{MaxRounds: 3}).Locate(context.Background(), f.target)
	require.ErrorIs(t, err, ErrNotFound)
	assert.LessOrEqual(t, f.fake.BlockReads(), int64(12))
}

func TestLocateTimesOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	f.fake.ReadDelay = 200 * time.Millisecond

	_, err := f.resolver(Config{Timeout: 50 * time.Millisecond}).Locate(context.Background(), f.target)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestLocateHonoursCancellation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	f.fake.ReadDelay = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.resolver(Config{}).Locate(ctx, f.target)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentLocateSharesOneSearch(t *testing.T) {
	t.Parallel()

	baseline := newFixture(t, chain.ExecutionFailed)
	baseline.fake.AddExecuted(212, provider, contract.ExecutedEvent{ID: baseline.target.Execution.ID})
	_, err := baseline.resolver(Config{}).Locate(context.Background(), baseline.target)
	require.NoError(t, err)

	f := newFixture(t, chain.ExecutionFailed)
	f.fake.AddExecuted(212, provider, contract.ExecutedEvent{ID: f.target.Execution.ID})
	f.fake.ReadDelay = 5 * time.Millisecond
	r := f.resolver(Config{})

	var wg sync.WaitGroup
	recs := make([]ledger.Record, 6)
	errs := make([]error, 6)
	for i := range recs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recs[i], errs[i] = r.Locate(context.Background(), f.target)
		}()
	}
	wg.Wait()
	for i := range recs {
		require.NoError(t, errs[i])
		assert.Equal(t, recs[0], recs[i])
	}
	assert.Equal(t, baseline.fake.BlockReads(), f.fake.BlockReads())
}

func waiters(r *Resolver, id common.Hash) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.flights[id]; ok {
		return f.waiters
	}
	return 0
}

func TestCancelledCallerLeavesSharedSearchRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	f.fake.AddExecuted(212, provider, contract.ExecutedEvent{ID: f.target.Execution.ID})
	f.fake.ReadDelay = 20 * time.Millisecond
	r := f.resolver(Config{})
	id := f.target.Execution.ID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Locate(ctx, f.target)
		firstErr <- err
	}()

	var (
		rec       ledger.Record
		secondErr error
	)
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		rec, secondErr = r.Locate(context.Background(), f.target)
	}()

	require.Eventually(t, func() bool { return waiters(r, id) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	<-secondDone
	require.NoError(t, secondErr)
	assert.Equal(t, uint64(212), rec.BlockNumber)
	assert.False(t, rec.Success)
	assert.Zero(t, waiters(r, id))
}

func TestLastCallerLeavingStopsSearch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	f.fake.ReadDelay = 20 * time.Millisecond
	r := f.resolver(Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Locate(ctx, f.target)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	reads := f.fake.BlockReads()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, f.fake.BlockReads()-reads, int64(2*DefaultParallelism))
	r.mu.Lock()
	assert.Empty(t, r.flights)
	r.mu.Unlock()
}

func TestAnchorsAreClamped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	r := f.resolver(Config{})

	low, mid, upper, err := r.anchors(context.Background(), f.target, 100, 400)
	require.NoError(t, err)
	assert.Equal(t, []uint64{180, 200, 220}, []uint64{low, mid, upper})

	wide := f.target
	wide.Plan.Window = 5 * time.Hour
	low, mid, upper, err = r.anchors(context.Background(), wide, 100, 400)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 200, 400}, []uint64{low, mid, upper})
}

func TestParallelismIsMultipleOfFour(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 8, Config{Parallelism: 5}.withDefaults().Parallelism)
	assert.Equal(t, 4, Config{Parallelism: 4}.withDefaults().Parallelism)
	assert.Equal(t, DefaultParallelism, Config{}.withDefaults().Parallelism)
}

func TestMetricsCountOutcomes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, chain.ExecutionFailed)
	f.fake.Head = 105
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := New(Config{}, f.fake, f.ledger, nil, m, logx.Nop())

	_, err := r.Locate(context.Background(), f.target)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1.0, counterValue(t, reg, "rifsched_resolver_resolutions_total", outcomeNotFound))
	assert.Equal(t, 6.0, counterValue(t, reg, "rifsched_resolver_block_reads_total", ""))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if outcome == "" {
				return m.GetCounter().GetValue()
			}
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
