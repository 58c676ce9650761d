package reconcile

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
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/eventbus"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/execid"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/notifier"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/resolver"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/storage"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

const pingABI = `[{"type":"function","name":"ping","stateMutability":"nonpayable",
  "inputs":[{"name":"n","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]}]`

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

type recorder struct {
	mu    sync.Mutex
	notes map[notifier.Severity][]string
}

func (r *recorder) Notify(_ context.Context, text string, sev notifier.Severity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes[sev] = append(r.notes[sev], text)
}

func (r *recorder) count(sev notifier.Severity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes[sev])
}

type fixture struct {
	fake   *chaintest.Fake
	ledger *ledger.Ledger
	bus    eventbus.Bus
	notes  *recorder
	reg    *prometheus.Registry
	rec    *Reconciler
	ids    []common.Hash
}

// newFixture registers three scheduled executions (at blocks 200, 250 and
// 300) from a schedule tx in block 100. Head is 400.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	fake := chaintest.New()
	fake.AddPlan(chain.Plan{Ref: chain.PlanRef{Provider: provider}, Window: 10 * time.Minute, Active: true})
	sched := fake.AddTx(100, provider, []byte("schedule"), types.ReceiptStatusSuccessful)
	fake.Head = 400

	led, err := ledger.Open(ctx, storage.NewMemory(), ledger.Options{})
	require.NoError(t, err)

	call, err := ping.EncodeCall("ping", big.NewInt(7))
	require.NoError(t, err)
	var execs []ledger.Execution
	for _, n := range []time.Duration{200, 250, 300} {
		x := ledger.Execution{
			Contract:    target,
			EncodedCall: call,
			ExecuteAt:   fake.Genesis.Add(n * fake.BlockInterval),
			Requestor:   fake.From,
			Plan:        chain.PlanRef{Provider: provider},
		}
		x.ID = execid.Compute(x.Input())
		execs = append(execs, x)
	}
	require.NoError(t, led.Register(ctx, sched, ledger.Entry{}, execs))

	f := &fixture{
		fake:   fake,
		ledger: led,
		bus:    eventbus.New(),
		notes:  &recorder{notes: map[notifier.Severity][]string{}},
		reg:    prometheus.NewRegistry(),
	}
	for _, x := range execs {
		_, err := led.UpsertState(ctx, x.ID, chain.Scheduled)
		require.NoError(t, err)
		fake.SetState(x.ID, chain.Scheduled)
		f.ids = append(f.ids, x.ID)
	}

	res := resolver.New(resolver.Config{MaxRounds: 50, Timeout: 5 * time.Second}, fake, led, decoders{target: ping}, nil, logx.Nop())
	f.rec = New(Config{Concurrency: 2}, fake, led, res,
		WithBus(f.bus), WithNotifier(f.notes), WithMetrics(NewMetrics(f.reg)), WithLogger(logx.Nop()))
	return f
}

func revertPayload(t *testing.T, reason string) []byte {
	t.Helper()
	str, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	body, err := abi.Arguments{{Type: str}}.Pack(reason)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte("Error(string)"))[:4], body...)
}

func TestRefreshMergesStatesAndResolves(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.fake.SetState(f.ids[0], chain.ExecutionFailed)
	tx := f.fake.AddExecuted(204, provider, contract.ExecutedEvent{ID: f.ids[0], Result: revertPayload(t, "boom")})
	f.fake.SetState(f.ids[2], chain.Cancelled)

	events, unsub := f.bus.Subscribe(4, eventbus.ReconcileDone)
	defer unsub()

	rep, err := f.rec.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Checked)
	assert.Equal(t, 2, rep.Changed)
	assert.Equal(t, 1, rep.Resolved)
	assert.Equal(t, 0, rep.Errors)
	assert.Equal(t, 1, rep.Unsettled)

	failed, _ := f.ledger.Get(f.ids[0])
	assert.Equal(t, chain.ExecutionFailed, failed.State)
	require.NotNil(t, failed.Result)
	assert.Equal(t, tx, failed.Result.TxHash)
	assert.Equal(t, "boom", failed.Result.RevertReason)

	cancelled, _ := f.ledger.Get(f.ids[2])
	assert.Equal(t, chain.Cancelled, cancelled.State)

	// State change and revert for the failed one, state change for the cancelled one.
	assert.Equal(t, 2, f.notes.count(notifier.Error))
	assert.Equal(t, 1, f.notes.count(notifier.Info))

	select {
	case e := <-events:
		assert.Equal(t, rep, e.Data)
	case <-time.After(time.Second):
		t.Fatal("no reconcile.done event")
	}

	// Nothing left to do but the still scheduled execution.
	rep, err = f.rec.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 0, rep.Changed)
}

func TestRefreshKeepsUnresolvedForNextPass(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.fake.SetState(f.ids[1], chain.ExecutionSuccessful)

	rep, err := f.rec.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Changed)
	assert.Equal(t, 0, rep.Resolved)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, 3, rep.Unsettled)

	x, _ := f.ledger.Get(f.ids[1])
	assert.Equal(t, chain.ExecutionSuccessful, x.State)
	assert.Nil(t, x.Result)

	// The Executed event shows up; the next pass only resolves.
	f.fake.AddExecuted(251, provider, contract.ExecutedEvent{ID: f.ids[1], Success: true, Result: make([]byte, 32)})
	rep, err = f.rec.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 1, rep.Resolved)
	assert.Equal(t, 2, rep.Unsettled)

	x, _ = f.ledger.Get(f.ids[1])
	require.NotNil(t, x.Result)
	assert.True(t, x.Result.Success)
	assert.Equal(t, "ping", x.Result.Method)
}

func TestRefreshSkipsWhileRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.rec.running.Lock()
	_, err := f.rec.Refresh(context.Background())
	f.rec.running.Unlock()
	assert.ErrorIs(t, err, ErrBusy)
}

func TestRefreshCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.rec.Refresh(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRefreshesOnStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fake.SetState(f.ids[2], chain.Overdue)

	r := New(Config{Schedule: "@every 1h", RunOnStart: true}, f.fake, f.ledger, f.rec.res, WithBus(f.bus), WithNotifier(f.notes))
	events, unsub := f.bus.Subscribe(4, eventbus.ReconcileDone)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no pass on start")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, f.notes.count(notifier.Warning))
}

func TestRunRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	r := New(Config{Schedule: "every minute"}, f.fake, f.ledger, f.rec.res)
	assert.Error(t, r.Run(context.Background()))
}

func TestMetricsCountPasses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.rec.Refresh(context.Background())
	require.NoError(t, err)

	mfs, err := f.reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				got[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				got[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, got["rifsched_reconcile_passes_total"])
	assert.Equal(t, 3.0, got["rifsched_reconcile_checked_total"])
	assert.Equal(t, 3.0, got["rifsched_reconcile_unsettled"])
}
