package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/eventbus"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/execid"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/storage"
)

var (
	provider  = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	requestor = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	target    = common.HexToAddress("0x0000000000000000000000000000000000000c03")
	txA       = common.HexToHash("0xaa")
	txB       = common.HexToHash("0xbb")
)

type flakyStore struct {
	storage.Store
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) Set(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Store.Set(ctx, name, data)
}

func (s *flakyStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func fixedNow() time.Time { return time.Unix(1_700_000_000, 0).UTC() }

func execution(at time.Time) Execution {
	x := Execution{
		Contract:    target,
		EncodedCall: []byte{1, 2, 3, 4},
		ExecuteAt:   at,
		Value:       big.NewInt(0),
		Requestor:   requestor,
		Plan:        chain.PlanRef{Provider: provider, Index: 0},
	}
	x.ID = execid.Compute(x.Input())
	return x
}

func openLedger(t *testing.T, store storage.Store, bus eventbus.Bus) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), store, Options{Bus: bus, Now: fixedNow})
	require.NoError(t, err)
	return l
}

func TestRegisterGetAndReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	l := openLedger(t, store, nil)

	x1 := execution(fixedNow().Add(time.Hour))
	x2 := execution(fixedNow().Add(2 * time.Hour))
	require.NoError(t, l.Register(ctx, txA, Entry{Title: "nightly", Contract: target, Plan: x1.Plan}, []Execution{x2, x1}))

	got, ok := l.Get(x1.ID)
	require.True(t, ok)
	assert.Equal(t, txA, got.TxHash)
	assert.Equal(t, chain.Nonexistent, got.State)

	e, ok := l.Entry(txA)
	require.True(t, ok)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 2, e.Quantity)
	assert.Equal(t, []common.Hash{x2.ID, x1.ID}, e.IDs)

	list := l.List(Filter{})
	require.Len(t, list, 2)
	assert.Equal(t, x1.ID, list[0].ID, "ordered by execution time")

	reopened := openLedger(t, store, nil)
	back, ok := reopened.Get(x2.ID)
	require.True(t, ok)
	assert.Equal(t, x2.EncodedCall, back.EncodedCall)
	assert.True(t, x2.ExecuteAt.Equal(back.ExecuteAt))
	assert.Equal(t, 0, back.Value.Sign())
	assert.Equal(t, execid.Compute(back.Input()), back.ID, "ids survive a restart")
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openLedger(t, storage.NewMemory(), nil)

	x := execution(fixedNow().Add(time.Hour))
	require.NoError(t, l.Register(ctx, txA, Entry{}, []Execution{x}))
	assert.ErrorIs(t, l.Register(ctx, txA, Entry{}, []Execution{execution(fixedNow())}), ErrAlreadyRegistered)
	assert.ErrorIs(t, l.Register(ctx, txB, Entry{}, []Execution{x}), ErrAlreadyRegistered)
	assert.ErrorIs(t, l.Register(ctx, common.Hash{}, Entry{}, []Execution{x}), ErrInvalid)
	assert.ErrorIs(t, l.Register(ctx, txB, Entry{}, nil), ErrInvalid)

	_, ok := l.Entry(txB)
	assert.False(t, ok)
}

func TestUpsertStateIsMonotonic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, eventbus.LedgerState)
	defer unsub()
	l := openLedger(t, storage.NewMemory(), bus)

	x := execution(fixedNow().Add(time.Hour))
	require.NoError(t, l.Register(ctx, txA, Entry{}, []Execution{x}))

	changed, err := l.UpsertState(ctx, x.ID, chain.Scheduled)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = l.UpsertState(ctx, x.ID, chain.Scheduled)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = l.UpsertState(ctx, x.ID, chain.Nonexistent)
	require.NoError(t, err)
	assert.False(t, changed, "a lagging node must not erase a known execution")

	changed, err = l.UpsertState(ctx, x.ID, chain.ExecutionFailed)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = l.UpsertState(ctx, x.ID, chain.Refunded)
	require.NoError(t, err)
	assert.False(t, changed, "executed states are final")

	_, err = l.UpsertState(ctx, common.HexToHash("0x99"), chain.Scheduled)
	assert.ErrorIs(t, err, ErrUnknownExecution)

	require.Len(t, events, 2)
	first := <-events
	assert.Equal(t, StateChange{ID: x.ID, From: chain.Nonexistent, To: chain.Scheduled}, first.Data)
}

func TestUpsertResultIsImmutable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openLedger(t, storage.NewMemory(), nil)

	x := execution(fixedNow().Add(time.Hour))
	require.NoError(t, l.Register(ctx, txA, Entry{}, []Execution{x}))
	_, err := l.UpsertState(ctx, x.ID, chain.ExecutionFailed)
	require.NoError(t, err)

	first := Record{TxHash: common.HexToHash("0x01"), BlockNumber: 10, Success: false, RawResult: []byte{0xca, 0xfe}}
	got, err := l.UpsertResult(ctx, x.ID, first)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, fixedNow(), got.Result.ResolvedAt)
	assert.True(t, got.Settled())

	second := Record{TxHash: common.HexToHash("0x02"), BlockNumber: 11, Success: true}
	got, err = l.UpsertResult(ctx, x.ID, second)
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, got.Result.TxHash)

	// Mutating the returned copy must not reach the ledger.
	got.Result.RawResult[0] = 0
	again, _ := l.Get(x.ID)
	assert.Equal(t, byte(0xca), again.Result.RawResult[0])
}

func TestFailedPersistRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &flakyStore{Store: storage.NewMemory()}
	l := openLedger(t, store, nil)

	x := execution(fixedNow().Add(time.Hour))
	store.setFail(true)
	require.Error(t, l.Register(ctx, txA, Entry{}, []Execution{x}))
	_, ok := l.Get(x.ID)
	assert.False(t, ok)

	store.setFail(false)
	require.NoError(t, l.Register(ctx, txA, Entry{}, []Execution{x}))

	store.setFail(true)
	_, err := l.UpsertState(ctx, x.ID, chain.Scheduled)
	require.Error(t, err)
	got, _ := l.Get(x.ID)
	assert.Equal(t, chain.Nonexistent, got.State)

	require.Error(t, l.SetEntryStatus(ctx, txA, StatusConfirmed, ""))
	e, _ := l.Entry(txA)
	assert.Equal(t, StatusPending, e.Status)

	_, err = l.UpsertResult(ctx, x.ID, Record{Success: true})
	require.Error(t, err)
	got, _ = l.Get(x.ID)
	assert.Nil(t, got.Result)
}

func TestEntryStatusAndUnsettledFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openLedger(t, storage.NewMemory(), nil)

	a := execution(fixedNow().Add(time.Hour))
	b := execution(fixedNow().Add(2 * time.Hour))
	require.NoError(t, l.Register(ctx, txA, Entry{}, []Execution{a}))
	require.NoError(t, l.Register(ctx, txB, Entry{WarningsAcknowledged: true}, []Execution{b}))

	require.NoError(t, l.SetEntryStatus(ctx, txA, StatusFailed, "timed out"))
	require.NoError(t, l.SetEntryStatus(ctx, txA, StatusConfirmed, ""))
	require.NoError(t, l.SetEntryStatus(ctx, txA, StatusReverted, "late"))
	e, _ := l.Entry(txA)
	assert.Equal(t, StatusConfirmed, e.Status)
	assert.Equal(t, "timed out", e.Reason)

	require.NoError(t, l.SetEntryStatus(ctx, txB, StatusReverted, "out of gas"))
	eb, _ := l.Entry(txB)
	assert.True(t, eb.WarningsAcknowledged)

	unsettled := l.List(Filter{Unsettled: true})
	require.Len(t, unsettled, 1)
	assert.Equal(t, a.ID, unsettled[0].ID)

	assert.ErrorIs(t, l.SetEntryStatus(ctx, common.HexToHash("0x77"), StatusFailed, ""), ErrUnknownEntry)
	assert.Len(t, l.Entries(), 2)
}

func TestIndexIsASnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openLedger(t, storage.NewMemory(), nil)

	x := execution(fixedNow().Add(time.Hour))
	require.NoError(t, l.Register(ctx, txA, Entry{}, []Execution{x}))

	idx := l.Index(provider)
	assert.Contains(t, idx, x.ID)
	assert.Empty(t, l.Index(common.HexToAddress("0xdead")))

	require.NoError(t, l.Register(ctx, txB, Entry{}, []Execution{execution(fixedNow().Add(3 * time.Hour))}))
	assert.Len(t, idx, 1, "earlier snapshot is not affected by later writes")
	assert.Len(t, l.List(Filter{Provider: provider, States: []chain.ExecutionState{chain.Nonexistent}}), 2)
}
