// Package resolver locates the transaction that executed a scheduled call and
// decodes its result.
//
// The search projects three anchor blocks from the execution window using the
// chain's observed block rate, then walks outward from them in rounds. Round k
// reads low+k, mid-k, mid+k and upper-k. Reads run in parallel batches; the
// first hit in submission order wins. The search is bounded by MaxRounds and
// Timeout. Callers waiting on the same id share one search, which stops
// early only once every one of them has gone.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/ledger"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

var (
	ErrNotExecuted = errors.New("execution has not run")
	ErrNotFound    = errors.New("executed transaction not found")
	ErrTimeout     = errors.New("search timed out")
)

type Config struct {
	// Parallelism is the number of blocks read per batch, a multiple of 4.
	Parallelism int
	MaxRounds   int
	Timeout     time.Duration
}

const (
	DefaultParallelism = 8
	DefaultMaxRounds   = 2000
	DefaultTimeout     = 5 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = DefaultParallelism
	}
	if r := c.Parallelism % 4; r != 0 {
		c.Parallelism += 4 - r
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Target is one execution to resolve.
type Target struct {
	ScheduledTxHash common.Hash
	Execution       ledger.Execution
	Plan            chain.Plan
}

// Store is where results are cached. *ledger.Ledger implements it.
type Store interface {
	Get(id common.Hash) (ledger.Execution, bool)
	UpsertResult(ctx context.Context, id common.Hash, rec ledger.Record) (ledger.Execution, error)
}

// Decoders looks up the interface of a target contract. *contract.Registry implements it.
type Decoders interface {
	InterfaceOf(address common.Address) (*contract.Interface, bool)
}

type Resolver struct {
	cfg      Config
	chain    chain.Reader
	store    Store
	decoders Decoders
	metrics  *Metrics
	log      logx.Logger

	inflight singleflight.Group

	mu      sync.Mutex
	flights map[common.Hash]*flight
	gen     uint64
}

// flight is the shared search context for one id.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func New(cfg Config, rd chain.Reader, store Store, decoders Decoders, metrics *Metrics, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Resolver{
		cfg:      cfg.withDefaults(),
		chain:    rd,
		store:    store,
		decoders: decoders,
		metrics:  metrics,
		log:      log.With(logx.String("comp", "resolver")),
		flights:  map[common.Hash]*flight{},
	}
}

// Locate returns the record of t's execution, searching the chain at most
// once per id at a time. Concurrent callers for the same id share one search.
// A caller whose ctx ends gets ctx.Err(); the search goes on for the others.
func (r *Resolver) Locate(ctx context.Context, t Target) (ledger.Record, error) {
	id := t.Execution.ID
	if rec, ok := r.cached(t); ok {
		r.metrics.outcomes.WithLabelValues(outcomeCached).Inc()
		return rec, nil
	}
	if !t.Execution.State.Executed() {
		r.metrics.outcomes.WithLabelValues(outcomeNotExecuted).Inc()
		return ledger.Record{}, fmt.Errorf("%w: %s is %s", ErrNotExecuted, id.Hex(), t.Execution.State)
	}

	f := r.join(ctx, id)
	defer r.leave(id, f)
	ch := r.inflight.DoChan(f.key, func() (any, error) {
		rec, err := r.resolve(f.ctx, t)
		return rec, err
	})
	select {
	case <-ctx.Done():
		return ledger.Record{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return ledger.Record{}, res.Err
		}
		return res.Val.(ledger.Record), nil
	}
}

// join registers a waiter on the flight for id, starting one when none is
// open. The flight context keeps ctx's values but not its cancellation.
func (r *Resolver) join(ctx context.Context, id common.Hash) *flight {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flights[id]
	if !ok {
		r.gen++
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{key: fmt.Sprintf("%s#%d", id.Hex(), r.gen), ctx: fctx, cancel: cancel}
		r.flights[id] = f
	}
	f.waiters++
	return f
}

// leave drops a waiter; the last one out cancels the search.
func (r *Resolver) leave(id common.Hash, f *flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if r.flights[id] == f {
		delete(r.flights, id)
	}
}

func (r *Resolver) cached(t Target) (ledger.Record, bool) {
	if r.store != nil {
		if x, ok := r.store.Get(t.Execution.ID); ok && x.Result != nil {
			return *x.Result, true
		}
	}
	if t.Execution.Result != nil {
		return *t.Execution.Result, true
	}
	return ledger.Record{}, false
}

func (r *Resolver) resolve(ctx context.Context, t Target) (ledger.Record, error) {
	// A search that finished while this call was queued behind singleflight.
	if rec, ok := r.cached(t); ok {
		return rec, nil
	}
	start := time.Now()
	h, err := r.search(ctx, t)
	r.metrics.duration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.outcomes.WithLabelValues(outcomeOf(err)).Inc()
		r.log.Warn("resolution failed", logx.Stringer("id", t.Execution.ID), logx.Err(err))
		return ledger.Record{}, err
	}
	r.metrics.outcomes.WithLabelValues(outcomeFound).Inc()

	rec := r.decode(t.Execution, h)
	if r.store == nil {
		return rec, nil
	}
	stored, err := r.store.UpsertResult(ctx, t.Execution.ID, rec)
	if err != nil {
		return ledger.Record{}, err
	}
	r.log.Info("execution resolved",
		logx.Stringer("id", t.Execution.ID),
		logx.Stringer("tx", h.tx),
		logx.Uint64("block", h.block),
		logx.Bool("success", h.ev.Success),
	)
	return *stored.Result, nil
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return outcomeNotFound
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, context.Canceled):
		return outcomeCanceled
	}
	return outcomeError
}

type hit struct {
	tx    common.Hash
	block uint64
	ev    contract.ExecutedEvent
}

// anchors returns the low, mid and upper blocks for t, all within [first, last].
func (r *Resolver) anchors(ctx context.Context, t Target, first, last uint64) (low, mid, upper uint64, err error) {
	t0, err := r.chain.BlockTime(ctx, first)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("scheduled block time: %w", err)
	}
	t1, err := r.chain.BlockTime(ctx, last)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("head block time: %w", err)
	}

	var perMinute float64
	if minutes := t1.Sub(t0).Minutes(); last > first && minutes > 0 {
		perMinute = float64(last-first) / minutes
	}
	project := func(at time.Time) uint64 {
		offset := at.Sub(t0).Minutes() * perMinute
		if offset <= 0 {
			return first
		}
		n := first + uint64(offset)
		if n > last || n < first {
			return last
		}
		return n
	}
	at := t.Execution.ExecuteAt
	return project(at.Add(-t.Plan.Window)), project(at), project(at.Add(t.Plan.Window)), nil
}

func (r *Resolver) search(parent context.Context, t Target) (hit, error) {
	ctx, cancel := context.WithTimeout(parent, r.cfg.Timeout)
	defer cancel()
	failed := func(err error) (hit, error) {
		if parent.Err() != nil {
			return hit{}, parent.Err()
		}
		if ctx.Err() != nil {
			return hit{}, fmt.Errorf("%w after %s", ErrTimeout, r.cfg.Timeout)
		}
		return hit{}, err
	}

	first, err := r.chain.TransactionBlockNumber(ctx, t.ScheduledTxHash)
	if err != nil {
		return failed(fmt.Errorf("scheduling transaction: %w", err))
	}
	last, err := r.chain.HeadBlockNumber(ctx)
	if err != nil {
		return failed(fmt.Errorf("head block: %w", err))
	}
	if last < first {
		last = first
	}
	low, mid, upper, err := r.anchors(ctx, t, first, last)
	if err != nil {
		return failed(err)
	}
	r.log.Debug("searching",
		logx.Stringer("id", t.Execution.ID),
		logx.Uint64("first", first), logx.Uint64("last", last),
		logx.Uint64("low", low), logx.Uint64("mid", mid), logx.Uint64("upper", upper),
	)

	seen := make(map[uint64]struct{})
	batch := make([]uint64, 0, r.cfg.Parallelism)
	offer := func(n uint64, ok bool) {
		if !ok || n < first || n > last {
			return
		}
		if _, dup := seen[n]; dup {
			return
		}
		seen[n] = struct{}{}
		batch = append(batch, n)
	}

	span := last - first + 1
	for k := uint64(0); k < uint64(r.cfg.MaxRounds); k++ {
		if err := ctx.Err(); err != nil {
			return failed(err)
		}
		r.metrics.rounds.Inc()
		offer(low+k, true)
		offer(mid-k, mid >= k)
		offer(mid+k, true)
		offer(upper-k, upper >= k)

		exhausted := uint64(len(seen)) == span
		if len(batch) < r.cfg.Parallelism && !exhausted && k+1 < uint64(r.cfg.MaxRounds) {
			continue
		}
		if len(batch) > 0 {
			h, found, err := r.inspectBatch(ctx, t, batch)
			if err != nil {
				return failed(err)
			}
			if found {
				return h, nil
			}
			batch = batch[:0]
		}
		if exhausted {
			break
		}
	}
	return hit{}, fmt.Errorf("%w: %s in blocks %d-%d", ErrNotFound, t.Execution.ID.Hex(), first, last)
}

// inspectBatch inspects every block of batch concurrently and returns the first
// hit in batch order.
func (r *Resolver) inspectBatch(ctx context.Context, t Target, batch []uint64) (hit, bool, error) {
	results := make([]*hit, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for i, n := range batch {
		g.Go(func() error {
			h, err := r.inspect(gctx, t, n)
			results[i] = h
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return hit{}, false, err
	}
	for _, h := range results {
		if h != nil {
			return *h, true, nil
		}
	}
	return hit{}, false, nil
}

func (r *Resolver) inspect(ctx context.Context, t Target, n uint64) (*hit, error) {
	r.metrics.blockReads.Inc()
	provider := t.Execution.Plan.Provider
	id := t.Execution.ID

	txs, err := r.chain.BlockTransactions(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", n, err)
	}
	for _, tx := range txs {
		if to := tx.To(); to == nil || *to != provider || !bytes.Contains(tx.Data(), id[:]) {
			continue
		}
		receipt, err := r.chain.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return nil, err
		}
		for _, l := range receipt.Logs {
			if l.Address != provider {
				continue
			}
			ev, err := contract.DecodeExecuted(l)
			if err != nil || ev.ID != id {
				continue
			}
			return &hit{tx: tx.Hash(), block: n, ev: ev}, nil
		}
	}
	return nil, nil
}

func (r *Resolver) decode(x ledger.Execution, h hit) ledger.Record {
	rec := ledger.Record{
		TxHash:      h.tx,
		BlockNumber: h.block,
		Success:     h.ev.Success,
		RawResult:   append([]byte(nil), h.ev.Result...),
	}
	if !h.ev.Success {
		if reason, err := abi.UnpackRevert(h.ev.Result); err == nil {
			rec.RevertReason = reason
		}
		return rec
	}
	if r.decoders == nil {
		return rec
	}
	iface, ok := r.decoders.InterfaceOf(x.Contract)
	if !ok {
		return rec
	}
	m, err := iface.MethodOf(x.EncodedCall)
	if err != nil {
		r.log.Debug("cannot identify called method", logx.Stringer("id", x.ID), logx.Err(err))
		return rec
	}
	rec.Method = m.Name
	vals, err := iface.DecodeResult(m.Name, h.ev.Result)
	if err != nil {
		r.log.Warn("cannot decode result", logx.Stringer("id", x.ID), logx.String("method", m.Name), logx.Err(err))
		return rec
	}
	rec.Decoded = vals
	return rec
}
