package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/eventbus"
	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/storage"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

// StoreName is the persistence key of the ledger document.
const StoreName = "ledger"

var (
	ErrUnknownExecution  = errors.New("unknown execution")
	ErrUnknownEntry      = errors.New("unknown ledger entry")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrInvalid           = errors.New("invalid ledger write")
)

type Options struct {
	Bus eventbus.Bus
	Log logx.Logger
	Now func() time.Time
}

type Ledger struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu      sync.RWMutex
	entries map[common.Hash]Entry
	execs   map[common.Hash]Execution
}

// Open loads the ledger from store. A missing document is an empty ledger.
func Open(ctx context.Context, store storage.Store, opts Options) (*Ledger, error) {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Ledger{
		store:   store,
		bus:     opts.Bus,
		log:     opts.Log.With(logx.String("comp", "ledger")),
		now:     opts.Now,
		entries: map[common.Hash]Entry{},
		execs:   map[common.Hash]Execution{},
	}
	raw, err := store.Get(ctx, StoreName)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if len(raw) == 0 {
		return l, nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	if doc.Version > documentVersion {
		return nil, fmt.Errorf("ledger document version %d is newer than supported %d", doc.Version, documentVersion)
	}
	for _, e := range doc.Entries {
		l.entries[e.TxHash] = e
	}
	for _, x := range doc.Executions {
		l.execs[x.ID] = x
	}
	l.log.Debug("ledger loaded", logx.Int("entries", len(l.entries)), logx.Int("executions", len(l.execs)))
	return l, nil
}

// Register records a scheduling transaction and the executions it creates.
// Executions are stamped with txHash; entry.IDs is replaced by their ids.
func (l *Ledger) Register(ctx context.Context, txHash common.Hash, entry Entry, execs []Execution) error {
	if txHash == (common.Hash{}) {
		return fmt.Errorf("%w: empty transaction hash", ErrInvalid)
	}
	if len(execs) == 0 {
		return fmt.Errorf("%w: no executions", ErrInvalid)
	}
	now := l.now()

	entry = entry.clone()
	entry.TxHash = txHash
	entry.IDs = make([]common.Hash, 0, len(execs))
	if entry.Status == "" {
		entry.Status = StatusPending
	}
	if entry.Quantity == 0 {
		entry.Quantity = len(execs)
	}
	entry.CreatedAt, entry.UpdatedAt = now, now

	fresh := make([]Execution, 0, len(execs))
	seen := make(map[common.Hash]struct{}, len(execs))
	for _, x := range execs {
		if x.ID == (common.Hash{}) {
			return fmt.Errorf("%w: execution without id", ErrInvalid)
		}
		if _, dup := seen[x.ID]; dup {
			return fmt.Errorf("%w: execution %s twice in one entry", ErrInvalid, x.ID.Hex())
		}
		seen[x.ID] = struct{}{}
		x = x.clone()
		x.TxHash = txHash
		x.UpdatedAt = now
		fresh = append(fresh, x)
		entry.IDs = append(entry.IDs, x.ID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[txHash]; ok {
		return fmt.Errorf("%w: entry %s", ErrAlreadyRegistered, txHash.Hex())
	}
	for _, x := range fresh {
		if _, ok := l.execs[x.ID]; ok {
			return fmt.Errorf("%w: execution %s", ErrAlreadyRegistered, x.ID.Hex())
		}
	}

	l.entries[txHash] = entry
	for _, x := range fresh {
		l.execs[x.ID] = x
	}
	if err := l.persistLocked(ctx); err != nil {
		delete(l.entries, txHash)
		for _, x := range fresh {
			delete(l.execs, x.ID)
		}
		return err
	}
	l.publish(eventbus.LedgerRegistered, entry.clone())
	return nil
}

// Get returns a copy of the execution.
func (l *Ledger) Get(id common.Hash) (Execution, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	x, ok := l.execs[id]
	if !ok {
		return Execution{}, false
	}
	return x.clone(), true
}

// UpsertState merges a chain-observed state. It reports whether anything changed.
//
// Observations that would move an execution backwards are dropped: a node
// that has not caught up may report nonexistent for a known execution, and
// an executed state is final.
func (l *Ledger) UpsertState(ctx context.Context, id common.Hash, state chain.ExecutionState) (bool, error) {
	if !state.Valid() {
		return false, fmt.Errorf("%w: %s", chain.ErrUnknownState, state)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.execs[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownExecution, id.Hex())
	}
	if prev.State == state {
		return false, nil
	}
	if state == chain.Nonexistent || prev.State.Executed() {
		l.log.Debug("ignoring backward state",
			logx.Stringer("id", id), logx.Stringer("from", prev.State), logx.Stringer("to", state))
		return false, nil
	}

	next := prev
	next.State = state
	next.UpdatedAt = l.now()
	l.execs[id] = next
	if err := l.persistLocked(ctx); err != nil {
		l.execs[id] = prev
		return false, err
	}
	l.publish(eventbus.LedgerState, StateChange{ID: id, From: prev.State, To: state})
	return true, nil
}

// UpsertResult attaches a resolved record. A result, once stored, is kept;
// the stored execution is returned either way.
func (l *Ledger) UpsertResult(ctx context.Context, id common.Hash, rec Record) (Execution, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.execs[id]
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrUnknownExecution, id.Hex())
	}
	if prev.Result != nil {
		return prev.clone(), nil
	}
	if rec.ResolvedAt.IsZero() {
		rec.ResolvedAt = l.now()
	}
	next := prev.clone()
	next.Result = &rec
	next.UpdatedAt = l.now()
	if !next.State.Executed() {
		if rec.Success {
			next.State = chain.ExecutionSuccessful
		} else {
			next.State = chain.ExecutionFailed
		}
	}
	l.execs[id] = next
	if err := l.persistLocked(ctx); err != nil {
		l.execs[id] = prev
		return Execution{}, err
	}
	l.publish(eventbus.LedgerResult, next.clone())
	return next.clone(), nil
}

// Entry returns the index entry of a scheduling transaction.
func (l *Ledger) Entry(txHash common.Hash) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[txHash]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// SetEntryStatus records the outcome of a scheduling transaction. Confirmed
// and reverted are final; later updates to them are ignored.
func (l *Ledger) SetEntryStatus(ctx context.Context, txHash common.Hash, status EntryStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev, ok := l.entries[txHash]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, txHash.Hex())
	}
	if prev.Status.Final() || prev.Status == status && prev.Reason == reason {
		return nil
	}
	next := prev.clone()
	next.Status = status
	if reason != "" {
		next.Reason = reason
	}
	next.UpdatedAt = l.now()
	l.entries[txHash] = next
	if err := l.persistLocked(ctx); err != nil {
		l.entries[txHash] = prev
		return err
	}
	l.publish(eventbus.LedgerEntry, next.clone())
	return nil
}

// Entries returns all entries, oldest first.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.clone())
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].TxHash.Hex() < out[j].TxHash.Hex()
	})
	return out
}

// List returns matching executions ordered by execution time.
func (l *Ledger) List(f Filter) []Execution {
	l.mu.RLock()
	out := make([]Execution, 0, len(l.execs))
	for _, x := range l.execs {
		if l.matchLocked(x, f) {
			out = append(out, x.clone())
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecuteAt.Equal(out[j].ExecuteAt) {
			return out[i].ExecuteAt.Before(out[j].ExecuteAt)
		}
		return out[i].ID.Hex() < out[j].ID.Hex()
	})
	return out
}

func (l *Ledger) matchLocked(x Execution, f Filter) bool {
	if f.Provider != (common.Address{}) && x.Plan.Provider != f.Provider {
		return false
	}
	if f.Requestor != (common.Address{}) && x.Requestor != f.Requestor {
		return false
	}
	if f.Entry != (common.Hash{}) && x.TxHash != f.Entry {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, x.State) {
		return false
	}
	if f.Unsettled {
		if x.Settled() {
			return false
		}
		if e, ok := l.entries[x.TxHash]; ok && e.Status == StatusReverted {
			return false
		}
	}
	return true
}

// Index returns a snapshot of the execution ids registered against provider.
func (l *Ledger) Index(provider common.Address) map[common.Hash]struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[common.Hash]struct{})
	for id, x := range l.execs {
		if x.Plan.Provider == provider {
			out[id] = struct{}{}
		}
	}
	return out
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	doc := document{
		Version:    documentVersion,
		Entries:    make([]Entry, 0, len(l.entries)),
		Executions: make([]Execution, 0, len(l.execs)),
	}
	for _, e := range l.entries {
		doc.Entries = append(doc.Entries, e)
	}
	for _, x := range l.execs {
		doc.Executions = append(doc.Executions, x)
	}
	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].TxHash.Hex() < doc.Entries[j].TxHash.Hex() })
	sort.Slice(doc.Executions, func(i, j int) bool { return doc.Executions[i].ID.Hex() < doc.Executions[j].ID.Hex() })

	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := l.store.Set(ctx, StoreName, b); err != nil {
		return fmt.Errorf("persist ledger: %w", err)
	}
	return nil
}

func (l *Ledger) publish(typ string, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: l.now(), Data: data})
}
