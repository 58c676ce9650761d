package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/storage"
)

// RegistryStoreName is the persistence key for registered contracts.
const RegistryStoreName = "contracts"

var ErrNotRegistered = errors.New("contract not registered")

// Registered is a user contract the scheduler can target.
type Registered struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
	ABI     string         `json:"abi"`

	iface *Interface
}

func (r Registered) Interface() *Interface { return r.iface }

// Registry keeps registered contracts keyed by address.
type Registry struct {
	mu    sync.RWMutex
	store storage.Store
	byAdr map[common.Address]Registered
}

// OpenRegistry loads the registry from store. A missing document is an empty registry.
func OpenRegistry(ctx context.Context, store storage.Store) (*Registry, error) {
	r := &Registry{store: store, byAdr: map[common.Address]Registered{}}
	raw, err := store.Get(ctx, RegistryStoreName)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	if len(raw) == 0 {
		return r, nil
	}
	var list []Registered
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode contracts: %w", err)
	}
	for _, c := range list {
		iface, err := Parse(c.ABI)
		if err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.Name, err)
		}
		c.iface = iface
		r.byAdr[c.Address] = c
	}
	return r, nil
}

// Register adds or replaces the contract at address.
func (r *Registry) Register(ctx context.Context, name string, address common.Address, abiJSON string) (Registered, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Registered{}, errors.New("contract name required")
	}
	if address == (common.Address{}) {
		return Registered{}, errors.New("contract address required")
	}
	iface, err := Parse(abiJSON)
	if err != nil {
		return Registered{}, err
	}
	c := Registered{Name: name, Address: address, ABI: abiJSON, iface: iface}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.byAdr[address]
	r.byAdr[address] = c
	if err := r.persistLocked(ctx); err != nil {
		if had {
			r.byAdr[address] = prev
		} else {
			delete(r.byAdr, address)
		}
		return Registered{}, err
	}
	return c, nil
}

func (r *Registry) Lookup(address common.Address) (Registered, bool) {
	r.mu.RLock()
	c, ok := r.byAdr[address]
	r.mu.RUnlock()
	return c, ok
}

// InterfaceOf implements the resolver's decoder lookup.
func (r *Registry) InterfaceOf(address common.Address) (*Interface, bool) {
	c, ok := r.Lookup(address)
	if !ok {
		return nil, false
	}
	return c.iface, true
}

// List returns contracts sorted by name.
func (r *Registry) List() []Registered {
	r.mu.RLock()
	out := make([]Registered, 0, len(r.byAdr))
	for _, c := range r.byAdr {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) persistLocked(ctx context.Context) error {
	list := make([]Registered, 0, len(r.byAdr))
	for _, c := range r.byAdr {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Address.Hex() < list[j].Address.Hex() })
	b, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, RegistryStoreName, b); err != nil {
		return fmt.Errorf("persist contracts: %w", err)
	}
	return nil
}
