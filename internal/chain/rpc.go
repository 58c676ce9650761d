package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/contract"
	logx "github.com/rsksmart/rif-scheduler-ui-sub000/pkg/logx"
)

// RPCConfig configures the ethclient-backed collaborator.
type RPCConfig struct {
	URL string
	// ChainID is queried from the node when nil.
	ChainID *big.Int
	// PrivateKeyHex enables the Writer half. Empty means read-only.
	PrivateKeyHex string

	RequestsPerSec int
	CallTimeout    time.Duration
	ConfirmPoll    time.Duration

	// Tokens maps plan token addresses to their payment flavour (default erc20).
	Tokens map[common.Address]TokenType
}

// RPC implements Client over JSON-RPC. Every request passes the rate limiter.
type RPC struct {
	cfg RPCConfig
	log logx.Logger

	ec      *ethclient.Client
	lim     *rate.Limiter
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
}

func DialRPC(ctx context.Context, cfg RPCConfig, log logx.Logger) (*RPC, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("chain.rpc_url is required")
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 20
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = 2 * time.Second
	}

	ec, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	c := &RPC{
		cfg: cfg,
		log: log,
		ec:  ec,
		lim: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.RequestsPerSec),
	}

	if k := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"); k != "" {
		key, err := crypto.HexToECDSA(k)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("chain private key: %w", err)
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	c.chainID = cfg.ChainID
	if c.chainID == nil {
		cctx, cancel := c.callCtx(ctx)
		defer cancel()
		id, err := ec.ChainID(cctx)
		if err != nil {
			ec.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
		c.chainID = id
	}
	log.Info("chain client ready",
		logx.String("chain_id", c.chainID.String()),
		logx.Bool("signer", c.key != nil),
		logx.Int("rps", cfg.RequestsPerSec),
	)
	return c, nil
}

func (c *RPC) Close() { c.ec.Close() }

func (c *RPC) Account() common.Address { return c.from }

func (c *RPC) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// acquire waits for the limiter and returns a per-call deadline context.
func (c *RPC) acquire(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := c.lim.Wait(ctx); err != nil {
		return nil, nil, err
	}
	cctx, cancel := c.callCtx(ctx)
	return cctx, cancel, nil
}

func (c *RPC) call(ctx context.Context, iface *contract.Interface, to common.Address, method string, args ...any) ([]any, error) {
	data, err := iface.EncodeCall(method, args...)
	if err != nil {
		return nil, err
	}
	cctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	out, err := c.ec.CallContract(cctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	abiDef := iface.ABI()
	vals, err := abiDef.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (c *RPC) EstimateGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) (uint64, bool, error) {
	cctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return 0, false, err
	}
	defer cancel()
	gas, err := c.ec.EstimateGas(cctx, ethereum.CallMsg{From: from, To: &to, Data: data, Value: value})
	if err != nil {
		// A node-side rejection (revert, out of gas) means "no estimate", not a transport failure.
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			c.log.Debug("gas estimate unavailable", logx.Stringer("to", to), logx.Err(err))
			return 0, false, nil
		}
		return 0, false, err
	}
	return gas, true, nil
}

func (c *RPC) ExecutionState(ctx context.Context, provider common.Address, id common.Hash) (ExecutionState, error) {
	vals, err := c.call(ctx, contract.Scheduler, provider, "getState", [32]byte(id))
	if err != nil {
		return Nonexistent, err
	}
	raw, ok := vals[0].(uint8)
	if !ok || !ExecutionState(raw).Valid() {
		return Nonexistent, fmt.Errorf("%w: %v", ErrUnknownState, vals[0])
	}
	return ExecutionState(raw), nil
}

func (c *RPC) Plan(ctx context.Context, ref PlanRef) (Plan, error) {
	vals, err := c.call(ctx, contract.Scheduler, ref.Provider, "plans", new(big.Int).SetUint64(ref.Index))
	if err != nil {
		return Plan{}, err
	}
	if len(vals) != 5 {
		return Plan{}, fmt.Errorf("plans(%d): unexpected output arity %d", ref.Index, len(vals))
	}
	price, _ := vals[0].(*big.Int)
	window, _ := vals[1].(*big.Int)
	gasLimit, _ := vals[2].(*big.Int)
	token, _ := vals[3].(common.Address)
	active, _ := vals[4].(bool)

	p := Plan{
		Ref:               ref,
		PricePerExecution: price,
		Token:             token,
		TokenType:         c.tokenType(token),
		Active:            active,
	}
	if window != nil {
		p.Window = time.Duration(window.Int64()) * time.Second
	}
	if gasLimit != nil {
		p.GasLimit = gasLimit.Uint64()
	}
	if c.key != nil {
		remaining, err := c.RemainingExecutions(ctx, ref, c.from)
		if err != nil {
			return Plan{}, err
		}
		p.RemainingExecutions = remaining
	}
	return p, nil
}

func (c *RPC) Plans(ctx context.Context, provider common.Address) ([]Plan, error) {
	vals, err := c.call(ctx, contract.Scheduler, provider, "plansCount")
	if err != nil {
		return nil, err
	}
	n, _ := vals[0].(*big.Int)
	if n == nil {
		return nil, nil
	}
	out := make([]Plan, 0, n.Int64())
	for i := uint64(0); i < n.Uint64(); i++ {
		p, err := c.Plan(ctx, PlanRef{Provider: provider, Index: i})
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *RPC) RemainingExecutions(ctx context.Context, ref PlanRef, requestor common.Address) (uint64, error) {
	vals, err := c.call(ctx, contract.Scheduler, ref.Provider, "remainingExecutions", requestor, new(big.Int).SetUint64(ref.Index))
	if err != nil {
		return 0, err
	}
	n, _ := vals[0].(*big.Int)
	if n == nil {
		return 0, nil
	}
	return n.Uint64(), nil
}

func (c *RPC) tokenType(token common.Address) TokenType {
	if token == (common.Address{}) {
		return TokenNative
	}
	if t, ok := c.cfg.Tokens[token]; ok {
		return t
	}
	return TokenERC20
}

func (c *RPC) TransactionBlockNumber(ctx context.Context, hash common.Hash) (uint64, error) {
	r, err := c.TransactionReceipt(ctx, hash)
	if err != nil {
		return 0, err
	}
	return r.BlockNumber.Uint64(), nil
}

func (c *RPC) HeadBlockNumber(ctx context.Context) (uint64, error) {
	cctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return c.ec.BlockNumber(cctx)
}

func (c *RPC) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	cctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer cancel()
	h, err := c.ec.HeaderByNumber(cctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("header %d: %w", number, err)
	}
	return time.Unix(int64(h.Time), 0), nil
}

func (c *RPC) BlockTransactions(ctx context.Context, number uint64) (types.Transactions, error) {
	cctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	b, err := c.ec.BlockByNumber(cctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}
	return b.Transactions(), nil
}

func (c *RPC) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	cctx, cancel, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	r, err := c.ec.TransactionReceipt(cctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTxNotMined, hash.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
	}
	return r, nil
}

// ---- Writer ----

func (c *RPC) transactor(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	if c.key == nil {
		return nil, ErrNoSigner
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	opts.Value = value
	return opts, nil
}

func (c *RPC) transact(ctx context.Context, to common.Address, iface *contract.Interface, value *big.Int, method string, args ...any) (TxHandle, error) {
	opts, err := c.transactor(ctx, value)
	if err != nil {
		return nil, err
	}
	if err := c.lim.Wait(ctx); err != nil {
		return nil, err
	}
	bound := bind.NewBoundContract(to, iface.ABI(), c.ec, c.ec, c.ec)
	tx, err := bound.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	c.log.Debug("transaction sent", logx.String("method", method), logx.Stringer("tx", tx.Hash()), logx.Stringer("to", to))
	return &rpcTx{c: c, hash: tx.Hash()}, nil
}

func (c *RPC) Schedule(ctx context.Context, reqs []ExecutionRequest) (TxHandle, error) {
	if len(reqs) == 0 {
		return nil, ErrEmptyBatch
	}
	provider := reqs[0].Plan.Provider
	total := new(big.Int)
	for _, r := range reqs {
		if r.Plan.Provider != provider {
			return nil, ErrMixedBatch
		}
		if r.Value != nil {
			total.Add(total, r.Value)
		}
	}
	if len(reqs) == 1 {
		r := reqs[0]
		return c.transact(ctx, provider, contract.Scheduler, total, "schedule",
			new(big.Int).SetUint64(r.Plan.Index), r.Contract, r.Data, big.NewInt(r.ExecuteAt.Unix()))
	}
	batch := make([][]byte, 0, len(reqs))
	for _, r := range reqs {
		data, err := contract.Scheduler.EncodeCall("schedule",
			new(big.Int).SetUint64(r.Plan.Index), r.Contract, r.Data, big.NewInt(r.ExecuteAt.Unix()))
		if err != nil {
			return nil, err
		}
		batch = append(batch, data)
	}
	return c.transact(ctx, provider, contract.Scheduler, total, "batchSchedule", batch)
}

func (c *RPC) PurchasePlan(ctx context.Context, plan Plan, quantity uint64) (TxHandle, error) {
	amount := plan.Price(quantity)
	args := []any{new(big.Int).SetUint64(plan.Ref.Index), new(big.Int).SetUint64(quantity)}
	if plan.TokenType == TokenNative {
		return c.transact(ctx, plan.Ref.Provider, contract.Scheduler, amount, "purchase", args...)
	}
	if err := c.ensureAllowance(ctx, plan.Token, plan.Ref.Provider, amount); err != nil {
		return nil, err
	}
	return c.transact(ctx, plan.Ref.Provider, contract.Scheduler, nil, "purchase", args...)
}

// ensureAllowance approves spender for amount when the current allowance is short,
// and waits for the approval to be mined.
func (c *RPC) ensureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	vals, err := c.call(ctx, contract.ERC20, token, "allowance", c.from, spender)
	if err != nil {
		return err
	}
	if cur, _ := vals[0].(*big.Int); cur != nil && cur.Cmp(amount) >= 0 {
		return nil
	}
	h, err := c.transact(ctx, token, contract.ERC20, nil, "approve", spender, amount)
	if err != nil {
		return err
	}
	_, err = h.Wait(ctx)
	return err
}

func (c *RPC) Cancel(ctx context.Context, provider common.Address, id common.Hash) (TxHandle, error) {
	return c.transact(ctx, provider, contract.Scheduler, nil, "cancelScheduling", [32]byte(id))
}

type rpcTx struct {
	c    *RPC
	hash common.Hash
}

func (t *rpcTx) Hash() common.Hash { return t.hash }

func (t *rpcTx) Wait(ctx context.Context) (*types.Receipt, error) {
	tick := time.NewTicker(t.c.cfg.ConfirmPoll)
	defer tick.Stop()
	for {
		r, err := t.c.TransactionReceipt(ctx, t.hash)
		switch {
		case err == nil:
			if r.Status != types.ReceiptStatusSuccessful {
				return r, &RevertedError{TxHash: t.hash, Block: r.BlockNumber.Uint64()}
			}
			return r, nil
		case !errors.Is(err, ErrTxNotMined):
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}
