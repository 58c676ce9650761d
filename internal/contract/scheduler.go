package contract

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SchedulerABI is the provider contract surface this module talks to.
const SchedulerABI = `[
  {"type":"function","name":"getState","stateMutability":"view",
   "inputs":[{"name":"id","type":"bytes32"}],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"plansCount","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"plans","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
     {"name":"pricePerExecution","type":"uint256"},
     {"name":"window","type":"uint256"},
     {"name":"gasLimit","type":"uint256"},
     {"name":"token","type":"address"},
     {"name":"active","type":"bool"}]},
  {"type":"function","name":"remainingExecutions","stateMutability":"view",
   "inputs":[{"name":"requestor","type":"address"},{"name":"plan","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"purchase","stateMutability":"payable",
   "inputs":[{"name":"plan","type":"uint256"},{"name":"quantity","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"schedule","stateMutability":"payable",
   "inputs":[
     {"name":"plan","type":"uint256"},
     {"name":"to","type":"address"},
     {"name":"data","type":"bytes"},
     {"name":"executionTime","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"batchSchedule","stateMutability":"payable",
   "inputs":[{"name":"data","type":"bytes[]"}],
   "outputs":[]},
  {"type":"function","name":"cancelScheduling","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"bytes32"}],
   "outputs":[]},
  {"type":"function","name":"execute","stateMutability":"nonpayable",
   "inputs":[{"name":"id","type":"bytes32"}],
   "outputs":[]},
  {"type":"event","name":"ExecutionRequested","anonymous":false,
   "inputs":[
     {"name":"id","type":"bytes32","indexed":true},
     {"name":"timestamp","type":"uint256","indexed":false}]},
  {"type":"event","name":"Executed","anonymous":false,
   "inputs":[
     {"name":"id","type":"bytes32","indexed":true},
     {"name":"success","type":"bool","indexed":false},
     {"name":"result","type":"bytes","indexed":false}]}
]`

// ERC20ABI covers the allowance handshake needed before a token purchase.
const ERC20ABI = `[
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var (
	Scheduler = MustParse(SchedulerABI)
	ERC20     = MustParse(ERC20ABI)
)

var ErrNotExecutedEvent = errors.New("log is not an Executed event")

// ExecutedEvent is the provider's record of one execution attempt.
type ExecutedEvent struct {
	ID      common.Hash
	Success bool
	Result  []byte
}

// ExecutedTopic is topic0 of the Executed event.
func ExecutedTopic() common.Hash { return Scheduler.abi.Events["Executed"].ID }

// DecodeExecuted parses an Executed log. The id is read from topic1.
func DecodeExecuted(l *types.Log) (ExecutedEvent, error) {
	if l == nil || len(l.Topics) < 2 || l.Topics[0] != ExecutedTopic() {
		return ExecutedEvent{}, ErrNotExecutedEvent
	}
	var body struct {
		Success bool
		Result  []byte
	}
	if err := Scheduler.abi.UnpackIntoInterface(&body, "Executed", l.Data); err != nil {
		return ExecutedEvent{}, fmt.Errorf("decode Executed: %w", err)
	}
	return ExecutedEvent{ID: l.Topics[1], Success: body.Success, Result: body.Result}, nil
}

// EncodeExecuted builds an Executed log. Used by fakes and tests.
func EncodeExecuted(provider common.Address, ev ExecutedEvent) (*types.Log, error) {
	data, err := Scheduler.abi.Events["Executed"].Inputs.NonIndexed().Pack(ev.Success, ev.Result)
	if err != nil {
		return nil, err
	}
	return &types.Log{
		Address: provider,
		Topics:  []common.Hash{ExecutedTopic(), ev.ID},
		Data:    data,
	}, nil
}
