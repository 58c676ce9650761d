// Package execid derives content-addressed execution identifiers.
//
// The id is keccak256 over the ABI encoding of
//
//	(address provider, uint256 planIndex, address requestor,
//	 address contract, bytes data, uint256 executeAt, uint256 value)
//
// with executeAt in Unix seconds and a nil value encoded as zero. Persisted
// ledgers key executions by this value, so the layout must not change.
package execid

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rsksmart/rif-scheduler-ui-sub000/internal/chain"
)

// Input is the tuple that identifies one execution.
type Input struct {
	Plan        chain.PlanRef
	Requestor   common.Address
	Contract    common.Address
	EncodedCall []byte
	ExecuteAt   time.Time
	Value       *big.Int
}

var layout = mustArguments("address", "uint256", "address", "address", "bytes", "uint256", "uint256")

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, s := range types {
		t, err := abi.NewType(s, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: t})
	}
	return args
}

// Compute returns the id of in.
func Compute(in Input) common.Hash {
	value := in.Value
	if value == nil {
		value = new(big.Int)
	}
	data := in.EncodedCall
	if data == nil {
		data = []byte{}
	}
	packed, err := layout.Pack(
		in.Plan.Provider,
		new(big.Int).SetUint64(in.Plan.Index),
		in.Requestor,
		in.Contract,
		data,
		big.NewInt(in.ExecuteAt.Unix()),
		value,
	)
	if err != nil {
		// unreachable: argument Go types are fixed by layout
		panic("execid: " + err.Error())
	}
	return crypto.Keccak256Hash(packed)
}

// ComputeAll returns one id per timestamp, base.ExecuteAt replaced by each.
func ComputeAll(base Input, times []time.Time) []common.Hash {
	out := make([]common.Hash, len(times))
	for i, at := range times {
		in := base
		in.ExecuteAt = at
		out[i] = Compute(in)
	}
	return out
}
