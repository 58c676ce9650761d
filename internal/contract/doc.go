// Package contract wraps go-ethereum's ABI handling behind a small typed
// interface: encode a call by method name, decode a method's outputs, and
// recover the method a piece of calldata targets.
//
// It also carries the provider (scheduler) contract ABI and a persisted
// registry of user contracts.
package contract
