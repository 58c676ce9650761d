// Package chain defines the chain collaborator the scheduling core depends on
// (Reader for state and block reads, Writer for transactions) together with
// its domain types, and ships an ethclient-backed implementation.
package chain
