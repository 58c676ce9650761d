// Package storage provides the key-value persistence layer.
//
// Values are opaque byte blobs addressed by a store name ("ledger",
// "contracts", ...). Callers own their serialization.
package storage
