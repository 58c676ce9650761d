package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed       = errors.New("storage closed")
	ErrInvalidName  = errors.New("store name required")
	ErrUnknownStore = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): process-local map, nothing survives a restart
//   - "file": snapshot + append-only journal next to Path
//   - "sqlite": SQLite database file
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal records between compactions (default 200)
}
