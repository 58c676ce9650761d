// Package ledger owns scheduled executions, their index entries and resolved
// results. It is the only component with state that outlives the process.
//
// Writes are monotonic merges: fields only ever fill in, a resolved result is
// never replaced, and an execution is never removed. Each write is persisted
// before it becomes visible; a failed persist leaves the in-memory view
// untouched.
package ledger
