// Package repository owns the local git object and reference store used for
// merge synthesis and talks to the upstream remote through go-git transports.
//
// Object writes are content addressed and therefore idempotent. Reference
// writes are compare-and-swap operations: every update names the value it
// expects to replace and fails with a RefConflictError when the store holds
// something else.
package repository
