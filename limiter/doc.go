// Package limiter provides a distributed token-bucket rate limiter.
//
// Design:
//   - All token state lives in a remote atomic store (Redis in production), keyed by bucket key
//   - A process only caches configuration: the Registry (identifier -> configuration) and one
//     live proxy per identifier
//   - Debits are compare-and-swap loops against the store, so concurrent callers across
//     processes debit exactly once
//   - Configuration updates reset every existing bucket of an identifier (RESET inheritance)
//     and are broadcast to peer processes through an optional Notifier
//
// Bucket keys are identifier (global quota) or identifier+userID (per-user quota).
package limiter
