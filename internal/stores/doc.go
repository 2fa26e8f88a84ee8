// Package stores provides Redis-backed, short-lived records used while a
// login is in flight: one-time codes, pending verification side channels,
// device recognition markers and password reset challenges.
//
// # Design
//
// Every record carries a TTL and every lookup treats "missing" and
// "expired" alike. Single-use consumption is atomic: OTPs use a Lua
// compare-and-delete, pending verifications rely on DEL returning 1 for
// exactly one caller, and reset challenges use WATCH/MULTI with retry.
// Secret comparisons are constant-time.
//
// # What this package must NOT do
//
//   - Import multiauth or any sibling internal package.
//   - Store plaintext codes or secrets; callers pass hashes.
//   - Make authentication decisions.
package stores
