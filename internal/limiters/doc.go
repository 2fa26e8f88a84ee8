// Package limiters provides the Redis-backed counters behind login lockout,
// MFA lockout and send throttling.
//
// # Limiters
//
//   - [Lockout]: consecutive-failure counter per subject that swaps itself
//     for a lock key once the threshold is reached inside the window.
//   - [Throttle]: fixed-window event cap per subject (OTP sends, sign-ups,
//     reset requests).
//
// Both use Lua scripts so the increment, the TTL and the lock transition are
// a single atomic step. Lock and window lengths are read back with PTTL so
// callers can report retry-after.
//
// # What this package must NOT do
//
//   - Import multiauth or any sibling internal package.
//   - Make policy decisions beyond counting; the engine decides consequences.
package limiters
