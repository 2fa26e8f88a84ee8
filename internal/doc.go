// Package internal contains helpers private to multiauth: secure random
// identifiers and secrets, composite token encoding, and device
// fingerprinting.
//
// # Sub-packages
//
//   - flows: pure decision tables for the login/MFA state machine
//   - limiters: Redis-backed failed-attempt counters, lockouts and throttles
//   - stores: Redis stores for OTP hashes, pending verifications, device markers and reset challenges
//   - logger: zap logger singleton and request-scoped helpers
//   - config: service configuration loading (YAML + environment)
//   - httpapi: HTTP endpoints, cookies and the response envelope
package internal
