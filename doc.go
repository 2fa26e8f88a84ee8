// Package multiauth is a multi-account authentication engine: password login
// with lockout, MFA and new-device challenges carried by short-lived pending
// tokens, several browser accounts held side by side through per-session
// cookie bindings, and rotating refresh secrets stored in Redis.
//
// Engine methods are safe for concurrent use after [Builder.Build].
//
// # Flow
//
// [Engine.Login] verifies credentials and decides a tier. A trusted login goes
// straight to the session coordinator; an MFA or new-device login returns a
// [Challenge] whose pending token must be completed through
// [Engine.VerifyFactor]. Only a fully verified identity ever reaches the
// coordinator, which decides between creating a session, switching to an
// existing one, or refusing (same device, account ceiling).
//
// # Boundaries
//
//   - The HTTP surface lives in internal/httpapi and only translates cookies
//     to [BrowserSessions] and errors to status codes.
//   - Identity records live behind [CredentialStore]; see credstore/ for a
//     Postgres and an in-memory implementation.
//   - Notifications and revocation fan-out go through [Notifier] and
//     [RevocationPublisher]; see notify/.
package multiauth
