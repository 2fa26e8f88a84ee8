// Package flows holds the pure decision tables of the login state machine:
// which verification tier applies after a correct password, which factors a
// pending verification of a given kind accepts, and the backup-code and
// super-secure rules.
//
// Nothing here performs I/O. The engine gathers the inputs (identity flags,
// device marker presence, exemption) and acts on the answers.
//
// # What this package must NOT do
//
//   - Import multiauth (to avoid import cycles).
//   - Hold state between calls.
package flows
