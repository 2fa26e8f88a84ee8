// Package credstore holds CredentialStore implementations.
//
//   - memory: process-local store for development and tests
//   - postgres: pgx-backed store with embedded schema migrations
package credstore
