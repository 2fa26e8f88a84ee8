// Package logger owns the process-wide zap logger of multiauthd.
//
// Init builds it once (console encoder for "dev", JSON for "prod"); L and
// Named hand it out. HTTP middleware stores a request-scoped child with
// ToContext, and handlers read it back with From, which falls back to the
// singleton.
package logger
