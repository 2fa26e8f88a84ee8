// Package middleware adapts Engine.ValidateAccess to net/http for API
// clients that present the access token as a bearer credential.
//
// Guard rejects missing, malformed or revoked tokens before the wrapped
// handler runs and stores the resolved AccessContext on the request
// context. Cookie-driven endpoints live in internal/httpapi and do not go
// through Guard.
package middleware
