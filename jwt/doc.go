// Package jwt signs and verifies the two token types the engine hands out:
// access tokens bound to a session (Manager) and short-lived pending
// verification tokens bound to an IP and device fingerprint (PendingSigner).
package jwt
