// Package session persists session records in Redis and owns their compact
// binary encoding.
//
// # Binary encoding
//
// A record is a version byte followed by length-prefixed strings, two
// 32-byte secret hashes and three big-endian timestamps. Decoding rejects
// unknown versions rather than guessing.
//
// # Architecture boundaries
//
// The [Store] is the only writer of durable session state. It does not mint
// tokens or decide login policy; it stores hashes of refresh and binding
// secrets, never the secrets themselves.
package session
