// Package password is the hashing service behind credential and one-time
// code checks.
//
// Passwords are hashed with Argon2id and encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Argon2.NeedsUpgrade] reports hashes produced with weaker parameters so
// the engine can rehash after a successful login.
//
// One-time codes use [OTPHasher], an HMAC-SHA256 keyed by a server pepper.
//
// This package never stores, retrieves or logs secrets.
package password
