// Package notify delivers multiauth notifications.
//
// Mailer renders the email kinds and hands them to a Sender (SMTP through
// go-mail in production). InAppPublisher pushes notification OTPs to a
// per-user Redis channel, and RedisPublisher announces revoked sessions so
// other processes can drop cached state. Router picks one of them per
// NotificationKind.
package notify
