// Package httpapi is the HTTP surface of multiauthd: chi routes over the
// multiauth engine, the multi-account cookie set, and the
// {success, message, data, code} response envelope.
//
// Handlers decode bodies into typed requests, validate them, and pass the
// browser's cookies to the engine untouched; the engine decides what they
// are worth. Cookie writes happen only here.
package httpapi
