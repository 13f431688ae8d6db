// Package session verifies the short-lived access tokens that authenticate
// realtime connections.
//
// Access tokens are PASETO v4.public, signed by the platform's auth service with
// an Ed25519 key. Pulse normally holds only the public key and verifies; the
// secret key is accepted for dev and tests so tokens can be issued locally.
package session
