// Package token mints and hashes relay session tokens.
//
// Session tokens are bearer secrets: the relay keeps only their digest.
//
// Modes:
//   - dev: SHA-256(token) when no HMAC key is configured.
//   - enforced: HMAC-SHA256(token, key); NewHasher rejects keys shorter than
//     the caller's minimum.
//
// Digests are 64-char lowercase hex, compared in constant time.
package token
