// Package identity holds the holder's signing identity: the Ed25519 key pair
// and the DID derived from it.
//
// Key storage is out of scope; keys arrive as hex (from the environment or a
// platform keystore) or are generated for ephemeral sessions.
package identity
