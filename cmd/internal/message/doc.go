// Package message builds and opens the signed, typed messages exchanged over the relay.
//
// The signing capability is an interface (Signer); the codec layers payload
// schemas and kind checks on top of it. The default capability signs messages
// as PASETO v4.public tokens with the holder's Ed25519 key.
//
// Codec operations are pure: they never retry and never touch the network.
package message
