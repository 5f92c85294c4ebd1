// Package channel is the holder's authenticated session with the relay.
//
// A Channel owns the session state machine (None, Authenticating,
// Authenticated, Unauthenticated), the relay session handle and the
// per-kind subscriptions. Relay errors are returned as-is; deciding what
// they mean for the session is the caller's job.
package channel
