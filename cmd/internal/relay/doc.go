// Package relay is the holder's client side of the relay protocol.
//
// Transport is the narrow interface the session channel consumes. WSTransport
// implements it over a websocket speaking shared/contracts/relay/v1: one
// reader and one writer goroutine per connection, request/ack correlation by
// envelope ID, heartbeats, and a lazy dial with exponential backoff that
// resumes the relay session and re-issues subscriptions after a reconnect.
//
// Relay-reported failures surface as *Error carrying the relay status code.
// Failures where no relay answer was received surface as *TransportError.
package relay
