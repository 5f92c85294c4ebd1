// Package relayd is a development relay speaking the holder relay protocol v1.
//
// It is the counterpart the holder is tested and demoed against: origin
// policy, subprotocol selection, per-connection rate limits and heartbeats
// (the same websocket gateway shape as the client transport), a session
// registry keyed by hashed bearer tokens with a TTL, and routing of signed
// messages to the recipient's live, subscribed connection.
//
// Relay answers:
//   - 400 malformed request, unknown kind, sender/recipient problems
//   - 401 bad login signature, unknown/expired/replaced session
//   - 404 recipient has no live session subscribed to the message kind
//   - 429 rate limited (the connection is then closed)
package relayd
