package v1

// ---- Payloads ----

// LoginPayload carries the signed login message.
type LoginPayload struct {
	Token string `json:"token"`
}

// LoginAckPayload returns the relay session handle.
type LoginAckPayload struct {
	SessionToken string `json:"session_token"`
	Peer         string `json:"peer"`
	ExpiresAtMS  int64  `json:"expires_at_ms,omitempty"`
}

// ResumePayload re-attaches a socket to an existing session.
type ResumePayload struct {
	SessionToken string `json:"session_token"`
}

// SubscribePayload names the message kind to (un)subscribe.
type SubscribePayload struct {
	Kind string `json:"kind"`
}

// SendPayload carries a signed outbound message.
type SendPayload struct {
	Token string `json:"token"`
}

// DeliverPayload carries a signed inbound message.
type DeliverPayload struct {
	Kind  string `json:"kind"`
	Token string `json:"token"`
}

// LogoutPayload ends a session.
type LogoutPayload struct {
	SessionToken string `json:"session_token"`
}

// ErrorPayload is the relay error reply.
type ErrorPayload struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
