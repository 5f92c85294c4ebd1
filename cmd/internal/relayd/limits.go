package relayd

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max length of a signed message token inside a request.
	maxTokenBytes = 16 << 10

	minSendQueueSize = 32

	maxPingFailures = 3

	minTokenHMACKeyBytes = 32
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second

	closeGrace = 1 * time.Second
)
