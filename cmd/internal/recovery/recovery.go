package recovery

import (
	"context"
	"errors"

	"holder/cmd/internal/message"
	"holder/cmd/internal/relay"
	v1 "holder/shared/contracts/relay/v1"
)

// Action is what the orchestrator does after a failure.
type Action uint8

const (
	// Ignore: nothing failed, or the caller abandoned the operation.
	Ignore Action = iota
	// LogAndContinue: report and stay in the current session.
	LogAndContinue
	// ForceLogout: the session is gone; tear it down locally.
	ForceLogout
	// PromptRetry: ask the user to retry (recipient unreachable).
	PromptRetry
)

func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case LogAndContinue:
		return "log_and_continue"
	case ForceLogout:
		return "force_logout"
	case PromptRetry:
		return "prompt_retry"
	default:
		return "unknown"
	}
}

// Operation names the channel operation that failed.
type Operation uint8

const (
	OpLogin Operation = iota
	OpSubscribe
	OpSend
	OpLogout
)

func (o Operation) String() string {
	switch o {
	case OpLogin:
		return "login"
	case OpSubscribe:
		return "subscribe"
	case OpSend:
		return "send"
	case OpLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// Classify decides the recovery action for err raised by op on a message of
// kind. It never returns ForceLogout for a status other than 401.
func Classify(op Operation, kind message.Kind, err error) Action {
	if err == nil || errors.Is(err, context.Canceled) {
		return Ignore
	}

	status, ok := relay.StatusOf(err)
	if !ok {
		// No relay answer: transport failure or a local error.
		return LogAndContinue
	}

	switch {
	case status == v1.StatusUnauthorized:
		return ForceLogout
	case status == v1.StatusNotFound && op == OpSend && kind == message.KindIdentify:
		return PromptRetry
	default:
		return LogAndContinue
	}
}
