package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"holder/cmd/internal/message"
	"holder/cmd/internal/pairing"
)

// logReporter is the orchestrator's error sink: expected failures are
// warnings, everything else is an error.
type logReporter struct {
	log *slog.Logger
}

func (r logReporter) Report(err error, expected bool) {
	if err == nil {
		return
	}
	if expected {
		r.log.Warn("holder.report", "err", err, "expected", true)
		return
	}
	r.log.Error("holder.report", "err", err, "expected", false)
}

// consoleConsent prints authenticated login requests for the user.
// Approval itself happens outside this process.
type consoleConsent struct {
	log *slog.Logger
	out io.Writer
}

func (c *consoleConsent) HandleLoginRequest(_ context.Context, from pairing.PeerID, req message.LoginRequestPayload) error {
	var b strings.Builder
	fmt.Fprintf(&b, "login request %s from %s", req.RequestID, from)
	if req.Origin != "" {
		fmt.Fprintf(&b, " (%s)", req.Origin)
	}
	b.WriteByte('\n')
	for _, r := range req.Requests {
		fmt.Fprintf(&b, "  - %s", r.Type)
		if r.Purpose != "" {
			fmt.Fprintf(&b, ": %s", r.Purpose)
		}
		if len(r.Claims) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(r.Claims, ", "))
		}
		b.WriteByte('\n')
	}

	_, err := io.WriteString(c.out, b.String())

	c.log.Info("holder.consent.prompt", "from", from.String(), "request_id", req.RequestID, "items", len(req.Requests))
	return err
}

// lockedWriter serializes writes from the shell and from consent prompts,
// which arrive on their own goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
