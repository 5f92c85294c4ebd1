package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if n := visualLen(in); n != len(want) {
		t.Fatalf("visualLen()=%d want=%d", n, len(want))
	}
}

func TestPrettyHandler_PlainOutput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false))

	log.With("peer", "did:web:rp.example").Info("orchestrator.scan.fail",
		"state", "retry_prompted",
		"action", "prompt_retry",
		"err", errors.New("relay: status 404 (not_found)"),
		slog.Group("relay", "status", 404),
	)
	log.Debug("hidden")

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("uncolored handler emitted ANSI codes: %q", out)
	}
	for _, want := range []string{
		" INF orchestrator.scan.fail ",
		"peer=did:web:rp.example",
		"state=retry_prompted",
		"action=prompt_retry",
		`err="relay: status 404 (not_found)"`,
		"relay.status=404",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record passed an info-level handler: %q", out)
	}
	if strings.Count(out, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", out)
	}
}

func TestPrettyHandler_ColorsLevels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, true))
	log.Error("boom", "result", "force_logout")

	out := buf.String()
	if !strings.Contains(out, ansiRed+"ERR"+ansiReset) {
		t.Fatalf("error level not red: %q", out)
	}
	if !strings.Contains(out, ansiRed+"force_logout"+ansiReset) {
		t.Fatalf("force_logout not red: %q", out)
	}
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":          `""`,
		"plain":     "plain",
		"two words": `"two words"`,
		"a=b":       `"a=b"`,
	}
	for in, want := range cases {
		if got := quoteIfNeeded(in); got != want {
			t.Fatalf("quoteIfNeeded(%q)=%q want %q", in, got, want)
		}
	}
}

func TestPrettyHandler_GroupsAndSource(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{AddSource: true}, false))

	log.With("conn_id", "c1").WithGroup("relay").With("kind", "identify").Warn("relay.send.fail", "status", 404)

	out := strings.TrimSpace(buf.String())
	for _, want := range []string{" WRN relay.send.fail ", "conn_id=c1", "relay.kind=identify", "relay.status=404", "(pretty_handler_test.go:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
	if strings.Contains(out, "relay.conn_id") {
		t.Fatalf("attr added before WithGroup was grouped: %q", out)
	}
}
