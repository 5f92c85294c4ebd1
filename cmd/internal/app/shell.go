package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"holder/cmd/internal/orchestrator"
	"holder/cmd/internal/pairing"
)

// Controller is what the shell drives.
type Controller interface {
	Activate(ctx context.Context) error
	OnScan(ctx context.Context, raw string) error
	Logout(ctx context.Context) error
	State() orchestrator.State
}

const shellHelp = `commands:
  <pairing code>  send IDENTIFY to the scanned peer
  :activate       log in and listen for login requests
  :logout         end the relay session
  :state          print the session state
  :quit           exit
`

// Shell reads one command per line. Any line that is not a ":" command is a
// scanned pairing payload.
type Shell struct {
	ctl Controller
	in  io.Reader
	out io.Writer
}

// NewShell builds a Shell over in/out.
func NewShell(ctl Controller, in io.Reader, out io.Writer) *Shell {
	return &Shell{ctl: ctl, in: in, out: out}
}

// Run serves commands until :quit, end of input or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if quit := s.exec(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (s *Shell) exec(ctx context.Context, line string) (quit bool) {
	switch line {
	case "":
		return false
	case ":quit", ":q", ":exit":
		return true
	case ":help", ":h":
		s.print(shellHelp)
	case ":state":
		s.printf("state: %s\n", s.ctl.State())
	case ":activate":
		if err := s.ctl.Activate(ctx); err != nil {
			s.printf("activation failed: %v\n", err)
			return false
		}
		s.print("activated\n")
	case ":logout":
		if err := s.ctl.Logout(ctx); err != nil {
			s.printf("logout: %v\n", err)
			return false
		}
		s.print("logged out\n")
	default:
		if strings.HasPrefix(line, ":") {
			s.printf("unknown command %q (try :help)\n", line)
			return false
		}
		s.scan(ctx, line)
	}
	return false
}

func (s *Shell) scan(ctx context.Context, raw string) {
	err := s.ctl.OnScan(ctx, raw)
	switch {
	case err == nil:
		s.print("identified\n")
	case errors.Is(err, pairing.ErrInvalidPairingFormat):
		s.printf("not a pairing code: %v\n", err)
	case errors.Is(err, orchestrator.ErrRetryRequired):
		s.print("peer is not reachable right now; scan again\n")
	case errors.Is(err, orchestrator.ErrNotLoggedIn):
		s.print("not logged in; use :activate\n")
	case errors.Is(err, orchestrator.ErrBusy):
		s.print("busy; try again in a moment\n")
	default:
		s.printf("scan failed: %v\n", err)
	}
}

func (s *Shell) print(msg string) { _, _ = io.WriteString(s.out, msg) }

func (s *Shell) printf(format string, args ...any) { _, _ = fmt.Fprintf(s.out, format, args...) }
