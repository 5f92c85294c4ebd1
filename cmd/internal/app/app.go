// Package app wires the holder runtime: config, logging, identity, the relay
// session stack, local flags, the metrics listener and the console shell.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"holder/cmd/identity"
	"holder/cmd/internal/channel"
	"holder/cmd/internal/flags"
	"holder/cmd/internal/message"
	"holder/cmd/internal/orchestrator"
	"holder/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Option configures an App.
type Option func(*App)

// WithIO replaces stdin/stdout for the shell and consent prompts.
func WithIO(in io.Reader, out io.Writer) Option {
	return func(a *App) {
		if in != nil {
			a.in = in
		}
		if out != nil {
			a.out = &lockedWriter{w: out}
		}
	}
}

// WithTransport replaces the websocket transport (tests).
func WithTransport(tr relay.Transport) Option {
	return func(a *App) { a.transport = tr }
}

// App is the holder runtime. It owns every resource it opens.
type App struct {
	cfg Config
	log Logger

	in  io.Reader
	out io.Writer

	keys      identity.Keys
	codec     *message.Codec
	transport relay.Transport
	session   *channel.Channel
	orch      *orchestrator.Orchestrator

	flags flags.Store
	pool  *pgxpool.Pool

	registry *prometheus.Registry

	closeOnce sync.Once
}

// New builds a fully wired App. Resources opened before a failure are released.
func New(ctx context.Context, cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{
		cfg: cfg,
		log: log,
		in:  os.Stdin,
		out: &lockedWriter{w: os.Stdout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	keys, ephemeral, err := LoadKeys(cfg)
	if err != nil {
		return nil, err
	}
	a.keys = keys
	if ephemeral {
		log.Warn("identity.ephemeral", "did", keys.DID().String())
	}

	mcfg := message.Config{TTL: cfg.MessageTTL, ClockSkew: cfg.ClockSkew}
	signer := message.NewPasetoSigner(mcfg, keys)
	a.codec = message.NewCodec(signer, signer)

	st, pool, err := openFlags(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.flags, a.pool = st, pool

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if a.transport == nil {
		a.transport = relay.NewWSTransport(cfg.Relay, a.codec, log)
	}
	a.session = channel.New(a.transport, log)
	a.orch = orchestrator.New(a.session, a.codec,
		orchestrator.WithLogger(log),
		orchestrator.WithReporter(logReporter{log: log}),
		orchestrator.WithConsent(&consoleConsent{log: log, out: a.out}),
		orchestrator.WithMetrics(orchestrator.NewMetrics(a.registry)),
		orchestrator.WithDevice(cfg.Device),
	)
	ok = true
	return a, nil
}

// openFlags picks Postgres when a database is configured, otherwise SQLite
// (or memory for ":memory:").
func openFlags(ctx context.Context, cfg Config, log Logger) (flags.Store, *pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("flags: postgres: %w", err)
		}
		st, err := flags.NewPostgresStore(pool, flags.WithSchema(cfg.DatabaseSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("flags: ensure schema: %w", err)
		}
		log.Info("flags.store", "backend", "postgres", "schema", cfg.DatabaseSchema)
		return st, pool, nil
	}

	path := strings.TrimSpace(cfg.FlagsPath)
	if path == "" || path == ":memory:" {
		log.Info("flags.store", "backend", "memory")
		return flags.NewMemoryStore(), nil, nil
	}
	st, err := flags.OpenSQLite(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("flags: sqlite: %w", err)
	}
	log.Info("flags.store", "backend", "sqlite", "path", path)
	return st, nil, nil
}

// Run starts the orchestrator, the optional metrics listener and the shell,
// activates the session, and blocks until the shell exits or ctx is done.
// On the way out the session is logged out and every resource is closed.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	// The loop outlives ctx so the final logout can still be queued.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = a.orch.Run(loopCtx)
	}()
	defer func() {
		stopLoop()
		<-loopDone
	}()

	go a.logStates(a.orch.Watch())

	srvDone := make(chan error, 1)
	if a.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		a.registerHTTP(mux)
		srv := NewHTTPServer(a.cfg.MetricsAddr, mux, a.cfg, a.log)
		go func() { srvDone <- Serve(ctx, a.log, srv) }()
	} else {
		srvDone <- nil
	}

	a.log.Info("holder.start", "did", a.codec.Self().String(), "relay", a.cfg.Relay.URL)

	actx, cancel := context.WithTimeout(ctx, nonZeroDuration(a.cfg.ActivateTimeout, 30*time.Second))
	if err := a.Activate(actx); err != nil {
		fmt.Fprintf(a.out, "activation failed: %v (use :activate to retry)\n", err)
	} else {
		fmt.Fprintf(a.out, "logged in as %s\n", a.codec.Self())
	}
	cancel()

	shellErr := NewShell(a, a.in, a.out).Run(ctx)

	lctx, lcancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := a.orch.Logout(lctx); err != nil {
		a.log.Info("holder.logout.fail", "err", err)
	}
	lcancel()

	if err := <-srvDone; err != nil {
		return err
	}
	a.log.Info("holder.stopped")
	return shellErr
}

// Activate runs orchestrator activation and records the onboarded flag after
// the first success.
func (a *App) Activate(ctx context.Context) error {
	if err := a.orch.Activate(ctx); err != nil {
		return err
	}

	seen, err := a.flags.Get(ctx, flags.KeyOnboarded)
	if err != nil {
		a.log.Warn("flags.get.fail", "key", flags.KeyOnboarded, "err", err)
		return nil
	}
	if !seen {
		if err := a.flags.Set(ctx, flags.KeyOnboarded, true); err != nil {
			a.log.Warn("flags.set.fail", "key", flags.KeyOnboarded, "err", err)
			return nil
		}
		a.log.Info("holder.onboarded", "did", a.codec.Self().String())
	}
	return nil
}

// OnScan forwards a scanned pairing payload.
func (a *App) OnScan(ctx context.Context, raw string) error { return a.orch.OnScan(ctx, raw) }

// Logout ends the relay session.
func (a *App) Logout(ctx context.Context) error { return a.orch.Logout(ctx) }

// State returns the orchestrator state.
func (a *App) State() orchestrator.State { return a.orch.State() }

func (a *App) logStates(ch <-chan orchestrator.State) {
	for st := range ch {
		a.log.Info("holder.state", "state", st.String())
	}
}

func (a *App) close() {
	a.closeOnce.Do(func() {
		if a.transport != nil {
			if err := a.transport.Close(); err != nil {
				a.log.Info("relay.close.fail", "err", err)
			}
		}
		if a.flags != nil {
			if err := a.flags.Close(); err != nil {
				a.log.Info("flags.close.fail", "err", err)
			}
		}
		if a.pool != nil {
			a.pool.Close()
		}
	})
}
