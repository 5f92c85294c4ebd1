// Command relayd runs the development relay the holder talks to.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"holder/cmd/internal/app"
	"holder/cmd/internal/relayd"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := relayd.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	logger := app.NewLogger(cfg.LogLevel, cfg.LogFormat)

	srv, err := relayd.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// No read/write timeouts: websocket connections are long-lived and the
	// gateway enforces its own per-frame deadlines.
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.WithRequestLogging(srv.Handler(), logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	logger.Info("relayd.start", "path", cfg.Path, "dev_insecure", cfg.DevInsecure, "token_hmac", cfg.TokenHMACKey != "")
	return app.Serve(ctx, logger, httpSrv)
}
