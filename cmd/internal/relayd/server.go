package relayd

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"holder/cmd/internal/message"
	"holder/cmd/security/token"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server bundles the relay gateway with its health and metrics endpoints.
type Server struct {
	Gateway  *Gateway
	Registry *Registry

	cfg      Config
	gatherer prometheus.Gatherer
}

// NewServer wires a relay from cfg.
func NewServer(cfg Config, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := token.NewHasher(cfg.TokenHMACKey, minTokenHMACKeyBytes, cfg.RequireTokenHMAC)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return nil, fmt.Errorf("%w: RELAYD_REQUIRE_TOKEN_HMAC=true but RELAYD_TOKEN_HMAC_KEY is missing", ErrConfig)
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return nil, fmt.Errorf("%w: RELAYD_TOKEN_HMAC_KEY is too short (min %d bytes)", ErrConfig, minTokenHMACKeyBytes)
		default:
			return nil, err
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mcfg := message.DefaultConfig()
	mcfg.ClockSkew = cfg.MessageClockSkew
	codec := message.NewVerifyingCodec(message.NewPasetoVerifier(mcfg))

	reg := NewRegistry(hasher, cfg.SessionTTL)
	gw := NewGateway(cfg, log, codec, reg, NewMetrics(promReg))

	return &Server{
		Gateway:  gw,
		Registry: reg,
		cfg:      cfg,
		gatherer: promReg,
	}, nil
}

// Handler routes the websocket path, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Handle(s.cfg.Path, s.Gateway)
	return mux
}
