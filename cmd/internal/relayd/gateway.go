package relayd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"holder/cmd/identity/ids"
	"holder/cmd/internal/message"
	"holder/cmd/internal/wsio"
	v1 "holder/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

// Gateway is the relay's websocket entrypoint.
//
// It enforces origin policy, subprotocol selection, rate limits and
// heartbeats, and serves the v1 request set against a session Registry.
type Gateway struct {
	cfg      Config
	log      *slog.Logger
	codec    *message.Codec
	reg      *Registry
	metrics  *Metrics
	throttle *Throttle

	// Derived for websocket.Accept's own cross-origin check.
	originPatterns []string
}

// NewGateway wires a gateway. codec must be able to decode and verify
// messages; it is never used to sign.
func NewGateway(cfg Config, log *slog.Logger, codec *message.Codec, reg *Registry, metrics *Metrics) *Gateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.ReadIdleTimeout <= 0 {
		cfg.ReadIdleTimeout = DefaultConfig().ReadIdleTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}
	if reg == nil {
		reg = NewRegistry(nil, cfg.SessionTTL)
	}
	return &Gateway{
		cfg:            cfg,
		log:            log,
		codec:          codec,
		reg:            reg,
		metrics:        metrics,
		throttle:       NewThrottle(cfg.RateEvents, cfg.RateWindow, metrics),
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// ServeHTTP upgrades the request and runs the connection until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("relayd.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("relayd.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("relayd.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	g.serve(r.Context(), conn)
}

func (g *Gateway) serve(parent context.Context, conn *websocket.Conn) {
	client := NewClient(ids.MustULID(time.Now().UTC()), g.cfg.SendQueue)
	log := g.log.With("conn_id", client.ConnID)

	g.metrics.connOpened()
	defer g.metrics.connClosed()
	log.Info("relayd.conn.open")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once
	// shutdown is idempotent. It does NOT close client.Send; the session is
	// detached first so routers stop picking this client.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.reg.Detach(client)
			g.throttle.Release(connKey(client.ConnID))
			g.throttle.Sweep(time.Now().UTC())
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
			log.Info("relayd.conn.close", "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := wsio.WriteEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					log.Info("relayd.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					log.Info("relayd.ping.fail", "failures", failures, "err", err)
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	shutdown(g.readLoop(ctx, log, conn, client))
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
	g.metrics.setSessions(g.reg.Len())
}

// readLoop serves requests until the connection ends and returns the close
// status to use.
func (g *Gateway) readLoop(ctx context.Context, log *slog.Logger, conn *websocket.Conn, client *Client) (websocket.StatusCode, string) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := wsio.ReadEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch wsio.ClassifyReadErr(err) {
			case wsio.ReadErrClose:
				return websocket.StatusNormalClosure, "peer closed"
			case wsio.ReadErrCtxDone:
				return websocket.StatusNormalClosure, "context done"
			case wsio.ReadErrConnClosed:
				return websocket.StatusAbnormalClosure, "conn closed"
			case wsio.ReadErrBadJSON:
				g.replyError(ctx, client, "frame", "", &requestError{v1.StatusBadRequest, "bad_json", "invalid JSON"})
				continue
			default:
				log.Info("relayd.read.fail", "err", err)
				return websocket.StatusAbnormalClosure, "read failed"
			}
		}

		if !g.throttle.Allow(g.budgetKey(client), time.Now().UTC()) {
			g.replyError(ctx, client, env.Type, env.ID, &requestError{v1.StatusRateLimited, "rate_limited", "too many events"})
			return websocket.StatusPolicyViolation, "rate limited"
		}

		if err := env.Validate(); err != nil {
			g.replyError(ctx, client, env.Type, env.ID, &requestError{v1.StatusBadRequest, "bad_envelope", err.Error()})
			continue
		}
		if !env.IsRequest() {
			g.replyError(ctx, client, env.Type, env.ID, &requestError{v1.StatusBadRequest, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type)})
			continue
		}

		ack, rerr := g.handle(client, env)
		if rerr != nil {
			log.Info("relayd.request.fail", "type", env.Type, "status", rerr.status, "code", rerr.code, "err", rerr.msg)
			g.replyError(ctx, client, env.Type, env.ID, rerr)
			continue
		}
		g.replyAck(ctx, client, env.ID, ack)
	}
}

// budgetKey charges a connection to its peer once it holds a session.
func (g *Gateway) budgetKey(client *Client) throttleKey {
	if p, err := g.reg.Peer(client); err == nil {
		return peerKey(p)
	}
	return connKey(client.ConnID)
}

type requestError struct {
	status int
	code   string
	msg    string
}

func badRequest(code, msg string) *requestError {
	return &requestError{v1.StatusBadRequest, code, msg}
}

func unauthorized(msg string) *requestError {
	return &requestError{v1.StatusUnauthorized, "unauthorized", msg}
}

// handle serves one request, returning the ack payload or an error.
func (g *Gateway) handle(client *Client, env v1.Envelope) (any, *requestError) {
	switch env.Type {
	case v1.TypeLogin:
		return g.onLogin(client, env)
	case v1.TypeResume:
		return g.onResume(client, env)
	case v1.TypeSubscribe, v1.TypeUnsubscribe:
		return g.onSubscription(client, env)
	case v1.TypeSend:
		return g.onSend(client, env)
	case v1.TypeLogout:
		return g.onLogout(env)
	default:
		return nil, badRequest("unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
	}
}

// ---- handlers ----

func (g *Gateway) onLogin(client *Client, env v1.Envelope) (any, *requestError) {
	var p v1.LoginPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, badRequest("bad_payload", err.Error())
	}
	if len(p.Token) > maxTokenBytes {
		return nil, badRequest("token_too_large", "token exceeds limit")
	}

	msg, err := g.codec.Decode(p.Token)
	if err != nil {
		return nil, unauthorized(err.Error())
	}
	var body message.LoginPayload
	if err := g.codec.ExtractPayload(msg, message.KindLogin, &body); err != nil {
		return nil, unauthorized(err.Error())
	}
	if !msg.Recipient().Equal(msg.Sender()) {
		return nil, badRequest("not_self_addressed", "login must be addressed to its sender")
	}

	tok, exp, err := g.reg.Open(msg.Sender(), client)
	if err != nil {
		return nil, &requestError{v1.StatusInternal, "internal", err.Error()}
	}
	g.metrics.setSessions(g.reg.Len())
	g.log.Info("relayd.login.ok", "conn_id", client.ConnID, "peer", msg.Sender().String(), "device", body.Device)

	return v1.LoginAckPayload{
		SessionToken: tok,
		Peer:         msg.Sender().String(),
		ExpiresAtMS:  exp.UnixMilli(),
	}, nil
}

func (g *Gateway) onResume(client *Client, env v1.Envelope) (any, *requestError) {
	var p v1.ResumePayload
	if err := decodePayload(env, &p); err != nil {
		return nil, badRequest("bad_payload", err.Error())
	}
	if p.SessionToken == "" {
		return nil, badRequest("missing_session_token", "missing session_token")
	}

	peer, exp, err := g.reg.Resume(p.SessionToken, client)
	if err != nil {
		return nil, unauthorized(err.Error())
	}
	g.log.Info("relayd.resume.ok", "conn_id", client.ConnID, "peer", peer.String())

	return v1.LoginAckPayload{Peer: peer.String(), ExpiresAtMS: exp.UnixMilli()}, nil
}

func (g *Gateway) onSubscription(client *Client, env v1.Envelope) (any, *requestError) {
	var p v1.SubscribePayload
	if err := decodePayload(env, &p); err != nil {
		return nil, badRequest("bad_payload", err.Error())
	}
	kind, err := message.ParseKind(p.Kind)
	if err != nil {
		return nil, badRequest("unknown_kind", err.Error())
	}

	if env.Type == v1.TypeUnsubscribe {
		err = g.reg.Unsubscribe(client, kind)
	} else {
		err = g.reg.Subscribe(client, kind)
	}
	if err != nil {
		return nil, unauthorized(err.Error())
	}
	return struct{}{}, nil
}

func (g *Gateway) onSend(client *Client, env v1.Envelope) (any, *requestError) {
	sender, err := g.reg.Peer(client)
	if err != nil {
		return nil, unauthorized(err.Error())
	}

	var p v1.SendPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, badRequest("bad_payload", err.Error())
	}
	if len(p.Token) > maxTokenBytes {
		return nil, badRequest("token_too_large", "token exceeds limit")
	}

	msg, err := g.codec.Decode(p.Token)
	if err != nil {
		return nil, badRequest("bad_message", err.Error())
	}
	if err := g.verifyRoutable(msg); err != nil {
		g.metrics.delivery(msg.Kind().String(), "rejected")
		return nil, badRequest("bad_message", err.Error())
	}
	if !msg.Sender().Equal(sender) {
		g.metrics.delivery(msg.Kind().String(), "rejected")
		return nil, badRequest("sender_mismatch", "message sender does not own this session")
	}
	if msg.Recipient().IsZero() {
		g.metrics.delivery(msg.Kind().String(), "rejected")
		return nil, badRequest("missing_recipient", "message has no recipient")
	}

	target, err := g.reg.Route(msg.Recipient(), msg.Kind())
	if err != nil {
		g.metrics.delivery(msg.Kind().String(), "not_found")
		return nil, &requestError{v1.StatusNotFound, "not_found", fmt.Sprintf("no live session for %s", msg.Recipient())}
	}

	body, _ := json.Marshal(v1.DeliverPayload{Kind: msg.Kind().String(), Token: msg.Token()})
	if !target.Enqueue(newEnvelope(v1.TypeDeliver, "", body)) {
		g.metrics.delivery(msg.Kind().String(), "dropped")
		return nil, &requestError{v1.StatusNotFound, "recipient_unavailable", "recipient is not accepting messages"}
	}
	g.metrics.delivery(msg.Kind().String(), "delivered")
	g.log.Info("relayd.send.ok", "conn_id", client.ConnID, "kind", msg.Kind(), "from", sender.String(), "to", msg.Recipient().String())
	return struct{}{}, nil
}

// verifyRoutable checks the signature, sender key binding and payload schema
// of a message kind peers may exchange.
func (g *Gateway) verifyRoutable(msg message.SignedMessage) error {
	var out message.Payload
	switch msg.Kind() {
	case message.KindIdentify:
		out = &message.IdentifyPayload{}
	case message.KindLoginRequest:
		out = &message.LoginRequestPayload{}
	default:
		return fmt.Errorf("kind %q is not routable", msg.Kind())
	}
	return g.codec.ExtractPayload(msg, msg.Kind(), out)
}

func (g *Gateway) onLogout(env v1.Envelope) (any, *requestError) {
	var p v1.LogoutPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, badRequest("bad_payload", err.Error())
	}
	peer, err := g.reg.Close(p.SessionToken)
	if err != nil {
		return nil, unauthorized(err.Error())
	}
	g.metrics.setSessions(g.reg.Len())
	g.log.Info("relayd.logout.ok", "peer", peer.String())
	return struct{}{}, nil
}

// ---- send helpers ----

func (g *Gateway) replyAck(ctx context.Context, client *Client, re string, ack any) {
	p, _ := json.Marshal(ack)
	g.enqueue(ctx, client, newEnvelope(v1.TypeAck, re, p))
}

func (g *Gateway) replyError(ctx context.Context, client *Client, typ, re string, rerr *requestError) {
	g.metrics.rejection(typ, rerr.status)
	p, _ := json.Marshal(v1.ErrorPayload{Status: rerr.status, Code: rerr.code, Message: rerr.msg})
	g.enqueue(ctx, client, newEnvelope(v1.TypeError, re, p))
}

func (g *Gateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) {
	select {
	case <-ctx.Done():
	case <-client.Done():
	case client.Send <- env:
	default:
		g.log.Info("relayd.reply.drop", "conn_id", client.ConnID, "type", env.Type, "re", env.Re)
	}
}

func decodePayload(env v1.Envelope, out any) error {
	if len(env.Payload) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
