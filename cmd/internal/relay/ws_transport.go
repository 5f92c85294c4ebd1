package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"holder/cmd/identity/ids"
	"holder/cmd/internal/message"
	"holder/cmd/internal/wsio"
	v1 "holder/shared/contracts/relay/v1"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

const wsMaxPingFailures = 3

// WSTransport is a Transport over a single websocket to the relay.
//
// The socket is dialed lazily by the first operation. After a connection
// loss it is re-dialed in the background while a session is held; the
// session is resumed and subscriptions are re-issued on the new socket.
type WSTransport struct {
	cfg   Config
	log   *slog.Logger
	codec *message.Codec

	ctx    context.Context
	cancel context.CancelFunc

	// dialMu serializes dial + resume so only one socket is ever being set up.
	dialMu sync.Mutex

	mu      sync.Mutex
	conn    *wsConn
	session SessionToken
	subs    map[message.Kind]chan message.SignedMessage
	closed  bool
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport builds a transport. codec decodes delivered wire tokens.
func NewWSTransport(cfg Config, codec *message.Codec, log *slog.Logger) *WSTransport {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		cfg:    cfg.withDefaults(),
		log:    log,
		codec:  codec,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[message.Kind]chan message.SignedMessage),
	}
}

// Login implements Transport.
func (t *WSTransport) Login(ctx context.Context, msg message.SignedMessage) (SessionToken, error) {
	c, err := t.ensureConn(ctx)
	if err != nil {
		return "", err
	}

	reply, err := t.roundTrip(ctx, c, v1.TypeLogin, v1.LoginPayload{Token: msg.Token()})
	if err != nil {
		return "", err
	}

	var ack v1.LoginAckPayload
	if err := json.Unmarshal(reply.Payload, &ack); err != nil || strings.TrimSpace(ack.SessionToken) == "" {
		return "", transportErr(v1.TypeLogin, errors.New("ack without session token"))
	}

	tok := SessionToken(ack.SessionToken)
	t.mu.Lock()
	t.session = tok
	t.mu.Unlock()

	t.log.Info("relay.login.ok", "peer", ack.Peer)
	return tok, nil
}

// Subscribe implements Transport. A second Subscribe for the same kind
// replaces (and closes) the previous stream.
func (t *WSTransport) Subscribe(ctx context.Context, kind message.Kind) (<-chan message.SignedMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.session.IsZero() {
		t.mu.Unlock()
		return nil, ErrNoSession
	}
	// Register before the round trip so a delivery racing the ack is kept.
	ch := make(chan message.SignedMessage, t.cfg.InboxSize)
	if old, ok := t.subs[kind]; ok {
		close(old)
	}
	t.subs[kind] = ch
	t.mu.Unlock()

	drop := func() {
		t.mu.Lock()
		if cur, ok := t.subs[kind]; ok && cur == ch {
			delete(t.subs, kind)
			close(ch)
		}
		t.mu.Unlock()
	}

	c, err := t.ensureConn(ctx)
	if err != nil {
		drop()
		return nil, err
	}
	if _, err := t.roundTrip(ctx, c, v1.TypeSubscribe, v1.SubscribePayload{Kind: kind.String()}); err != nil {
		drop()
		return nil, err
	}
	return ch, nil
}

// Send implements Transport.
func (t *WSTransport) Send(ctx context.Context, msg message.SignedMessage) error {
	c, err := t.ensureConn(ctx)
	if err != nil {
		return err
	}
	_, err = t.roundTrip(ctx, c, v1.TypeSend, v1.SendPayload{Token: msg.Token()})
	return err
}

// Logout implements Transport. Local session state and subscriptions are
// dropped before the relay is asked, so a failed remote logout still leaves
// the transport logged out. No socket is dialed just to log out.
func (t *WSTransport) Logout(ctx context.Context, tok SessionToken) error {
	t.mu.Lock()
	if tok.IsZero() {
		tok = t.session
	}
	t.session = ""
	t.closeSubsLocked()
	c := t.conn
	t.mu.Unlock()

	if tok.IsZero() || c == nil || !c.alive() {
		return nil
	}
	_, err := t.roundTrip(ctx, c, v1.TypeLogout, v1.LogoutPayload{SessionToken: string(tok)})
	return err
}

// Close implements Transport.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.closeSubsLocked()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.cancel()
	if c != nil {
		c.shutdown(websocket.StatusNormalClosure, "bye", ErrClosed)
	}
	return nil
}

func (t *WSTransport) closeSubsLocked() {
	for k, ch := range t.subs {
		close(ch)
		delete(t.subs, k)
	}
}

// ---- connection lifecycle ----

func (t *WSTransport) ensureConn(ctx context.Context) (*wsConn, error) {
	if c, err := t.current(); c != nil || err != nil {
		return c, err
	}

	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	if c, err := t.current(); c != nil || err != nil {
		return c, err
	}

	ws, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}

	c := newWSConn(ws, t.cfg.SendQueue)
	t.start(c)

	t.mu.Lock()
	session := t.session
	kinds := make([]message.Kind, 0, len(t.subs))
	for k := range t.subs {
		kinds = append(kinds, k)
	}
	t.mu.Unlock()

	if !session.IsZero() {
		t.restore(ctx, c, session, kinds)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.shutdown(websocket.StatusNormalClosure, "bye", ErrClosed)
		return nil, ErrClosed
	}
	t.conn = c
	t.mu.Unlock()
	return c, nil
}

func (t *WSTransport) current() (*wsConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn != nil && t.conn.alive() {
		return t.conn, nil
	}
	return nil, nil
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	h := http.Header{}
	if o := strings.TrimSpace(t.cfg.Origin); o != "" {
		h.Set("Origin", o)
	}

	attempt := func() (*websocket.Conn, error) {
		dctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()

		conn, resp, err := websocket.Dial(dctx, t.cfg.URL, &websocket.DialOptions{
			Subprotocols: []string{v1.Subprotocol},
			HTTPHeader:   h,
		})
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			// The relay refused us on policy; retrying will not help.
			if resp != nil && (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusBadRequest) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if sp := conn.Subprotocol(); sp != v1.Subprotocol {
			_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
			return nil, backoff.Permanent(errors.New("relay did not select " + v1.Subprotocol))
		}
		return conn, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	conn, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(t.cfg.ReconnectMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.log.Info("relay.dial.retry", "url", t.cfg.URL, "next", next, "err", err)
		}),
	)
	if err != nil {
		t.log.Warn("relay.dial.fail", "url", t.cfg.URL, "err", err)
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, transportErr("dial", err)
	}

	conn.SetReadLimit(t.cfg.ReadLimit)
	t.log.Info("relay.dial.ok", "url", t.cfg.URL)
	return conn, nil
}

// restore re-attaches a fresh socket to the held session. A failed resume
// is only logged: the relay answers the next request with 401 and the
// session owner tears down from there.
func (t *WSTransport) restore(ctx context.Context, c *wsConn, session SessionToken, kinds []message.Kind) {
	if _, err := t.roundTrip(ctx, c, v1.TypeResume, v1.ResumePayload{SessionToken: string(session)}); err != nil {
		t.log.Warn("relay.resume.fail", "err", err)
		return
	}
	for _, k := range kinds {
		if _, err := t.roundTrip(ctx, c, v1.TypeSubscribe, v1.SubscribePayload{Kind: k.String()}); err != nil {
			t.log.Warn("relay.resubscribe.fail", "kind", k, "err", err)
		}
	}
	t.log.Info("relay.resume.ok", "subscriptions", len(kinds))
}

func (t *WSTransport) start(c *wsConn) {
	go t.writeLoop(c)
	go t.heartbeatLoop(c)
	go t.readLoop(c)
}

func (t *WSTransport) writeLoop(c *wsConn) {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			if err := wsio.WriteEnvelope(c.ctx, c.ws, env, t.cfg.WriteTimeout); err != nil {
				t.log.Info("relay.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "write failed", err)
				return
			}
		}
	}
}

func (t *WSTransport) heartbeatLoop(c *wsConn) {
	tick := time.NewTicker(t.cfg.HeartbeatInterval)
	defer tick.Stop()

	failures := 0
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			hbCtx, hbCancel := context.WithTimeout(c.ctx, t.cfg.HeartbeatTimeout)
			err := c.ws.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				t.log.Info("relay.ping.fail", "failures", failures, "err", err)
				if failures >= wsMaxPingFailures {
					c.shutdown(websocket.StatusGoingAway, "heartbeat failed", errors.New("heartbeat failed"))
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (t *WSTransport) readLoop(c *wsConn) {
	defer t.lost(c)

	for {
		env, err := wsio.ReadEnvelope(c.ctx, c.ws)
		if err != nil {
			switch wsio.ClassifyReadErr(err) {
			case wsio.ReadErrBadJSON:
				t.log.Info("relay.read.bad_json", "err", err)
				continue
			case wsio.ReadErrClose:
				c.shutdown(websocket.StatusNormalClosure, "peer closed", err)
			case wsio.ReadErrCtxDone, wsio.ReadErrConnClosed:
				c.shutdown(websocket.StatusAbnormalClosure, "conn closed", err)
			default:
				t.log.Info("relay.read.fail", "err", err)
				c.shutdown(websocket.StatusAbnormalClosure, "read failed", err)
			}
			return
		}

		if err := env.Validate(); err != nil {
			t.log.Info("relay.read.bad_envelope", "err", err)
			continue
		}

		switch env.Type {
		case v1.TypeAck, v1.TypeError:
			if env.Re == "" || !c.resolve(env) {
				t.log.Info("relay.reply.orphan", "type", env.Type, "re", env.Re)
			}
		case v1.TypeDeliver:
			t.deliver(env)
		default:
			t.log.Info("relay.read.unsupported", "type", env.Type)
		}
	}
}

// lost runs when a socket's reader exits. While a session is held a new
// socket is dialed in the background so deliveries keep flowing.
func (t *WSTransport) lost(c *wsConn) {
	t.mu.Lock()
	if t.conn == c {
		t.conn = nil
	}
	reconnect := !t.closed && !t.session.IsZero()
	t.mu.Unlock()

	if !reconnect {
		return
	}

	t.log.Info("relay.conn.lost", "err", c.cause())
	go func() {
		if _, err := t.ensureConn(t.ctx); err != nil && !errors.Is(err, ErrClosed) {
			t.log.Warn("relay.reconnect.fail", "err", err)
		}
	}()
}

func (t *WSTransport) deliver(env v1.Envelope) {
	var p v1.DeliverPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.log.Info("relay.deliver.bad_payload", "err", err)
		return
	}

	msg, err := t.codec.Decode(p.Token)
	if err != nil {
		t.log.Info("relay.deliver.undecodable", "kind", p.Kind, "err", err)
		return
	}
	if msg.Kind().String() != p.Kind {
		t.log.Info("relay.deliver.kind_mismatch", "declared", p.Kind, "actual", msg.Kind())
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ch, ok := t.subs[msg.Kind()]
	if !ok {
		t.log.Info("relay.deliver.unsubscribed", "kind", msg.Kind(), "message_id", msg.ID())
		return
	}
	select {
	case ch <- msg:
	default:
		t.log.Warn("relay.deliver.drop", "kind", msg.Kind(), "message_id", msg.ID(), "reason", "inbox full")
	}
}

// ---- request/reply ----

func (t *WSTransport) roundTrip(ctx context.Context, c *wsConn, typ string, payload any) (v1.Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, transportErr(typ, err)
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return v1.Envelope{}, transportErr(typ, err)
	}

	env := v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: body}

	reply := c.register(id)
	defer c.forget(id)

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case c.send <- env:
	case <-c.done:
		return v1.Envelope{}, transportErr(typ, c.cause())
	case <-ctx.Done():
		return v1.Envelope{}, ctxErr(typ, ctx)
	case <-timer.C:
		return v1.Envelope{}, transportErr(typ, errors.New("send queue full"))
	}

	select {
	case r := <-reply:
		if r.Type == v1.TypeError {
			return r, decodeRelayError(r)
		}
		return r, nil
	case <-c.done:
		return v1.Envelope{}, transportErr(typ, c.cause())
	case <-ctx.Done():
		return v1.Envelope{}, ctxErr(typ, ctx)
	case <-timer.C:
		return v1.Envelope{}, transportErr(typ, errors.New("request timed out"))
	}
}

// ctxErr keeps cancellation recognizable (the caller abandoned the
// operation) and turns caller deadlines into transport failures.
func ctxErr(op string, ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.Canceled) {
		return err
	}
	return transportErr(op, err)
}

func decodeRelayError(env v1.Envelope) error {
	var p v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return &Error{StatusCode: v1.StatusInternal, Code: "bad_error_payload", Message: err.Error(), Raw: env.Payload}
	}
	if p.Status == 0 {
		p.Status = v1.StatusInternal
	}
	return &Error{StatusCode: p.Status, Code: p.Code, Message: p.Message, Raw: append([]byte(nil), env.Payload...)}
}
