// Command relay-smoke is a CI-friendly smoke test for the holder relay.
//
// It drives a running relayd as two peers (a holder and a relying party)
// and validates:
//   - handshake + subprotocol selection
//   - signed login -> session token
//   - subscribe per message kind
//   - IDENTIFY routed holder -> relying party
//   - LOGIN_REQUEST routed relying party -> holder
//   - 404 for a peer that never logged in
//   - logout, then 401 on the ended session
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"holder/cmd/identity"
	"holder/cmd/internal/message"
	"holder/cmd/internal/pairing"
	v1 "holder/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name    string
	conn    *websocket.Conn
	codec   *message.Codec
	session string
	seq     int

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8090/relay", "relay WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	holder := mustConnect(root, "holder", *wsURL, *origin, *timeout)
	defer closeWS(holder.conn)

	rp := mustConnect(root, "rp", *wsURL, *origin, *timeout)
	defer closeWS(rp.conn)

	mustLogin(root, holder, *timeout)
	mustLogin(root, rp, *timeout)
	if *verbose {
		fmt.Printf("logged in: holder=%s rp=%s\n", holder.self(), rp.self())
	}

	mustRequest(root, holder, v1.TypeSubscribe, v1.SubscribePayload{Kind: string(message.KindLoginRequest)}, *timeout)
	mustRequest(root, rp, v1.TypeSubscribe, v1.SubscribePayload{Kind: string(message.KindIdentify)}, *timeout)

	identify := holder.mustSign(message.KindIdentify, message.IdentifyPayload{
		Holder: holder.self().String(),
		Device: "relay-smoke",
		Nonce:  nonce(),
	}, rp.self())
	mustRequest(root, holder, v1.TypeSend, v1.SendPayload{Token: identify.Token()}, *timeout)
	mustDelivered(root, rp, message.KindIdentify, holder.self(), *timeout)

	loginReq := rp.mustSign(message.KindLoginRequest, message.LoginRequestPayload{
		RequestID: "smoke-" + nonce(),
		Origin:    *origin,
		Requests:  []message.Request{{Type: "login", Purpose: "smoke"}},
	}, holder.self())
	mustRequest(root, rp, v1.TypeSend, v1.SendPayload{Token: loginReq.Token()}, *timeout)
	mustDelivered(root, holder, message.KindLoginRequest, rp.self(), *timeout)

	stranger := identity.GenerateKeys().DID()
	lost := holder.mustSign(message.KindIdentify, message.IdentifyPayload{
		Holder: holder.self().String(),
		Nonce:  nonce(),
	}, stranger)
	mustRequestStatus(root, holder, v1.TypeSend, v1.SendPayload{Token: lost.Token()}, v1.StatusNotFound, *timeout)

	mustRequest(root, holder, v1.TypeLogout, v1.LogoutPayload{SessionToken: holder.session}, *timeout)
	again := holder.mustSign(message.KindIdentify, message.IdentifyPayload{
		Holder: holder.self().String(),
		Nonce:  nonce(),
	}, rp.self())
	mustRequestStatus(root, holder, v1.TypeSend, v1.SendPayload{Token: again.Token()}, v1.StatusUnauthorized, *timeout)

	fmt.Printf("OK: holder=%s rp=%s\n", holder.self(), rp.self())
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	signer := message.NewPasetoSigner(message.DefaultConfig(), identity.GenerateKeys())
	c := &smokeClient{
		name:  name,
		conn:  conn,
		codec: message.NewCodec(signer, signer),
		inbox: make(chan v1.Envelope, 64),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) self() pairing.PeerID { return c.codec.Self() }

func (c *smokeClient) mustSign(kind message.Kind, p message.Payload, to pairing.PeerID) message.SignedMessage {
	msg, err := c.codec.Sign(kind, p, to)
	if err != nil {
		fatalf("sign %s (%s): %v", kind, c.name, err)
	}
	return msg
}

func (c *smokeClient) nextID(typ string) string {
	c.seq++
	return fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq)
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustLogin(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	login := c.mustSign(message.KindLogin, message.LoginPayload{Device: "relay-smoke", Nonce: nonce()}, c.self())
	ack := mustRequest(parent, c, v1.TypeLogin, v1.LoginPayload{Token: login.Token()}, stepTimeout)

	var p v1.LoginAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal login ack payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.SessionToken) == "" {
		fatalf("login ack missing session_token (%s)", c.name)
	}
	if p.Peer != c.self().String() {
		fatalf("login ack peer mismatch (%s): got=%q want=%q", c.name, p.Peer, c.self())
	}
	c.session = p.SessionToken
}

// mustRequest writes one request and returns its ack.
func mustRequest(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) v1.Envelope {
	id := c.write(parent, typ, payload, stepTimeout)
	env := c.mustReadReply(parent, id, stepTimeout)
	if env.Type == v1.TypeError {
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		fatalf("%s rejected (%s): status=%d code=%q msg=%q", typ, c.name, ep.Status, ep.Code, ep.Message)
	}
	return env
}

// mustRequestStatus writes one request and asserts it fails with status.
func mustRequestStatus(parent context.Context, c *smokeClient, typ string, payload any, status int, stepTimeout time.Duration) {
	id := c.write(parent, typ, payload, stepTimeout)
	env := c.mustReadReply(parent, id, stepTimeout)
	if env.Type != v1.TypeError {
		fatalf("%s (%s): expected status %d, got %q", typ, c.name, status, env.Type)
	}
	var ep v1.ErrorPayload
	if err := json.Unmarshal(env.Payload, &ep); err != nil {
		fatalf("unmarshal error payload (%s): %v", c.name, err)
	}
	if ep.Status != status {
		fatalf("%s (%s): status mismatch: got=%d want=%d (code=%q)", typ, c.name, ep.Status, status, ep.Code)
	}
}

func mustDelivered(parent context.Context, c *smokeClient, kind message.Kind, from pairing.PeerID, stepTimeout time.Duration) {
	env := c.mustReadUntil(parent, stepTimeout, func(e v1.Envelope) bool { return e.Type == v1.TypeDeliver })

	var p v1.DeliverPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal deliver payload (%s): %v", c.name, err)
	}
	if p.Kind != string(kind) {
		fatalf("deliver kind mismatch (%s): got=%q want=%q", c.name, p.Kind, kind)
	}

	msg, err := c.codec.Decode(p.Token)
	if err != nil {
		fatalf("deliver token rejected (%s): %v", c.name, err)
	}
	if !msg.Sender().Equal(from) {
		fatalf("deliver sender mismatch (%s): got=%s want=%s", c.name, msg.Sender(), from)
	}
	if !msg.Recipient().Equal(c.self()) {
		fatalf("deliver recipient mismatch (%s): got=%s want=%s", c.name, msg.Recipient(), c.self())
	}
}

func (c *smokeClient) write(parent context.Context, typ string, payload any, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      c.nextID(typ),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
	return env.ID
}

func (c *smokeClient) mustReadReply(parent context.Context, id string, stepTimeout time.Duration) v1.Envelope {
	return c.mustReadUntil(parent, stepTimeout, func(e v1.Envelope) bool {
		return (e.Type == v1.TypeAck || e.Type == v1.TypeError) && e.Re == id
	})
}

// mustReadUntil returns the first envelope matching want. Deliveries that do
// not match are unexpected; stray replies are skipped.
func (c *smokeClient) mustReadUntil(parent context.Context, stepTimeout time.Duration, want func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for reply (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting (%s)", c.name)
			}
			fatalf("connection error while waiting (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting (%s)", c.name)
			}
			if want(env) {
				return env
			}
			if env.Type == v1.TypeDeliver {
				fatalf("unexpected delivery (%s)", c.name)
			}
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func nonce() string { return fmt.Sprintf("%d", time.Now().UnixNano()) }

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
