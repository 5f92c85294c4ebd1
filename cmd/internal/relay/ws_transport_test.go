package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"holder/cmd/identity"
	"holder/cmd/internal/message"
	v1 "holder/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

// scriptedRelay answers every request envelope through reply. Returning a
// zero envelope sends nothing. push lets a test write envelopes unprompted
// to the most recent connection.
type scriptedRelay struct {
	t     *testing.T
	reply func(conn int, env v1.Envelope) v1.Envelope

	mu    sync.Mutex
	seen  []v1.Envelope
	conns int
	cur   *websocket.Conn
}

func (s *scriptedRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	s.mu.Lock()
	s.conns++
	n := s.conns
	s.cur = conn
	s.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.t.Errorf("relay got bad json: %v", err)
			return
		}

		s.mu.Lock()
		s.seen = append(s.seen, env)
		s.mu.Unlock()

		out := s.reply(n, env)
		if out.Type == "" {
			continue
		}
		b, _ := json.Marshal(out)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return
		}
	}
}

func (s *scriptedRelay) push(t *testing.T, env v1.Envelope) {
	t.Helper()
	s.mu.Lock()
	conn := s.cur
	s.mu.Unlock()
	if conn == nil {
		t.Fatalf("push: no connection")
	}
	b, _ := json.Marshal(env)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (s *scriptedRelay) dropCurrent() {
	s.mu.Lock()
	conn := s.cur
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "restart")
	}
}

func (s *scriptedRelay) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.seen))
	for _, e := range s.seen {
		out = append(out, e.Type)
	}
	return out
}

func (s *scriptedRelay) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func ackFor(env v1.Envelope, payload any) v1.Envelope {
	b, _ := json.Marshal(payload)
	return v1.Envelope{V: v1.Version, Type: v1.TypeAck, Re: env.ID, TS: time.Now().UTC(), Payload: b}
}

func errorFor(env v1.Envelope, status int, code string) v1.Envelope {
	b, _ := json.Marshal(v1.ErrorPayload{Status: status, Code: code, Message: code})
	return v1.Envelope{V: v1.Version, Type: v1.TypeError, Re: env.ID, TS: time.Now().UTC(), Payload: b}
}

// happyReply accepts everything and hands out session token "sess-1".
func happyReply(_ int, env v1.Envelope) v1.Envelope {
	switch env.Type {
	case v1.TypeLogin:
		return ackFor(env, v1.LoginAckPayload{SessionToken: "sess-1", Peer: "did:web:holder.example"})
	default:
		return ackFor(env, struct{}{})
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testCodec(t *testing.T) *message.Codec {
	t.Helper()
	s := message.NewPasetoSigner(message.DefaultConfig(), identity.GenerateKeys())
	return message.NewCodec(s, s)
}

func startRelay(t *testing.T, reply func(int, v1.Envelope) v1.Envelope) (*scriptedRelay, *WSTransport, *message.Codec) {
	t.Helper()

	relay := &scriptedRelay{t: t, reply: reply}
	ts := httptest.NewServer(relay)
	t.Cleanup(ts.Close)

	cfg := DefaultConfig()
	cfg.URL = "ws" + strings.TrimPrefix(ts.URL, "http")
	cfg.RequestTimeout = 2 * time.Second
	cfg.ReconnectMaxElapsed = 3 * time.Second

	codec := testCodec(t)
	tr := NewWSTransport(cfg, codec, testLogger())
	t.Cleanup(func() { _ = tr.Close() })
	return relay, tr, codec
}

func signedLogin(t *testing.T, c *message.Codec) message.SignedMessage {
	t.Helper()
	msg, err := c.Sign(message.KindLogin, message.LoginPayload{Nonce: "n"}, c.Self())
	if err != nil {
		t.Fatalf("sign login: %v", err)
	}
	return msg
}

func TestWSTransport_LoginReturnsSessionToken(t *testing.T) {
	_, tr, codec := startRelay(t, happyReply)

	tok, err := tr.Login(context.Background(), signedLogin(t, codec))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if tok != "sess-1" {
		t.Fatalf("token=%q want sess-1", tok)
	}
}

func TestWSTransport_RelayErrorsCarryStatus(t *testing.T) {
	_, tr, codec := startRelay(t, func(n int, env v1.Envelope) v1.Envelope {
		if env.Type == v1.TypeSend {
			return errorFor(env, v1.StatusNotFound, "recipient_offline")
		}
		return happyReply(n, env)
	})

	ctx := context.Background()
	if _, err := tr.Login(ctx, signedLogin(t, codec)); err != nil {
		t.Fatalf("Login: %v", err)
	}

	err := tr.Send(ctx, signedLogin(t, codec))
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	if re.StatusCode != v1.StatusNotFound || re.Code != "recipient_offline" {
		t.Fatalf("unexpected relay error: %+v", re)
	}
	if st, ok := StatusOf(err); !ok || st != 404 {
		t.Fatalf("StatusOf=%d,%v", st, ok)
	}
}

func TestWSTransport_LoginRejected(t *testing.T) {
	_, tr, codec := startRelay(t, func(_ int, env v1.Envelope) v1.Envelope {
		return errorFor(env, v1.StatusUnauthorized, "bad_signature")
	})

	_, err := tr.Login(context.Background(), signedLogin(t, codec))
	if st, ok := StatusOf(err); !ok || st != v1.StatusUnauthorized {
		t.Fatalf("expected 401 relay error, got %v", err)
	}
}

func TestWSTransport_SubscribeRequiresSession(t *testing.T) {
	_, tr, _ := startRelay(t, happyReply)

	if _, err := tr.Subscribe(context.Background(), message.KindLoginRequest); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v want ErrNoSession", err)
	}
}

func TestWSTransport_DeliversSubscribedKinds(t *testing.T) {
	relay, tr, codec := startRelay(t, happyReply)
	ctx := context.Background()

	if _, err := tr.Login(ctx, signedLogin(t, codec)); err != nil {
		t.Fatalf("Login: %v", err)
	}
	inbox, err := tr.Subscribe(ctx, message.KindLoginRequest)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	rp := testCodec(t)
	req, err := rp.Sign(message.KindLoginRequest, message.LoginRequestPayload{
		RequestID: "r1",
		Requests:  []message.Request{{Type: "email"}},
	}, codec.Self())
	if err != nil {
		t.Fatalf("rp sign: %v", err)
	}

	// An unsubscribed kind is dropped, the subscribed one arrives.
	ident, _ := rp.Sign(message.KindIdentify, message.IdentifyPayload{Holder: rp.Self().String(), Nonce: "x"}, codec.Self())
	relay.push(t, deliverEnv(message.KindIdentify, ident.Token()))
	relay.push(t, deliverEnv(message.KindLoginRequest, req.Token()))

	select {
	case got := <-inbox:
		if got.ID() != req.ID() || got.Kind() != message.KindLoginRequest {
			t.Fatalf("unexpected delivery: kind=%s id=%s", got.Kind(), got.ID())
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for delivery")
	}
}

func TestWSTransport_LogoutClosesSubscriptions(t *testing.T) {
	relay, tr, codec := startRelay(t, happyReply)
	ctx := context.Background()

	tok, err := tr.Login(ctx, signedLogin(t, codec))
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	inbox, err := tr.Subscribe(ctx, message.KindLoginRequest)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := tr.Logout(ctx, tok); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	select {
	case _, ok := <-inbox:
		if ok {
			t.Fatalf("expected closed subscription")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed by logout")
	}

	types := relay.types()
	if types[len(types)-1] != v1.TypeLogout {
		t.Fatalf("relay did not see logout: %v", types)
	}

	// Logging out again has nothing to tell the relay.
	if err := tr.Logout(ctx, ""); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestWSTransport_ReconnectResumesAndResubscribes(t *testing.T) {
	var resumed atomic.Bool
	relay, tr, codec := startRelay(t, func(n int, env v1.Envelope) v1.Envelope {
		if env.Type == v1.TypeResume {
			var p v1.ResumePayload
			_ = json.Unmarshal(env.Payload, &p)
			if p.SessionToken == "sess-1" && n == 2 {
				resumed.Store(true)
			}
		}
		return happyReply(n, env)
	})
	ctx := context.Background()

	if _, err := tr.Login(ctx, signedLogin(t, codec)); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := tr.Subscribe(ctx, message.KindLoginRequest); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	relay.dropCurrent()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if relay.connections() >= 2 && resumed.Load() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !resumed.Load() {
		t.Fatalf("session not resumed after reconnect; relay saw %v", relay.types())
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		types := relay.types()
		if types[len(types)-1] == v1.TypeSubscribe {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("subscription not re-issued: %v", relay.types())
}

func TestWSTransport_CanceledRequestReturnsContextError(t *testing.T) {
	_, tr, codec := startRelay(t, func(n int, env v1.Envelope) v1.Envelope {
		if env.Type == v1.TypeSend {
			return v1.Envelope{} // never answer
		}
		return happyReply(n, env)
	})

	if _, err := tr.Login(context.Background(), signedLogin(t, codec)); err != nil {
		t.Fatalf("Login: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	err := tr.Send(ctx, signedLogin(t, codec))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

func TestWSTransport_TimeoutIsTransportError(t *testing.T) {
	_, tr, codec := startRelay(t, func(n int, env v1.Envelope) v1.Envelope {
		if env.Type == v1.TypeSend {
			return v1.Envelope{}
		}
		return happyReply(n, env)
	})
	tr.cfg.RequestTimeout = 150 * time.Millisecond

	if _, err := tr.Login(context.Background(), signedLogin(t, codec)); err != nil {
		t.Fatalf("Login: %v", err)
	}

	err := tr.Send(context.Background(), signedLogin(t, codec))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err=%v want ErrTransport", err)
	}
	if _, ok := StatusOf(err); ok {
		t.Fatalf("timeout must not carry a relay status")
	}
}

func TestWSTransport_ClosedTransport(t *testing.T) {
	_, tr, codec := startRelay(t, happyReply)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := tr.Send(context.Background(), signedLogin(t, codec)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}

func TestWSTransport_DialFailureIsTransportError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "ws://127.0.0.1:1/relay"
	cfg.DialTimeout = 100 * time.Millisecond
	cfg.ReconnectMaxElapsed = 300 * time.Millisecond

	codec := testCodec(t)
	tr := NewWSTransport(cfg, codec, testLogger())
	defer func() { _ = tr.Close() }()

	_, err := tr.Login(context.Background(), signedLogin(t, codec))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err=%v want ErrTransport", err)
	}
}

func deliverEnv(kind message.Kind, token string) v1.Envelope {
	b, _ := json.Marshal(v1.DeliverPayload{Kind: kind.String(), Token: token})
	return v1.Envelope{V: v1.Version, Type: v1.TypeDeliver, TS: time.Now().UTC(), Payload: b}
}
