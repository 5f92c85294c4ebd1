package relayd

import (
	"errors"
	"testing"
	"time"

	"holder/cmd/internal/message"
	"holder/cmd/internal/pairing"
	"holder/cmd/security/token"
)

func mustPeer(t *testing.T, s string) pairing.PeerID {
	t.Helper()
	p, err := pairing.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return p
}

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	h, err := token.NewHasher("", 0, false)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	r := NewRegistry(h, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistry_OpenSubscribeRoute(t *testing.T) {
	r, _ := newTestRegistry(t)
	alice := mustPeer(t, "did:web:alice.example")
	c := NewClient("c1", 0)

	tok, _, err := r.Open(alice, c)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, stored := r.byHash[tok]; stored {
		t.Fatalf("raw token must not be a registry key")
	}

	got, err := r.Peer(c)
	if err != nil || !got.Equal(alice) {
		t.Fatalf("peer=%v err=%v", got, err)
	}

	if _, err := r.Route(alice, message.KindIdentify); !errors.Is(err, ErrNotRoutable) {
		t.Fatalf("unsubscribed route err=%v want ErrNotRoutable", err)
	}
	if err := r.Subscribe(c, message.KindIdentify); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	target, err := r.Route(alice, message.KindIdentify)
	if err != nil || target != c {
		t.Fatalf("route target=%v err=%v", target, err)
	}

	if err := r.Unsubscribe(c, message.KindIdentify); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := r.Route(alice, message.KindIdentify); !errors.Is(err, ErrNotRoutable) {
		t.Fatalf("route after unsubscribe err=%v", err)
	}
}

func TestRegistry_UnboundClient(t *testing.T) {
	r, _ := newTestRegistry(t)
	c := NewClient("c1", 0)

	if _, err := r.Peer(c); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("peer err=%v want ErrUnknownSession", err)
	}
	if err := r.Subscribe(c, message.KindLoginRequest); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("subscribe err=%v want ErrUnknownSession", err)
	}
}

func TestRegistry_DetachAndResume(t *testing.T) {
	r, _ := newTestRegistry(t)
	alice := mustPeer(t, "did:web:alice.example")
	c1 := NewClient("c1", 0)

	tok, _, err := r.Open(alice, c1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Subscribe(c1, message.KindLoginRequest); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	r.Detach(c1)
	if _, err := r.Route(alice, message.KindLoginRequest); !errors.Is(err, ErrNotRoutable) {
		t.Fatalf("detached session must not be routable, err=%v", err)
	}

	c2 := NewClient("c2", 0)
	peer, _, err := r.Resume(tok, c2)
	if err != nil || !peer.Equal(alice) {
		t.Fatalf("resume peer=%v err=%v", peer, err)
	}
	target, err := r.Route(alice, message.KindLoginRequest)
	if err != nil || target != c2 {
		t.Fatalf("route after resume target=%v err=%v", target, err)
	}
	if _, err := r.Peer(c1); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("old socket must be unbound, err=%v", err)
	}
}

func TestRegistry_ResumeTakesOverLiveSocket(t *testing.T) {
	r, _ := newTestRegistry(t)
	alice := mustPeer(t, "did:web:alice.example")
	c1 := NewClient("c1", 0)
	c2 := NewClient("c2", 0)

	tok, _, _ := r.Open(alice, c1)
	if _, _, err := r.Resume(tok, c2); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := r.Subscribe(c1, message.KindIdentify); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("superseded socket subscribe err=%v", err)
	}
	if err := r.Subscribe(c2, message.KindIdentify); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func TestRegistry_NewLoginReplacesSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	alice := mustPeer(t, "did:web:alice.example")

	old, _, _ := r.Open(alice, NewClient("c1", 0))
	if _, _, err := r.Open(alice, NewClient("c2", 0)); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if _, _, err := r.Resume(old, NewClient("c3", 0)); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("replaced token resume err=%v want ErrUnknownSession", err)
	}
	if n := r.Len(); n != 1 {
		t.Fatalf("sessions=%d want 1", n)
	}
}

func TestRegistry_Expiry(t *testing.T) {
	r, now := newTestRegistry(t)
	alice := mustPeer(t, "did:web:alice.example")
	c := NewClient("c1", 0)

	tok, exp, _ := r.Open(alice, c)
	if !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("expires=%v", exp)
	}

	*now = now.Add(time.Minute)
	if _, err := r.Peer(c); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expired peer err=%v", err)
	}
	if _, _, err := r.Resume(tok, c); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("expired resume err=%v", err)
	}
	if n := r.Len(); n != 0 {
		t.Fatalf("sessions=%d want 0", n)
	}
}

func TestRegistry_Close(t *testing.T) {
	r, _ := newTestRegistry(t)
	alice := mustPeer(t, "did:web:alice.example")
	c := NewClient("c1", 0)

	tok, _, _ := r.Open(alice, c)
	peer, err := r.Close(tok)
	if err != nil || !peer.Equal(alice) {
		t.Fatalf("close peer=%v err=%v", peer, err)
	}
	if _, err := r.Close(tok); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("second close err=%v", err)
	}
	if _, err := r.Peer(c); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("peer after close err=%v", err)
	}
}

func TestRegistry_HMACHashing(t *testing.T) {
	h, err := token.NewHasher("0123456789abcdef0123456789abcdef", minTokenHMACKeyBytes, true)
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	r := NewRegistry(h, time.Minute)
	alice := mustPeer(t, "did:web:alice.example")

	tok, _, _ := r.Open(alice, NewClient("c1", 0))
	if _, ok := r.byHash[token.HashHMACSHA256Hex(tok, []byte("0123456789abcdef0123456789abcdef"))]; !ok {
		t.Fatalf("session must be keyed by the HMAC digest")
	}
}
