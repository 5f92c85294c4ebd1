package pairing

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestResolve_ValidDIDsReturnedUnchanged(t *testing.T) {
	t.Parallel()

	cases := []string{
		"did:web:rp.example.com",
		"did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
		"did:ed25519:4c0c3e3a2f7b6d1e9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f",
		"did:web:example.com:user:alice",
		"did:example:abc%20def",
		"did:plc:a.b-c_d",
	}

	for _, in := range cases {
		got, err := Resolve(in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", in, err)
		}
		if got.String() != in {
			t.Fatalf("Resolve(%q)=%q want unchanged", in, got.String())
		}
		if got.IsZero() {
			t.Fatalf("Resolve(%q) returned zero peer", in)
		}
	}
}

func TestResolve_TrimsSurroundingWhitespace(t *testing.T) {
	t.Parallel()

	got, err := Resolve("  did:web:rp.example.com\n")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.String() != "did:web:rp.example.com" {
		t.Fatalf("got=%q", got.String())
	}
}

func TestResolve_PairingLinks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "holder://pair?peer=did:web:rp.example.com", want: "did:web:rp.example.com"},
		{in: "holder://pair?did=did%3Akey%3Az6Mkabc", want: "did:key:z6Mkabc"},
		{in: "holder:?peer=did:web:rp.example.com", want: "did:web:rp.example.com"},
		{in: "https://rp.example.com/pair?peer=did:web:rp.example.com&x=1", want: "did:web:rp.example.com"},
	}

	for _, tc := range cases {
		got, err := Resolve(tc.in)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("Resolve(%q)=%q want=%q", tc.in, got.String(), tc.want)
		}
	}
}

func TestResolve_InvalidPayloads(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
	}{
		{name: "not a did", in: "not-a-did"},
		{name: "empty", in: ""},
		{name: "blank", in: "   "},
		{name: "scheme only", in: "did:"},
		{name: "missing id", in: "did:web:"},
		{name: "missing method", in: "did::abc"},
		{name: "two parts", in: "did:web"},
		{name: "uppercase scheme", in: "DID:web:example.com"},
		{name: "uppercase method", in: "did:Web:example.com"},
		{name: "trailing colon", in: "did:web:example.com:"},
		{name: "space inside", in: "did:web:exa mple.com"},
		{name: "bad pct", in: "did:web:abc%zz"},
		{name: "slash", in: "did:web:example.com/path"},
		{name: "link without peer", in: "holder://pair?x=1"},
		{name: "link with bad peer", in: "holder://pair?peer=not-a-did"},
		{name: "plain url", in: "https://rp.example.com"},
		{name: "too long", in: "did:web:" + strings.Repeat("a", maxPayloadLen)},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Resolve(tc.in)
			if err == nil {
				t.Fatalf("Resolve(%q)=%q expected error", tc.in, got.String())
			}
			if !errors.Is(err, ErrInvalidPairingFormat) {
				t.Fatalf("Resolve(%q) err=%v want ErrInvalidPairingFormat", tc.in, err)
			}
			var fe *FormatError
			if !errors.As(err, &fe) || fe.Reason == "" {
				t.Fatalf("expected FormatError with reason, got %v", err)
			}
			if !got.IsZero() {
				t.Fatalf("expected zero peer on error")
			}
		})
	}
}

func TestPeerID_Accessors(t *testing.T) {
	t.Parallel()

	p, err := Parse("did:web:example.com:user:alice")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Method() != "web" {
		t.Fatalf("Method()=%q", p.Method())
	}
	if p.MethodSpecificID() != "example.com:user:alice" {
		t.Fatalf("MethodSpecificID()=%q", p.MethodSpecificID())
	}

	var zero PeerID
	if !zero.IsZero() || zero.Method() != "" {
		t.Fatalf("zero peer accessors misbehave")
	}

	var q PeerID
	if err := q.UnmarshalText([]byte("did:web:example.com")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !q.Equal(mustParse(t, "did:web:example.com")) {
		t.Fatalf("UnmarshalText mismatch: %q", q.String())
	}
	if err := q.UnmarshalText([]byte("nope")); !errors.Is(err, ErrInvalidPairingFormat) {
		t.Fatalf("UnmarshalText(nope) err=%v", err)
	}
}

func TestPeerID_JSONField(t *testing.T) {
	t.Parallel()

	type doc struct {
		DID PeerID `json:"did"`
	}
	b, err := json.Marshal(doc{DID: mustParse(t, "did:web:example.com")})
	if err != nil || string(b) != `{"did":"did:web:example.com"}` {
		t.Fatalf("marshal=%s err=%v", b, err)
	}

	var got doc
	if err := json.Unmarshal([]byte(`{"did":"did:key:z6Mk"}`), &got); err != nil || got.DID.Method() != "key" {
		t.Fatalf("unmarshal=%+v err=%v", got, err)
	}
	if err := json.Unmarshal([]byte(`{"did":"https://x"}`), &got); !errors.Is(err, ErrInvalidPairingFormat) {
		t.Fatalf("unmarshal invalid err=%v", err)
	}
}

func mustParse(t *testing.T, s string) PeerID {
	t.Helper()
	p, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return p
}
