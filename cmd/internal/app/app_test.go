package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"holder/cmd/identity"
	"holder/cmd/internal/flags"
	"holder/cmd/internal/message"
	"holder/cmd/internal/orchestrator"
	"holder/cmd/internal/pairing"
	"holder/cmd/internal/relay"
	"holder/cmd/internal/relayd"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8081", want: "http://127.0.0.1:8081"},
		{name: "bind all v4", in: "0.0.0.0:8081", want: "http://127.0.0.1:8081"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := runtimeBaseURL(tc.in); got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("HOLDER_LOG_FORMAT", "pretty")
	t.Setenv("HOLDER_RELAY_URL", "wss://relay.example/relay")
	t.Setenv("HOLDER_RELAY_REQUEST_TIMEOUT", "3s")
	t.Setenv("HOLDER_FLAGS_PATH", ":memory:")
	t.Setenv("HOLDER_DID", "did:web:holder.example")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != "pretty" || cfg.FlagsPath != ":memory:" || cfg.DID.String() != "did:web:holder.example" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Relay.URL != "wss://relay.example/relay" || cfg.Relay.RequestTimeout != 3*time.Second {
		t.Fatalf("relay cfg=%+v", cfg.Relay)
	}
	if cfg.Relay.HeartbeatInterval != 25*time.Second || cfg.MessageTTL != 5*time.Minute {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"log format", map[string]string{"HOLDER_LOG_FORMAT": "xml"}},
		{"relay scheme", map[string]string{"HOLDER_RELAY_URL": "http://relay.example"}},
		{"require keys", map[string]string{"HOLDER_REQUIRE_KEYS": "true"}},
		{"duration", map[string]string{"HOLDER_MESSAGE_TTL": "soon"}},
		{"did", map[string]string{"HOLDER_DID": "alice"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); !errors.Is(err, ErrConfig) {
				t.Fatalf("err=%v want ErrConfig", err)
			}
		})
	}
}

func TestLoadKeys(t *testing.T) {
	k, ephemeral, err := LoadKeys(Config{})
	if err != nil || !ephemeral || !k.Provisioned() {
		t.Fatalf("ephemeral keys: provisioned=%v ephemeral=%v err=%v", k.Provisioned(), ephemeral, err)
	}

	if _, _, err := LoadKeys(Config{RequireKeys: true}); !errors.Is(err, ErrConfig) {
		t.Fatalf("require keys err=%v", err)
	}

	src := identity.GenerateKeys()
	k, ephemeral, err = LoadKeys(Config{SecretKeyHex: src.SecretKeyHex()})
	if err != nil || ephemeral || !k.DID().Equal(src.DID()) {
		t.Fatalf("hex keys did=%v ephemeral=%v err=%v", k.DID(), ephemeral, err)
	}

	override, err := pairing.Parse("did:web:holder.example")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	k, _, err = LoadKeys(Config{SecretKeyHex: src.SecretKeyHex(), DID: override})
	if err != nil || !k.DID().Equal(override) {
		t.Fatalf("override did=%v err=%v", k.DID(), err)
	}

	_, _, err = LoadKeys(Config{SecretKeyHex: "zz"})
	if !errors.Is(err, ErrConfig) || strings.Contains(err.Error(), "zz") {
		t.Fatalf("malformed key err=%v", err)
	}
}

// ---- shell ----

type fakeController struct {
	state    orchestrator.State
	scanErr  error
	actErr   error
	scans    []string
	activate int
	logouts  int
}

func (f *fakeController) Activate(context.Context) error {
	f.activate++
	return f.actErr
}

func (f *fakeController) OnScan(_ context.Context, raw string) error {
	f.scans = append(f.scans, raw)
	return f.scanErr
}

func (f *fakeController) Logout(context.Context) error {
	f.logouts++
	f.state = orchestrator.StateLoggedOut
	return nil
}

func (f *fakeController) State() orchestrator.State { return f.state }

func TestShell_Commands(t *testing.T) {
	ctl := &fakeController{state: orchestrator.StateLoggedIn}
	in := strings.NewReader("  did:web:rp.example  \n\n:state\n:activate\n:logout\n:state\n:bogus\n:quit\nignored\n")
	var out bytes.Buffer

	if err := NewShell(ctl, in, &out).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(ctl.scans) != 1 || ctl.scans[0] != "did:web:rp.example" {
		t.Fatalf("scans=%q", ctl.scans)
	}
	if ctl.activate != 1 || ctl.logouts != 1 {
		t.Fatalf("activate=%d logouts=%d", ctl.activate, ctl.logouts)
	}
	want := "identified\nstate: logged_in\nactivated\nlogged out\nstate: logged_out\nunknown command \":bogus\" (try :help)\n"
	if out.String() != want {
		t.Fatalf("output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestShell_ScanErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&pairing.FormatError{Reason: "not a DID"}, "not a pairing code"},
		{&orchestrator.RetryError{Err: errors.New("404")}, "peer is not reachable"},
		{orchestrator.ErrNotLoggedIn, "not logged in"},
		{orchestrator.ErrBusy, "busy"},
		{errors.New("boom"), "scan failed: boom"},
	}
	for _, tc := range cases {
		ctl := &fakeController{scanErr: tc.err}
		var out bytes.Buffer
		if err := NewShell(ctl, strings.NewReader("x\n"), &out).Run(context.Background()); err != nil {
			t.Fatalf("run: %v", err)
		}
		if !strings.HasPrefix(out.String(), tc.want) {
			t.Fatalf("err=%v output=%q want prefix %q", tc.err, out.String(), tc.want)
		}
	}
}

func TestShell_StopsOnContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewShell(&fakeController{}, pr, io.Discard).Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("shell did not stop on cancel")
	}
}

// ---- collaborators ----

func TestConsoleConsent_PrintsRequest(t *testing.T) {
	var out bytes.Buffer
	c := &consoleConsent{log: testLogger(), out: &out}
	from, _ := pairing.Parse("did:web:rp.example")

	err := c.HandleLoginRequest(context.Background(), from, message.LoginRequestPayload{
		RequestID: "req-1",
		Origin:    "https://rp.example",
		Requests: []message.Request{
			{Type: "credential", Purpose: "age check", Claims: []string{"birthdate"}},
			{Type: "login"},
		},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := "login request req-1 from did:web:rp.example (https://rp.example)\n  - credential: age check [birthdate]\n  - login\n"
	if out.String() != want {
		t.Fatalf("output=%q want %q", out.String(), want)
	}
}

func TestLogReporter_Levels(t *testing.T) {
	var buf bytes.Buffer
	r := logReporter{log: slog.New(slog.NewJSONHandler(&buf, nil))}

	r.Report(errors.New("peer gone"), true)
	r.Report(errors.New("relay down"), false)
	r.Report(nil, false)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %q", buf.String())
	}
	if !strings.Contains(lines[0], `"level":"WARN"`) || !strings.Contains(lines[1], `"level":"ERROR"`) {
		t.Fatalf("records=%q", lines)
	}
}

// ---- wiring against a live relay ----

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startRelay(t *testing.T) string {
	t.Helper()
	cfg := relayd.DefaultConfig()
	cfg.OriginRequired = false
	srv, err := relayd.NewServer(cfg, testLogger())
	if err != nil {
		t.Fatalf("relayd: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Path
}

func testConfig(relayURL string) Config {
	rcfg := relay.DefaultConfig()
	rcfg.URL = relayURL
	rcfg.Origin = ""
	rcfg.RequestTimeout = 2 * time.Second
	rcfg.ReconnectMaxElapsed = 2 * time.Second
	return Config{
		LogLevel:        "info",
		FlagsPath:       ":memory:",
		Device:          "test",
		MessageTTL:      time.Minute,
		ClockSkew:       30 * time.Second,
		ActivateTimeout: 5 * time.Second,
		Relay:           rcfg,
	}
}

// verifierPeer is a relying party logged in to the relay and listening for IDENTIFY.
func verifierPeer(t *testing.T, url string) (pairing.PeerID, <-chan message.SignedMessage) {
	t.Helper()
	s := message.NewPasetoSigner(message.DefaultConfig(), identity.GenerateKeys())
	codec := message.NewCodec(s, s)

	cfg := relay.DefaultConfig()
	cfg.URL = url
	cfg.Origin = ""
	tr := relay.NewWSTransport(cfg, codec, testLogger())
	t.Cleanup(func() { _ = tr.Close() })

	ctx := context.Background()
	login, err := codec.Sign(message.KindLogin, message.LoginPayload{Nonce: "v"}, codec.Self())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := tr.Login(ctx, login); err != nil {
		t.Fatalf("verifier login: %v", err)
	}
	inbox, err := tr.Subscribe(ctx, message.KindIdentify)
	if err != nil {
		t.Fatalf("verifier subscribe: %v", err)
	}
	return codec.Self(), inbox
}

func TestApp_RunAgainstRelay(t *testing.T) {
	url := startRelay(t)
	verifier, inbox := verifierPeer(t, url)
	stranger := identity.GenerateKeys().DID()

	script := strings.Join([]string{
		verifier.String(),
		stranger.String(),
		":state",
		":logout",
		":state",
		":quit",
	}, "\n") + "\n"

	var out bytes.Buffer
	a, err := New(context.Background(), testConfig(url), testLogger(), WithIO(strings.NewReader(script), &out))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"logged in as " + a.codec.Self().String(),
		"identified\n",
		"peer is not reachable right now; scan again\n",
		"state: retry_prompted\n",
		"logged out\n",
		"state: logged_out\n",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}

	select {
	case msg := <-inbox:
		if msg.Kind() != message.KindIdentify || !msg.Sender().Equal(a.codec.Self()) {
			t.Fatalf("verifier got %s from %s", msg.Kind(), msg.Sender())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("verifier did not receive IDENTIFY")
	}

	onboarded, err := a.flags.Get(context.Background(), flags.KeyOnboarded)
	if err != nil || !onboarded {
		t.Fatalf("onboarded=%v err=%v", onboarded, err)
	}
}

func TestApp_HTTPEndpoints(t *testing.T) {
	a, err := New(context.Background(), testConfig(startRelay(t)), testLogger(), WithIO(strings.NewReader(""), io.Discard))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(a.close)

	mux := http.NewServeMux()
	a.registerHTTP(mux)
	ts := httptest.NewServer(WithSecurityHeaders(mux))
	t.Cleanup(ts.Close)

	get := func(path string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp, string(b)
	}

	if resp, _ := get("/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz=%d", resp.StatusCode)
	}
	if resp, body := get("/readyz"); resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(body, "idle") {
		t.Fatalf("readyz before activation=%d %q", resp.StatusCode, body)
	}

	resp, body := get("/state")
	var st struct {
		State string         `json:"state"`
		DID   pairing.PeerID `json:"did"`
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil || resp.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("state body=%q err=%v", body, err)
	}
	if st.State != "idle" || !st.DID.Equal(a.codec.Self()) {
		t.Fatalf("state=%+v", st)
	}

	if _, body := get("/metrics"); !strings.Contains(body, "holder_orchestrator_state") {
		t.Fatalf("metrics missing orchestrator gauge")
	}
}
