package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"holder/cmd/identity/ids"
	"holder/cmd/internal/message"
	"holder/cmd/internal/pairing"
	"holder/cmd/internal/recovery"
)

const (
	defaultTaskQueue = 64
	// maxSeenPerSession bounds the inbound dedupe window.
	maxSeenPerSession = 4096
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithReporter sets the sink for reported errors.
func WithReporter(r Reporter) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reporter = r
		}
	}
}

// WithConsent sets the handler that receives authenticated login requests.
func WithConsent(c ConsentHandler) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.consent = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMetrics sets the Prometheus collectors; nil disables them.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDevice sets the device label carried in LOGIN and IDENTIFY payloads.
func WithDevice(name string) Option {
	return func(o *Orchestrator) { o.device = name }
}

// Orchestrator serializes the session lifecycle on one task loop.
type Orchestrator struct {
	sess     Session
	codec    *message.Codec
	reporter Reporter
	consent  ConsentHandler
	log      *slog.Logger
	metrics  *Metrics
	device   string

	tasks   chan func()
	running sync.Once
	started chan struct{}
	stopped chan struct{}
	runCtx  context.Context

	// Loop-owned.
	state       State
	epoch       uint64
	waiters     []chan error
	seen        map[string]struct{}
	seenOrder   []string
	lastLogout  chan struct{}
	subscribing bool

	// Published copy of state for State()/Watch().
	pubMu    sync.RWMutex
	pub      State
	watchers []chan State
}

// New builds an Orchestrator. Run must be started before any other method
// is called.
func New(sess Session, codec *message.Codec, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sess:     sess,
		codec:    codec,
		reporter: nopReporter{},
		consent:  nopConsent{},
		log:      slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
		tasks:    make(chan func(), defaultTaskQueue),
		started:  make(chan struct{}),
		stopped:  make(chan struct{}),
		state:    StateIdle,
		pub:      StateIdle,
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.metrics.setState(StateIdle)
	return o
}

// Run executes queued tasks until ctx is done. Off-loop I/O started by the
// orchestrator uses ctx as its parent.
func (o *Orchestrator) Run(ctx context.Context) error {
	first := false
	o.running.Do(func() { first = true })
	if !first {
		return ErrAlreadyRunning
	}

	o.runCtx = ctx
	close(o.started)

	defer func() {
		close(o.stopped)
		o.pubMu.Lock()
		for _, w := range o.watchers {
			close(w)
		}
		o.watchers = nil
		o.pubMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			o.failWaiters(ErrStopped)
			return nil
		case fn := <-o.tasks:
			fn()
		}
	}
}

// State returns the current state. Safe from any goroutine.
func (o *Orchestrator) State() State {
	o.pubMu.RLock()
	defer o.pubMu.RUnlock()
	return o.pub
}

// Watch returns a channel that receives the latest state after every change.
// Only the most recent state is kept for a slow reader. The channel is closed
// when Run returns.
func (o *Orchestrator) Watch() <-chan State {
	ch := make(chan State, 1)

	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	select {
	case <-o.stopped:
		close(ch)
		return ch
	default:
	}
	ch <- o.pub
	o.watchers = append(o.watchers, ch)
	return ch
}

// Activate logs in and subscribes to login requests. It is the foreground
// entry point: calling it while a login is pending attaches to that attempt,
// and calling it inside a session only restores a missing subscription.
// There is no retry loop; a failed activation is reported and returned.
func (o *Orchestrator) Activate(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := o.post(ctx, func() { o.activate(reply) }); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// OnScan resolves a scanned pairing payload and sends IDENTIFY to the peer.
//
// An invalid payload returns an error wrapping pairing.ErrInvalidPairingFormat
// and changes nothing. An unreachable peer returns a *RetryError
// (errors.Is ErrRetryRequired) and leaves the orchestrator in RetryPrompted.
func (o *Orchestrator) OnScan(ctx context.Context, raw string) error {
	reply := make(chan error, 1)
	if err := o.post(ctx, func() { o.scan(ctx, raw, reply) }); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// Logout ends the session. The state is LoggedOut once Logout returns; the
// relay logout completes in the background.
func (o *Orchestrator) Logout(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := o.post(ctx, func() {
		o.endSession(StateLoggedOut)
		reply <- nil
	}); err != nil {
		return err
	}
	return o.await(ctx, reply)
}

// ---- loop plumbing ----

func (o *Orchestrator) post(ctx context.Context, fn func()) error {
	select {
	case <-o.started:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case o.tasks <- fn:
		return nil
	case <-o.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue posts a continuation from an off-loop goroutine. Continuations
// arriving after Run returned are dropped.
func (o *Orchestrator) enqueue(fn func()) {
	select {
	case o.tasks <- fn:
	case <-o.stopped:
	}
}

func (o *Orchestrator) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-o.stopped:
		// The loop may have answered just before stopping.
		select {
		case err := <-reply:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		// The operation keeps running; its completion lands in the buffered reply.
		return ctx.Err()
	}
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.log.Debug("orchestrator.state", "from", o.state.String(), "to", s.String())
	o.state = s
	o.metrics.setState(s)

	o.pubMu.Lock()
	o.pub = s
	for _, w := range o.watchers {
		// Latest wins: replace an unread value.
		select {
		case <-w:
		default:
		}
		w <- s
	}
	o.pubMu.Unlock()
}

func (o *Orchestrator) failWaiters(err error) {
	for _, w := range o.waiters {
		w <- err
	}
	o.waiters = nil
}

// ---- activation ----

func (o *Orchestrator) activate(reply chan error) {
	switch {
	case o.state == StateLoggingIn:
		o.waiters = append(o.waiters, reply)
		return

	case o.state.inSession():
		if o.subscribing || o.sess.Subscribed(message.KindLoginRequest) {
			reply <- nil
			return
		}
		o.waiters = append(o.waiters, reply)
		o.subscribe()
		return
	}

	msg, err := o.codec.Sign(message.KindLogin, message.LoginPayload{
		Device: o.device,
		Nonce:  ids.MustULID(time.Now().UTC()),
	}, o.codec.Self())
	if err != nil {
		o.log.Error("orchestrator.login.sign_fail", "err", err)
		o.reporter.Report(err, false)
		reply <- err
		return
	}

	o.waiters = append(o.waiters, reply)
	o.setState(StateLoggingIn)

	epoch := o.epoch
	prevLogout := o.lastLogout
	go func() {
		// A preceding logout must reach the channel before we log in again.
		if prevLogout != nil {
			<-prevLogout
		}
		err := o.sess.Login(o.runCtx, msg)
		o.enqueue(func() { o.loginDone(epoch, err) })
	}()
}

func (o *Orchestrator) loginDone(epoch uint64, err error) {
	if epoch != o.epoch {
		o.log.Info("orchestrator.login.discarded")
		return
	}

	if err == nil {
		o.metrics.login("ok")
		o.log.Info("orchestrator.login.ok")
		o.resetSeen()
		o.setState(StateLoggedIn)
		o.subscribe()
		return
	}

	o.metrics.login("fail")
	action := recovery.Classify(recovery.OpLogin, message.KindLogin, err)
	o.metrics.recovery(recovery.OpLogin, action)
	o.log.Info("orchestrator.login.fail", "action", action.String(), "err", err)

	switch action {
	case recovery.ForceLogout:
		o.failWaiters(err)
		o.endSession(StateLoggedOut)
	case recovery.Ignore:
		o.setState(StateIdle)
		o.failWaiters(err)
	default:
		o.reporter.Report(err, true)
		o.setState(StateIdle)
		o.failWaiters(err)
	}
}

func (o *Orchestrator) subscribe() {
	o.subscribing = true
	epoch := o.epoch
	handler := func(msg message.SignedMessage) {
		o.enqueue(func() { o.handleInbound(epoch, msg) })
	}
	go func() {
		err := o.sess.Subscribe(o.runCtx, message.KindLoginRequest, handler)
		o.enqueue(func() { o.subscribeDone(epoch, err) })
	}()
}

func (o *Orchestrator) subscribeDone(epoch uint64, err error) {
	if epoch != o.epoch {
		return
	}
	o.subscribing = false

	if err == nil {
		o.log.Info("orchestrator.subscribe.ok", "kind", message.KindLoginRequest.String())
		o.failWaiters(nil)
		return
	}

	action := recovery.Classify(recovery.OpSubscribe, message.KindLoginRequest, err)
	o.metrics.recovery(recovery.OpSubscribe, action)
	o.log.Info("orchestrator.subscribe.fail", "action", action.String(), "err", err)

	switch action {
	case recovery.ForceLogout:
		o.failWaiters(err)
		o.endSession(StateLoggedOut)
	case recovery.Ignore:
		o.failWaiters(err)
	default:
		o.reporter.Report(err, true)
		o.failWaiters(err)
	}
}

// ---- inbound ----

func (o *Orchestrator) handleInbound(epoch uint64, msg message.SignedMessage) {
	kind := msg.Kind().String()

	if epoch != o.epoch || !o.state.inSession() {
		o.metrics.inboundMessage(kind, "stale")
		return
	}
	if _, dup := o.seen[msg.ID()]; dup {
		o.metrics.inboundMessage(kind, "duplicate")
		o.log.Info("orchestrator.inbound.duplicate", "message_id", msg.ID())
		return
	}
	o.remember(msg.ID())

	var req message.LoginRequestPayload
	if err := o.codec.ExtractPayload(msg, message.KindLoginRequest, &req); err != nil {
		o.metrics.inboundMessage(kind, "rejected")
		o.log.Info("orchestrator.inbound.rejected", "message_id", msg.ID(), "sender", msg.Sender().String(), "err", err)
		o.reporter.Report(err, true)
		return
	}

	o.metrics.inboundMessage(kind, "accepted")
	o.log.Info("orchestrator.inbound.accepted", "message_id", msg.ID(), "sender", msg.Sender().String(), "request_id", req.RequestID)

	from := msg.Sender()
	go func() {
		if err := o.consent.HandleLoginRequest(o.runCtx, from, req); err != nil && !errors.Is(err, context.Canceled) {
			o.reporter.Report(err, false)
		}
	}()
}

func (o *Orchestrator) remember(id string) {
	o.seen[id] = struct{}{}
	o.seenOrder = append(o.seenOrder, id)
	if len(o.seenOrder) > maxSeenPerSession {
		oldest := o.seenOrder[0]
		o.seenOrder = o.seenOrder[1:]
		delete(o.seen, oldest)
	}
}

func (o *Orchestrator) resetSeen() {
	o.seen = make(map[string]struct{})
	o.seenOrder = nil
}

// ---- scanning ----

func (o *Orchestrator) scan(ctx context.Context, raw string, reply chan error) {
	switch o.state {
	case StateLoggedIn, StateRetryPrompted:
	case StateLoggingIn, StateScanning, StateSendingIdentify:
		reply <- ErrBusy
		return
	default:
		reply <- ErrNotLoggedIn
		return
	}

	// An unreadable payload leaves the state untouched.
	peer, err := pairing.Resolve(raw)
	if err != nil {
		o.log.Info("orchestrator.scan.invalid", "err", err)
		o.reporter.Report(err, true)
		reply <- err
		return
	}

	prev := o.state
	o.setState(StateScanning)

	self := o.codec.Self()
	msg, err := o.codec.Sign(message.KindIdentify, message.IdentifyPayload{
		Holder: self.String(),
		Device: o.device,
		Nonce:  ids.MustULID(time.Now().UTC()),
	}, peer)
	if err != nil {
		o.log.Error("orchestrator.identify.sign_fail", "err", err)
		o.reporter.Report(err, false)
		o.setState(prev)
		reply <- err
		return
	}

	o.setState(StateSendingIdentify)

	epoch := o.epoch
	go func() {
		err := o.sess.Send(ctx, msg)
		o.enqueue(func() { o.sendDone(epoch, peer, err, reply) })
	}()
}

func (o *Orchestrator) sendDone(epoch uint64, peer pairing.PeerID, err error, reply chan error) {
	if epoch != o.epoch {
		o.log.Info("orchestrator.identify.discarded", "peer", peer.String())
		reply <- ErrSessionClosed
		return
	}

	action := recovery.Classify(recovery.OpSend, message.KindIdentify, err)
	if err != nil {
		o.metrics.recovery(recovery.OpSend, action)
	}

	switch action {
	case recovery.Ignore:
		o.setState(StateLoggedIn)
		if err == nil {
			o.log.Info("orchestrator.identify.ok", "peer", peer.String())
		}
		reply <- err

	case recovery.PromptRetry:
		o.log.Info("orchestrator.identify.unreachable", "peer", peer.String(), "err", err)
		o.reporter.Report(err, true)
		o.setState(StateRetryPrompted)
		reply <- &RetryError{Peer: peer, Err: err}

	case recovery.ForceLogout:
		o.log.Info("orchestrator.identify.unauthorized", "peer", peer.String(), "err", err)
		o.endSession(StateLoggedOut)
		reply <- err

	default:
		o.log.Info("orchestrator.identify.fail", "peer", peer.String(), "err", err)
		o.reporter.Report(err, true)
		o.setState(StateLoggedIn)
		reply <- err
	}
}

// ---- teardown ----

// endSession invalidates every in-flight completion, answers pending
// activations and logs the channel out in the background.
func (o *Orchestrator) endSession(next State) {
	o.epoch++
	o.subscribing = false
	o.resetSeen()
	o.failWaiters(ErrSessionClosed)
	o.setState(next)

	done := make(chan struct{})
	prev := o.lastLogout
	o.lastLogout = done
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		o.sess.Logout(context.WithoutCancel(o.runCtx))
	}()
	o.log.Info("orchestrator.logout", "state", next.String())
}
