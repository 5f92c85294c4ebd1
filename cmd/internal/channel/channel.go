package channel

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"

	"holder/cmd/internal/message"
	"holder/cmd/internal/relay"

	"golang.org/x/sync/singleflight"
)

// Handler receives messages of a subscribed kind. It runs on the
// subscription's pump goroutine and should hand work off quickly.
type Handler func(message.SignedMessage)

type subscription struct {
	kind message.Kind
	stop chan struct{}
	once sync.Once
}

func (s *subscription) cancel() { s.once.Do(func() { close(s.stop) }) }

// Channel is a single relay session. It is safe for concurrent use.
type Channel struct {
	tr  relay.Transport
	log *slog.Logger

	logins singleflight.Group

	mu      sync.Mutex
	state   State
	session relay.SessionToken
	// epoch advances on every logout; completions from an older epoch are stale.
	epoch uint64
	subs  map[message.Kind]*subscription
}

// New builds a Channel over tr.
func New(tr relay.Transport, log *slog.Logger) *Channel {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Channel{
		tr:    tr,
		log:   log,
		state: StateNone,
		subs:  make(map[message.Kind]*subscription),
	}
}

// State returns the current session state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribed reports whether kind has a live subscription.
func (c *Channel) Subscribed(kind message.Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[kind]
	return ok
}

// Login presents a signed LOGIN message to the relay.
//
// It is a no-op while Authenticated. Concurrent calls share one relay round
// trip. The round trip is not bound to any caller's ctx: a caller that gives
// up gets ctx.Err() while the attempt still completes and updates the state.
// A rejection leaves the channel Unauthenticated and is returned unclassified.
func (c *Channel) Login(ctx context.Context, msg message.SignedMessage) error {
	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.mu.Unlock()
		return nil
	}
	c.state = StateAuthenticating
	epoch := c.epoch
	c.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	res := c.logins.DoChan("login:"+strconv.FormatUint(epoch, 10), func() (any, error) {
		return nil, c.login(detached, epoch, msg)
	})

	select {
	case r := <-res:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) login(ctx context.Context, epoch uint64, msg message.SignedMessage) error {
	tok, err := c.tr.Login(ctx, msg)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		if err == nil {
			// Logged out while the relay was accepting us: close the session we just opened.
			if lerr := c.tr.Logout(ctx, tok); lerr != nil {
				c.log.Info("channel.login.stale_logout_fail", "err", lerr)
			}
		}
		c.log.Info("channel.login.superseded")
		return ErrSuperseded
	}
	defer c.mu.Unlock()

	if err != nil {
		c.state = StateUnauthenticated
		c.log.Info("channel.login.fail", "err", err)
		return err
	}

	c.state = StateAuthenticated
	c.session = tok
	c.log.Info("channel.login.ok")
	return nil
}

// Subscribe starts delivering messages of kind to h. At most one
// subscription per kind is allowed per session.
func (c *Channel) Subscribe(ctx context.Context, kind message.Kind, h Handler) error {
	sub := &subscription{kind: kind, stop: make(chan struct{})}

	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	if _, ok := c.subs[kind]; ok {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	// Reserve the kind so a concurrent Subscribe is rejected while we talk to the relay.
	c.subs[kind] = sub
	epoch := c.epoch
	c.mu.Unlock()

	stream, err := c.tr.Subscribe(ctx, kind)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		if c.subs[kind] == sub {
			delete(c.subs, kind)
		}
		c.log.Info("channel.subscribe.fail", "kind", kind, "err", err)
		return err
	}
	if c.epoch != epoch || c.subs[kind] != sub {
		return ErrSuperseded
	}

	go c.pump(sub, stream, h)
	c.log.Info("channel.subscribe.ok", "kind", kind)
	return nil
}

func (c *Channel) pump(sub *subscription, stream <-chan message.SignedMessage, h Handler) {
	defer func() {
		c.mu.Lock()
		if c.subs[sub.kind] == sub {
			delete(c.subs, sub.kind)
			c.log.Info("channel.subscription.ended", "kind", sub.kind)
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case <-sub.stop:
			return
		case msg, ok := <-stream:
			if !ok {
				return
			}
			// Logout may race a buffered delivery; drop it.
			select {
			case <-sub.stop:
				return
			default:
			}
			h(msg)
		}
	}
}

// Send routes msg through the relay. Relay errors are returned unclassified.
func (c *Channel) Send(ctx context.Context, msg message.SignedMessage) error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	return c.tr.Send(ctx, msg)
}

// Logout ends the session. It never fails: local state is cleared first and
// the relay logout is best-effort. Calling it repeatedly is harmless.
func (c *Channel) Logout(ctx context.Context) {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[message.Kind]*subscription)
	tok := c.session
	c.session = ""
	if c.state != StateNone {
		c.state = StateUnauthenticated
	}
	c.epoch++
	c.mu.Unlock()

	for _, s := range subs {
		s.cancel()
	}

	if tok.IsZero() {
		return
	}
	if err := c.tr.Logout(ctx, tok); err != nil {
		c.log.Info("channel.logout.remote_fail", "err", err)
		return
	}
	c.log.Info("channel.logout.ok")
}
