package relayd

import (
	"errors"
	"sync"
	"time"

	"holder/cmd/internal/message"
	"holder/cmd/internal/pairing"
	"holder/cmd/security/token"
)

var (
	// ErrUnknownSession is returned for a missing, expired or replaced session.
	ErrUnknownSession = errors.New("relayd: unknown session")
	// ErrNotRoutable is returned when the recipient has no live session
	// subscribed to the message kind.
	ErrNotRoutable = errors.New("relayd: recipient not routable")
)

type session struct {
	hash      string
	peer      pairing.PeerID
	expiresAt time.Time
	client    *Client
	kinds     map[message.Kind]struct{}
}

// Registry tracks relay sessions. Bearer tokens are only held as digests.
//
// A peer has at most one session: a new login replaces the previous one.
// Sessions outlive their socket until the TTL so a reconnecting client can
// resume them.
type Registry struct {
	hasher *token.Hasher
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	byHash map[string]*session
	byPeer map[string]*session
}

// NewRegistry builds an empty registry.
func NewRegistry(hasher *token.Hasher, ttl time.Duration) *Registry {
	if hasher == nil {
		hasher = &token.Hasher{}
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Registry{
		hasher: hasher,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		byHash: make(map[string]*session),
		byPeer: make(map[string]*session),
	}
}

// Open starts a session for peer bound to c and returns its bearer token.
func (r *Registry) Open(peer pairing.PeerID, c *Client) (string, time.Time, error) {
	tok, err := token.NewSessionToken()
	if err != nil {
		return "", time.Time{}, err
	}
	s := &session{
		hash:      r.hasher.Hash(tok),
		peer:      peer,
		expiresAt: r.now().Add(r.ttl),
		client:    c,
		kinds:     make(map[message.Kind]struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byPeer[peer.String()]; ok {
		r.dropLocked(prev)
	}
	r.unbindLocked(c)
	r.byHash[s.hash] = s
	r.byPeer[peer.String()] = s
	c.bind(s.hash)
	return tok, s.expiresAt, nil
}

// Resume re-attaches c to the session named by tok.
func (r *Registry) Resume(tok string, c *Client) (pairing.PeerID, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(r.hasher.Hash(tok))
	if err != nil {
		return pairing.PeerID{}, time.Time{}, err
	}
	if s.client != nil && s.client != c {
		s.client.bind("")
	}
	r.unbindLocked(c)
	s.client = c
	c.bind(s.hash)
	return s.peer, s.expiresAt, nil
}

// Peer returns the peer of the session c is bound to.
func (r *Registry) Peer(c *Client) (pairing.PeerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.boundLocked(c)
	if err != nil {
		return pairing.PeerID{}, err
	}
	return s.peer, nil
}

// Subscribe adds kind to the session c is bound to.
func (r *Registry) Subscribe(c *Client, kind message.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.boundLocked(c)
	if err != nil {
		return err
	}
	s.kinds[kind] = struct{}{}
	return nil
}

// Unsubscribe removes kind from the session c is bound to.
func (r *Registry) Unsubscribe(c *Client, kind message.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.boundLocked(c)
	if err != nil {
		return err
	}
	delete(s.kinds, kind)
	return nil
}

// Route returns the live client of recipient's session when it is
// subscribed to kind.
func (r *Registry) Route(recipient pairing.PeerID, kind message.Kind) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byPeer[recipient.String()]
	if !ok {
		return nil, ErrNotRoutable
	}
	if _, err := r.lookupLocked(s.hash); err != nil {
		return nil, ErrNotRoutable
	}
	if s.client == nil {
		return nil, ErrNotRoutable
	}
	if _, ok := s.kinds[kind]; !ok {
		return nil, ErrNotRoutable
	}
	return s.client, nil
}

// Close ends the session named by tok.
func (r *Registry) Close(tok string) (pairing.PeerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(r.hasher.Hash(tok))
	if err != nil {
		return pairing.PeerID{}, err
	}
	r.dropLocked(s)
	return s.peer, nil
}

// Detach unbinds c from its session when the socket goes away.
// The session itself stays resumable until it expires.
func (r *Registry) Detach(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(c)
}

// Len returns the number of unexpired sessions, evicting expired ones.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, s := range r.byHash {
		if !now.Before(s.expiresAt) {
			r.dropLocked(s)
		}
	}
	return len(r.byHash)
}

func (r *Registry) lookupLocked(hash string) (*session, error) {
	s, ok := r.byHash[hash]
	if !ok {
		return nil, ErrUnknownSession
	}
	if !r.now().Before(s.expiresAt) {
		r.dropLocked(s)
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (r *Registry) boundLocked(c *Client) (*session, error) {
	hash := c.boundSession()
	if hash == "" {
		return nil, ErrUnknownSession
	}
	s, err := r.lookupLocked(hash)
	if err != nil {
		c.bind("")
		return nil, err
	}
	if s.client != c {
		// Another socket resumed this session.
		c.bind("")
		return nil, ErrUnknownSession
	}
	return s, nil
}

func (r *Registry) unbindLocked(c *Client) {
	hash := c.boundSession()
	if hash == "" {
		return
	}
	if s, ok := r.byHash[hash]; ok && s.client == c {
		s.client = nil
	}
	c.bind("")
}

func (r *Registry) dropLocked(s *session) {
	delete(r.byHash, s.hash)
	if cur, ok := r.byPeer[s.peer.String()]; ok && cur == s {
		delete(r.byPeer, s.peer.String())
	}
	if s.client != nil && s.client.boundSession() == s.hash {
		s.client.bind("")
	}
	s.client = nil
}
