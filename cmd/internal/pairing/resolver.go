package pairing

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	didScheme = "did"

	// maxPayloadLen bounds how much of a scan we are willing to look at.
	maxPayloadLen = 2048
)

var (
	methodRe = regexp.MustCompile(`^[a-z0-9]+$`)
	// idchar = ALPHA / DIGIT / "." / "-" / "_" / pct-encoded; segments joined by ":".
	msidRe = regexp.MustCompile(`^(?:[A-Za-z0-9._-]|%[0-9A-Fa-f]{2})*(?::(?:[A-Za-z0-9._-]|%[0-9A-Fa-f]{2})*)*$`)
)

// Resolve interprets a scanned pairing payload as a peer identifier.
//
// Accepted forms:
//   - a bare DID: "did:web:rp.example.com"
//   - a pairing link whose "peer" (or "did") query parameter is a DID,
//     e.g. "holder://pair?peer=did:web:rp.example.com"
//
// Anything else fails with ErrInvalidPairingFormat.
func Resolve(raw string) (PeerID, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return PeerID{}, formatErr("empty payload")
	}
	if len(s) > maxPayloadLen {
		return PeerID{}, formatErr("payload too long")
	}

	if strings.HasPrefix(s, didScheme+":") {
		return Parse(s)
	}

	if did, ok := didFromLink(s); ok {
		return Parse(did)
	}
	return PeerID{}, formatErr("not a DID")
}

// Parse validates a DID string and returns it as a PeerID.
func Parse(s string) (PeerID, error) {
	if len(s) > maxPayloadLen {
		return PeerID{}, formatErr("identifier too long")
	}
	if s != strings.TrimSpace(s) {
		return PeerID{}, formatErr("surrounding whitespace")
	}

	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != didScheme {
		return PeerID{}, formatErr("expected did:<method>:<id>")
	}
	method, msid := parts[1], parts[2]

	if !methodRe.MatchString(method) {
		return PeerID{}, formatErr("invalid method")
	}
	if msid == "" {
		return PeerID{}, formatErr("missing method-specific id")
	}
	if strings.HasSuffix(msid, ":") {
		return PeerID{}, formatErr("method-specific id ends with ':'")
	}
	if !msidRe.MatchString(msid) {
		return PeerID{}, formatErr("invalid method-specific id")
	}
	return PeerID{s: s}, nil
}

func didFromLink(s string) (string, bool) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Scheme == didScheme {
		return "", false
	}

	q := u.Query()
	for _, key := range []string{"peer", "did"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			return v, true
		}
	}
	return "", false
}
