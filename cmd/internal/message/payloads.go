package message

import (
	"errors"
	"fmt"
	"strings"
)

// Payload is a typed message body with a schema.
type Payload interface {
	Kind() Kind
	Validate() error
}

// LoginPayload is the body of a LOGIN message.
type LoginPayload struct {
	Device string `json:"device,omitempty"`
	Nonce  string `json:"nonce"`
}

func (LoginPayload) Kind() Kind { return KindLogin }

func (p LoginPayload) Validate() error {
	if strings.TrimSpace(p.Nonce) == "" {
		return errors.New("missing field: nonce")
	}
	return nil
}

// IdentifyPayload is the body of an IDENTIFY message.
type IdentifyPayload struct {
	Holder string `json:"holder"`
	Device string `json:"device,omitempty"`
	Nonce  string `json:"nonce"`
}

func (IdentifyPayload) Kind() Kind { return KindIdentify }

func (p IdentifyPayload) Validate() error {
	if strings.TrimSpace(p.Holder) == "" {
		return errors.New("missing field: holder")
	}
	if strings.TrimSpace(p.Nonce) == "" {
		return errors.New("missing field: nonce")
	}
	return nil
}

// Request is one item a relying party asks the holder to authorize.
type Request struct {
	Type    string   `json:"type"`
	Purpose string   `json:"purpose,omitempty"`
	Claims  []string `json:"claims,omitempty"`
}

// LoginRequestPayload is the body of a LOGIN_REQUEST message.
type LoginRequestPayload struct {
	RequestID string    `json:"request_id"`
	Origin    string    `json:"origin,omitempty"`
	Requests  []Request `json:"requests"`
}

func (LoginRequestPayload) Kind() Kind { return KindLoginRequest }

func (p LoginRequestPayload) Validate() error {
	if strings.TrimSpace(p.RequestID) == "" {
		return errors.New("missing field: request_id")
	}
	if len(p.Requests) == 0 {
		return errors.New("missing field: requests")
	}
	for i, r := range p.Requests {
		if strings.TrimSpace(r.Type) == "" {
			return fmt.Errorf("requests[%d]: missing type", i)
		}
	}
	return nil
}
