// Package wallet turns an operation's opaque credential reference into a
// usable signing session. Encryption-at-rest of the reference itself is the
// caller's concern; this package only unwraps.
package wallet

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadCredential reports a credential reference that cannot be unwrapped.
// Not retryable: the profile needs fixing, not another attempt.
var ErrBadCredential = errors.New("bad credential reference")

// Session is an unwrapped signing identity, valid for the lifetime of one
// engine run.
type Session struct {
	Address string
	Secret  string // never logged
}

type Provider interface {
	Name() string

	Open(ref []byte) (Session, error)
}

// LocalProvider unwraps credential references stored as base64-encoded JSON
// {"address": ..., "secret": ...} blobs.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Open(ref []byte) (Session, error) {
	if len(ref) == 0 {
		return Session{}, fmt.Errorf("%w: empty reference", ErrBadCredential)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(ref)))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	var payload struct {
		Address string `json:"address"`
		Secret  string `json:"secret"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrBadCredential, err)
	}
	if payload.Address == "" || payload.Secret == "" {
		return Session{}, fmt.Errorf("%w: missing address or secret", ErrBadCredential)
	}
	return Session{Address: payload.Address, Secret: payload.Secret}, nil
}

// Encode packs an address/secret pair into the reference format LocalProvider
// understands. Used by profile tooling when arming a new operation.
func Encode(address, secret string) []byte {
	raw, _ := json.Marshal(map[string]string{"address": address, "secret": secret})
	return []byte(base64.StdEncoding.EncodeToString(raw))
}
