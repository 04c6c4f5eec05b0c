// Package auth resolves the user identity behind an incoming connection.
// Authentication itself happens upstream; providers here only read the
// identity a request carries.
package auth

import (
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// ErrNoIdentity is returned when a request carries no usable identity.
var ErrNoIdentity = errors.New("no identity on request")

// Provider supplies the identity of an already-authenticated request.
type Provider interface {
	Identify(r *http.Request) (chat.Identity, error)
}

// Header trusts identity headers set by a fronting proxy. Use it only behind
// a proxy that strips these headers from client requests.
type Header struct{}

const (
	HeaderUserID    = "X-User-ID"
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
)

// Identify reads the X-User-* headers.
func (Header) Identify(r *http.Request) (chat.Identity, error) {
	id := chat.Identity{
		ID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Name:  strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Email: strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
	}
	if !id.Known() {
		return chat.Identity{}, ErrNoIdentity
	}
	return id, nil
}

// bearerToken extracts a token from "Authorization: Bearer <t>" or, for
// browser WebSocket clients that cannot set headers, the token query parameter.
func bearerToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// New returns the provider named by mode: "header" or "jwt".
func New(mode, secret string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "header":
		return Header{}, nil
	case "jwt":
		if secret == "" {
			return nil, errors.New("jwt auth requires a secret")
		}
		return NewJWT([]byte(secret)), nil
	default:
		return nil, errors.Errorf("unknown auth mode %q", mode)
	}
}
