// Package auth defines the pluggable authentication surface of the server:
// credential verification, reconnection token revalidation, and token
// extraction from the upgrade request.
package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the outcome of successful authentication. Metadata is merged
// into the session's metadata on creation.
type Identity struct {
	UserID   string
	Metadata map[string]any
}

// Authenticator verifies a credential presented during the handshake.
// remoteAddr is provided for implementations that make address-based
// decisions. A returned *protocol.Error surfaces its code to the client;
// any other error maps to the generic auth-failed code.
type Authenticator interface {
	Authenticate(ctx context.Context, token string, remoteAddr string) (*Identity, error)
}

// TokenValidator is implemented by authenticators that can cheaply
// revalidate a token during reconnection without a full authentication
// round trip.
type TokenValidator interface {
	ValidateToken(token string) bool
}

// TokenExtractor is implemented by authenticators that pull credentials
// from somewhere other than the default locations.
type TokenExtractor interface {
	ExtractToken(r *http.Request) string
}

// ExtractToken is the default extraction: the "token" query parameter,
// falling back to an "Authorization: Bearer" header.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}
