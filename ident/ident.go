// Package ident produces unique opaque identifiers for connections,
// sessions and request correlations.
package ident

import "github.com/google/uuid"

// Connection returns a new connection identifier.
func Connection() string {
	return "conn_" + uuid.NewString()
}

// Session returns a new session identifier.
func Session() string {
	return "sess_" + uuid.NewString()
}

// Correlation returns a new correlation identifier for server-initiated
// requests. The prefix keeps server-generated ids disjoint from anything a
// client could plausibly send, so the pending-request table never captures
// client request ids.
func Correlation() string {
	return "corr_" + uuid.NewString()
}
