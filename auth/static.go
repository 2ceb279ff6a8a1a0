package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/wsengine/wsengine/protocol"
	"go.uber.org/zap"
)

// StaticAuthenticator resolves users from a fixed table of API keys.
// Keys are stored hashed so a config dump never leaks plaintext
// credentials.
type StaticAuthenticator struct {
	mu        sync.RWMutex
	keyHashes map[string]string // keyHash -> userID
	logger    *zap.Logger
}

var (
	_ Authenticator  = (*StaticAuthenticator)(nil)
	_ TokenValidator = (*StaticAuthenticator)(nil)
)

// NewStatic creates an authenticator over plaintext keys, hashing them on
// ingestion.
func NewStatic(keys map[string]string, logger *zap.Logger) *StaticAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &StaticAuthenticator{
		keyHashes: make(map[string]string, len(keys)),
		logger:    logger,
	}
	for key, userID := range keys {
		a.keyHashes[HashAPIKey(key)] = userID
	}
	return a
}

// AddKey registers an additional key at runtime.
func (a *StaticAuthenticator) AddKey(key, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keyHashes[HashAPIKey(key)] = userID
}

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string, remoteAddr string) (*Identity, error) {
	if token == "" {
		return nil, protocol.NewError(protocol.CodeAuthRequired, "Authentication required")
	}

	a.mu.RLock()
	userID, ok := a.keyHashes[HashAPIKey(token)]
	a.mu.RUnlock()

	if !ok || userID == "" {
		a.logger.Warn("Rejected unknown API key", zap.String("remoteAddr", remoteAddr))
		return nil, protocol.NewError(protocol.CodeAuthFailed, "Authentication failed")
	}
	a.logger.Debug("Authenticated via API key", zap.String("userID", userID))
	return &Identity{UserID: userID}, nil
}

// ValidateToken implements TokenValidator for reconnection revalidation.
func (a *StaticAuthenticator) ValidateToken(token string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	userID, ok := a.keyHashes[HashAPIKey(token)]
	return ok && userID != ""
}

// HashAPIKey converts a plaintext API key to its SHA-256 hex representation.
func HashAPIKey(key string) string {
	if key == "" {
		return ""
	}
	hasher := sha256.New()
	hasher.Write([]byte(key))
	return hex.EncodeToString(hasher.Sum(nil))
}
