package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wsengine/wsengine/protocol"
	"go.uber.org/zap"
)

// JWTAuthenticator verifies HMAC-signed JWTs. The subject claim becomes the
// user id; any "meta" map claim is carried into session metadata.
type JWTAuthenticator struct {
	secret []byte
	logger *zap.Logger
}

var (
	_ Authenticator  = (*JWTAuthenticator)(nil)
	_ TokenValidator = (*JWTAuthenticator)(nil)
)

// NewJWT creates an authenticator for tokens signed with the given HMAC
// secret.
func NewJWT(secret []byte, logger *zap.Logger) *JWTAuthenticator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JWTAuthenticator{secret: secret, logger: logger}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string, remoteAddr string) (*Identity, error) {
	if token == "" {
		return nil, protocol.NewError(protocol.CodeAuthRequired, "Authentication required")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keyFunc,
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, protocol.NewError(protocol.CodeTokenExpired, "Token expired")
		}
		a.logger.Warn("JWT verification failed", zap.String("remoteAddr", remoteAddr), zap.Error(err))
		return nil, protocol.NewError(protocol.CodeAuthFailed, "Authentication failed")
	}
	if !parsed.Valid {
		return nil, protocol.NewError(protocol.CodeAuthFailed, "Authentication failed")
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, protocol.NewError(protocol.CodeAuthFailed, "token has no subject")
	}

	identity := &Identity{UserID: subject}
	if meta, ok := claims["meta"].(map[string]any); ok {
		identity.Metadata = meta
	}
	return identity, nil
}

// ValidateToken implements TokenValidator.
func (a *JWTAuthenticator) ValidateToken(token string) bool {
	parsed, err := jwt.Parse(token, a.keyFunc,
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	return err == nil && parsed.Valid
}

func (a *JWTAuthenticator) keyFunc(*jwt.Token) (interface{}, error) {
	return a.secret, nil
}

// Sign issues a token for the given user, mainly for tests and examples.
func (a *JWTAuthenticator) Sign(userID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	})
	return token.SignedString(a.secret)
}
