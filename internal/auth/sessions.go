package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"ikid/internal/apperr"
	"ikid/internal/model"
)

// TokenStore persists refresh token hashes.
type TokenStore interface {
	SaveRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error
	ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (string, error)
}

// UserLookup resolves the current account behind a token.
type UserLookup interface {
	Get(ctx context.Context, id string) (model.User, error)
}

// Sessions issues token pairs and rotates refresh tokens. A refresh token can
// be used once; the role in the new pair is read from the account, not the
// old token.
type Sessions struct {
	tokens     TokenStore
	users      UserLookup
	issuer     string
	key        string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewSessions creates a session issuer.
func NewSessions(tokens TokenStore, users UserLookup, issuer, key string, accessTTL, refreshTTL time.Duration) *Sessions {
	return &Sessions{
		tokens:     tokens,
		users:      users,
		issuer:     issuer,
		key:        key,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// Start issues a token pair for an authenticated user.
func (s *Sessions) Start(ctx context.Context, u model.User) (TokenPair, error) {
	pair, err := Issue(u.ID, u.Role, s.issuer, s.key, s.accessTTL, s.refreshTTL)
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindWriteFailed, err, "sign tokens")
	}
	if err := s.tokens.SaveRefreshToken(ctx, u.ID, HashToken(pair.RefreshToken), pair.RefreshExp); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

// Refresh exchanges a refresh token for a new pair and revokes the old one.
func (s *Sessions) Refresh(ctx context.Context, refreshToken string) (TokenPair, model.User, error) {
	claims, err := Parse(refreshToken, s.key, s.issuer, TypeRefresh)
	if err != nil {
		return TokenPair{}, model.User{}, apperr.Wrap(apperr.KindUnauthorized, err, "refresh token")
	}
	userID, err := s.tokens.ConsumeRefreshToken(ctx, HashToken(refreshToken), s.now())
	if err != nil {
		return TokenPair{}, model.User{}, err
	}
	if userID != claims.Subject {
		return TokenPair{}, model.User{}, apperr.New(apperr.KindUnauthorized, "refresh token subject mismatch")
	}
	u, err := s.users.Get(ctx, userID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return TokenPair{}, model.User{}, apperr.New(apperr.KindUnauthorized, "account no longer exists")
	}
	if err != nil {
		return TokenPair{}, model.User{}, err
	}
	pair, err := s.Start(ctx, u)
	return pair, u, err
}

// HashToken returns the hex SHA-256 of a token; only hashes are stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
