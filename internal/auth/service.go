package auth

import (
	"context"
	"time"

	"github.com/congo-pay/btcvault/internal/config"
	"github.com/congo-pay/btcvault/internal/identity"
)

// Authenticator checks login credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, creds identity.Credentials) (identity.User, error)
}

// Service issues and verifies session tokens.
type Service struct {
	users  Authenticator
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewService(cfg config.Config, users Authenticator) *Service {
	return &Service{users: users, secret: []byte(cfg.JWTSecret), issuer: cfg.AppName, ttl: cfg.AccessTokenTTL}
}

// Session is a freshly issued access token.
type Session struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Login authenticates the user and issues an access token.
func (s *Service) Login(ctx context.Context, creds identity.Credentials) (Session, error) {
	user, err := s.users.Authenticate(ctx, creds)
	if err != nil {
		return Session{}, err
	}
	token, err := SignAccessToken(user.ID, s.secret, s.issuer, time.Now(), s.ttl)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: user.ID, AccessToken: token, ExpiresIn: int64(s.ttl.Seconds())}, nil
}

// Verify returns the user id carried by a valid access token.
func (s *Service) Verify(token string) (string, error) {
	return ParseAccessToken(token, s.secret)
}
