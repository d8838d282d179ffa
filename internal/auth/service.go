package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"tiletalk.app/tiletalk/internal/session"
	"tiletalk.app/tiletalk/internal/store"
)

const minPasswordLength = 6

var (
	ErrMissingCredential = errors.New("identifier and secret are required")
	ErrWeakSecret        = errors.New("secret must be at least 6 characters")
	ErrInvalidCredential = errors.New("invalid credentials")
	ErrAlreadyExists     = errors.New("an account with this identifier already exists")
)

// UserStore is the persistence the identity service needs.
type UserStore interface {
	GetUserByExternalID(ctx context.Context, externalUserID string) (*store.User, error)
	CreateUser(ctx context.Context, externalUserID, passwordHash string) (*store.User, error)
}

// Service signs users up and in and resolves tokens back into sessions.
type Service struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(users UserStore, secret string, ttl time.Duration) *Service {
	return &Service{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *Service) SignUp(ctx context.Context, identifier, secret string) (*session.Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return nil, ErrMissingCredential
	}
	if len(secret) < minPasswordLength {
		return nil, ErrWeakSecret
	}

	hashedPassword, err := HashPassword(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := s.users.CreateUser(ctx, identifier, hashedPassword)
	if err != nil {
		if errors.Is(err, store.ErrUserExists) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	log.Printf("[auth] user %s signed up", identifier)
	return s.issue(user)
}

func (s *Service) SignIn(ctx context.Context, identifier, secret string) (*session.Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || secret == "" {
		return nil, ErrMissingCredential
	}

	user, err := s.users.GetUserByExternalID(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil || !CheckPasswordHash(secret, user.PasswordHash) {
		return nil, ErrInvalidCredential
	}
	return s.issue(user)
}

// Resolve turns a bearer token back into the session it was issued for.
func (s *Service) Resolve(ctx context.Context, token string) (*session.Session, error) {
	if token == "" {
		return nil, ErrMissingCredential
	}
	externalID, expiresAt, err := ValidateJWT(s.secret, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	user, err := s.users.GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredential
	}
	return &session.Session{
		UserID:     user.ID,
		ExternalID: user.ExternalUserID,
		Token:      token,
		ExpiresAt:  expiresAt,
	}, nil
}

func (s *Service) issue(user *store.User) (*session.Session, error) {
	token, expiresAt, err := GenerateJWT(s.secret, user.ExternalUserID, s.now(), s.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	return &session.Session{
		UserID:     user.ID,
		ExternalID: user.ExternalUserID,
		Token:      token,
		ExpiresAt:  expiresAt,
	}, nil
}
