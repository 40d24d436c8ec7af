package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/repository"
	"github.com/splax/localship/pkg/crypto"
	jwtpkg "github.com/splax/localship/pkg/jwt"
)

var (
	// ErrInvalidCredentials hides whether the username or the password was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnauthorized indicates a missing, invalid or mismatched token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUsernameRequired indicates CreateUser got an empty username.
	ErrUsernameRequired = errors.New("username required")
)

// Service handles operator authentication.
type Service struct {
	users    repository.UserRepository
	logger   *slog.Logger
	secret   string
	tokenTTL time.Duration
}

// New constructs a Service.
func New(users repository.UserRepository, secret string, tokenTTL time.Duration, logger *slog.Logger) Service {
	return Service{users: users, secret: secret, tokenTTL: tokenTTL, logger: logger.With("component", "auth")}
}

// Token is an issued access token.
type Token struct {
	Token     string
	ExpiresIn time.Duration
}

// CreateUser registers an operator account.
func (s Service) CreateUser(ctx context.Context, username, password string) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrUsernameRequired
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user_id", user.ID, "username", username)
	return user, nil
}

// Login checks the password and issues a token.
func (s Service) Login(ctx context.Context, username, password string) (*domain.User, Token, error) {
	user, err := s.users.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Token{}, ErrInvalidCredentials
		}
		return nil, Token{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Token{}, ErrInvalidCredentials
	}
	token, err := jwtpkg.GenerateToken(user.ID, user.Username, s.secret, s.tokenTTL)
	if err != nil {
		return nil, Token{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, Token{Token: token, ExpiresIn: s.tokenTTL}, nil
}

// Authorize validates a bearer token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrUnauthorized
	}
	claims, err := jwtpkg.Parse(trimmed, s.secret)
	if err != nil {
		return nil, nil, ErrUnauthorized
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, err
	}
	return user, claims, nil
}

// AuthorizeUser validates token and checks that it was issued to username.
// WebSocket connections carry both as query parameters.
func (s Service) AuthorizeUser(ctx context.Context, username, token string) (*domain.User, error) {
	user, _, err := s.Authorize(ctx, token)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(user.Username, strings.TrimSpace(username)) {
		return nil, ErrUnauthorized
	}
	return user, nil
}
