package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sakif/trade-accounting/internal/apperror"
	"github.com/sakif/trade-accounting/internal/auth"
	"github.com/sakif/trade-accounting/internal/model"
	"github.com/sakif/trade-accounting/internal/repository"
)

// AuthService authenticates users and issues access tokens.
type AuthService struct {
	users     repository.UserRepository
	passwords *auth.PasswordService
	tokens    *auth.TokenService
	logger    *slog.Logger
}

func NewAuthService(
	users repository.UserRepository,
	passwords *auth.PasswordService,
	tokens *auth.TokenService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		passwords: passwords,
		tokens:    tokens,
		logger:    logger,
	}
}

// Login verifies credentials and returns the user plus a signed access
// token. The login field matches either username or email. Unknown
// login and wrong password produce the same error, so the response
// doesn't reveal which accounts exist.
func (s *AuthService) Login(ctx context.Context, login, password string) (*model.User, string, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, "", apperror.Unauthorized("invalid credentials")
	}

	user, err := s.users.GetUserByLogin(ctx, login)
	if err != nil {
		if apperror.IsNotFound(err) {
			return nil, "", apperror.Unauthorized("invalid credentials")
		}
		return nil, "", err
	}

	if err := s.passwords.Verify(user.PasswordHash, password); err != nil {
		s.logger.Warn("failed login attempt", slog.String("login", login))
		return nil, "", apperror.Unauthorized("invalid credentials")
	}

	token, err := s.tokens.Generate(auth.Identity{UserID: user.ID, IsAdmin: user.IsAdmin})
	if err != nil {
		return nil, "", err
	}

	s.logger.Info("user logged in", slog.String("userId", user.ID))
	return user, token, nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*model.User, error) {
	return s.users.GetUserByID(ctx, userID)
}
