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

const (
	minUsernameLength = 3
	minPasswordLength = 8
)

// UserService covers the admin-only account management surface.
type UserService struct {
	users     repository.UserRepository
	passwords *auth.PasswordService
	logger    *slog.Logger
}

func NewUserService(users repository.UserRepository, passwords *auth.PasswordService, logger *slog.Logger) *UserService {
	return &UserService{
		users:     users,
		passwords: passwords,
		logger:    logger,
	}
}

func validateUsername(username string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) < minUsernameLength {
		return "", apperror.ValidationFailed("username", "username must be at least 3 characters")
	}
	if strings.ContainsAny(username, " \t\n") {
		return "", apperror.ValidationFailed("username", "username must not contain whitespace")
	}
	return username, nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperror.ValidationFailed("password", "password must be at least 8 characters")
	}
	return nil
}

// Create registers a new account.
func (s *UserService) Create(ctx context.Context, username, email, password string, isAdmin bool) (*model.User, error) {
	username, err := validateUsername(username)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)

	hash, err := s.passwords.Hash(password)
	if err != nil {
		return nil, apperror.ValidationFailed("password", err.Error())
	}

	user := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		IsAdmin:      isAdmin,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user created",
		slog.String("id", user.ID),
		slog.String("username", user.Username),
		slog.Bool("admin", user.IsAdmin),
	)
	return user, nil
}

// Get returns one account.
func (s *UserService) Get(ctx context.Context, id string) (*model.User, error) {
	return s.users.GetUserByID(ctx, id)
}

// List returns accounts matching the options.
func (s *UserService) List(ctx context.Context, opts repository.ListOptions) ([]model.User, error) {
	return s.users.ListUsers(ctx, opts)
}

// Update changes username, email, the admin flag, and optionally the
// password (left untouched when newPassword is empty).
func (s *UserService) Update(ctx context.Context, id, username, email string, isAdmin bool, newPassword string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	username, err = validateUsername(username)
	if err != nil {
		return nil, err
	}
	user.Username = username
	user.Email = strings.TrimSpace(email)
	user.IsAdmin = isAdmin

	if newPassword != "" {
		if err := validatePassword(newPassword); err != nil {
			return nil, err
		}
		hash, err := s.passwords.Hash(newPassword)
		if err != nil {
			return nil, apperror.ValidationFailed("password", err.Error())
		}
		user.PasswordHash = hash
	}

	if err := s.users.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user updated", slog.String("id", user.ID))
	return user, nil
}

// Delete removes an account. Self-deletion is rejected so an admin
// cannot lock everyone out by removing their own account last.
func (s *UserService) Delete(ctx context.Context, id, actorID string) error {
	if id == actorID {
		return apperror.ValidationFailed("id", "you cannot delete your own account")
	}
	if err := s.users.DeleteUser(ctx, id); err != nil {
		return err
	}
	s.logger.Info("user deleted", slog.String("id", id))
	return nil
}

// EnsureAdmin creates the bootstrap administrator when the user table
// is empty. Called once at startup with credentials from the
// environment; a no-op on every later start.
func (s *UserService) EnsureAdmin(ctx context.Context, username, password string) error {
	count, err := s.users.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if username == "" || password == "" {
		s.logger.Warn("no users exist and no bootstrap admin credentials configured")
		return nil
	}
	_, err = s.Create(ctx, username, "", password, true)
	return err
}
