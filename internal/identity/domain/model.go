package domain

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrUserNotFound    = errors.New("user_not_found")
	ErrUserInactive    = errors.New("user_inactive")
	ErrInvalidToken    = errors.New("invalid_token")
	ErrMissingToken    = errors.New("missing_token")
	ErrTokenNotEnabled = errors.New("token_auth_not_configured")
)

const (
	RoleAdmin   = "ADMIN"
	RoleCreator = "CREATOR"
	RoleUser    = "USER"
)

type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}

// DisplayName falls back to the email like the storefront does.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if name := strings.TrimSpace(u.Name); name != "" {
		return name
	}
	return u.Email
}

type Repository interface {
	FindUser(ctx context.Context, id string) (*User, error)
}

type Service interface {
	// Authenticate verifies a bearer token and returns the active user it names.
	Authenticate(ctx context.Context, token string) (*User, error)
	// ActiveUser returns the user when it exists and is active.
	ActiveUser(ctx context.Context, id string) (*User, error)
}
