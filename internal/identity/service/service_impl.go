package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/identity/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Repo   domain.Repository
	Config config.Config
	Log    *zap.Logger
}

type Service struct {
	repo   domain.Repository
	secret []byte
	log    *zap.Logger
}

func NewService(p Params) domain.Service {
	return &Service{
		repo:   p.Repo,
		secret: []byte(strings.TrimSpace(p.Config.AuthJWTSecret)),
		log:    p.Log.Named("identity.service"),
	}
}

// Claims carried by storefront session tokens.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

func (s *Service) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrMissingToken
	}
	if len(s.secret) == 0 {
		return nil, domain.ErrTokenNotEnabled
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return nil, domain.ErrInvalidToken
	}

	return s.ActiveUser(ctx, claims.UserID)
}

func (s *Service) ActiveUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.repo.FindUser(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrUserNotFound) {
			s.log.Error("load user failed", zap.String("user_id", id), zap.Error(err))
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, domain.ErrUserInactive
	}
	return user, nil
}

// IssueToken signs a token for userID. Used by the CLI and tests.
func IssueToken(secret, userID string, claims jwt.RegisteredClaims) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", domain.ErrTokenNotEnabled
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: userID, RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}
