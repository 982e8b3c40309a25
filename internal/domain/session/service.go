package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/exp/slog"
)

const (
	issuer     = "possync"
	DefaultTTL = 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptyUserID  = errors.New("user id is required")
)

type Servicer interface {
	Create(ctx context.Context, userID string) (string, error)
	Validate(ctx context.Context, token string) (string, error)
}

// Claims набор claims токена доступа; идентификатор пользователя хранится в sub
type Claims struct {
	jwt.RegisteredClaims
}

// Service выпускает и проверяет токены HS256.
// Выдача токенов пользователям вне этого сервиса; Create нужен для локальной разработки и тестов
type Service struct {
	secret []byte
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time
}

func NewService(secret string, ttl time.Duration, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		secret: []byte(secret),
		ttl:    ttl,
		log:    log.With("component", "session_service"),
		now:    time.Now,
	}
}

func (s *Service) Create(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}

	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

func (s *Service) Validate(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		s.log.Debug("token rejected", "error", err)
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
