// Package service implements account management and session tokens.
package service

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/afkfleet/afkfleet-backend/internal/auth/domain"
	"github.com/afkfleet/afkfleet-backend/internal/store"
)

const tokenTTL = 24 * time.Hour

// Service verifies credentials, issues and validates session tokens, and
// answers quota and admin questions for the supervisor and the HTTP layer.
type Service struct {
	store  *store.Store
	secret []byte
	quota  int
	admins map[string]bool
}

func New(st *store.Store, secret string, maxProjectsPerUser int, adminUsers []string) *Service {
	admins := make(map[string]bool, len(adminUsers))
	for _, name := range adminUsers {
		admins[name] = true
	}
	return &Service{
		store:  st,
		secret: []byte(secret),
		quota:  maxProjectsPerUser,
		admins: admins,
	}
}

// CreateUser registers an account. Only the bcrypt hash of the password is
// ever stored.
func (s *Service) CreateUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.CreateUser(username, string(hash), time.Now())
}

// Authenticate checks the credentials and issues a signed 24h token bound to
// the username. The bcrypt comparison runs even for unknown users so both
// failure paths cost the same.
func (s *Service) Authenticate(username, password string) (string, error) {
	hash, _ := s.store.Credential(username)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", domain.ErrInvalidCredentials
	}

	now := time.Now()
	claims := domain.Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// VerifyToken returns the claims for a valid, unexpired token, or nil.
func (s *Service) VerifyToken(tokenString string) *domain.Claims {
	claims := &domain.Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid || claims.Username == "" {
		return nil
	}
	return claims
}

// CanCreateMore reports whether the user is below the per-user project quota.
func (s *Service) CanCreateMore(username string) bool {
	if !s.store.HasUser(username) {
		return false
	}
	return s.store.ProjectCount(username) < s.quota
}

// Limit returns the configured per-user project quota.
func (s *Service) Limit() int {
	return s.quota
}

// IsAdmin reports whether the username is on the configured admin list.
func (s *Service) IsAdmin(username string) bool {
	return s.admins[username]
}
