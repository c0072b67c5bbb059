package domain

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrUserExists         = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// User is the durable account record in users.json. Password holds a legacy
// plaintext credential from old records; the store rehashes it into
// PasswordHash on load and never writes it back.
type User struct {
	PasswordHash string          `json:"passwordHash,omitempty"`
	Password     string          `json:"password,omitempty"`
	Projects     map[string]bool `json:"projects"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Claims is the JWT payload issued on login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}
