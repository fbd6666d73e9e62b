package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Options configures the single API user
type Options struct {
	Enabled   bool
	Username  string
	Password  string // plaintext or a bcrypt hash
	JWTSecret string // random per process when empty
	TokenTTL  time.Duration
}

// Authenticator checks the API user's credentials and issues tokens
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthenticator creates an authenticator. Enabling auth without a password is an error.
func NewAuthenticator(opts Options) (*Authenticator, error) {
	if opts.Username == "" {
		opts.Username = "admin"
	}

	a := &Authenticator{enabled: opts.Enabled, username: opts.Username}
	if !opts.Enabled {
		return a, nil
	}
	if opts.Password == "" {
		return nil, errors.New("auth is enabled but no password is set")
	}

	if isBcryptHash(opts.Password) {
		a.passwordHash = []byte(opts.Password)
	} else {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		a.passwordHash = hash
	}

	jwtManager, err := NewJWTManager(opts.JWTSecret, opts.TokenTTL)
	if err != nil {
		return nil, err
	}
	a.jwtManager = jwtManager

	slog.Info("api authentication enabled", "component", "Auth", "username", opts.Username, "token_ttl", jwtManager.Expiry())
	return a, nil
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a JWT and its expiry as unix seconds
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}

	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtManager.GenerateToken(username)
	if err != nil {
		return "", 0, err
	}

	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	if !a.enabled {
		return nil, ErrAuthDisabled
	}
	return a.jwtManager.ValidateToken(token)
}

// HashPassword creates a bcrypt hash of a password, for storing in the config file
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isBcryptHash(s string) bool {
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}
