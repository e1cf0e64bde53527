// Package auth provides login contexts for beginning kernel transactions.
//
// MuninnDB follows the Neo4j model: when authentication is disabled every
// transaction runs under the AuthDisabled login context; when it is enabled
// a transaction can only be begun with a LoginContext obtained from a
// successful Authority.Login call.
//
// Passwords are hashed with bcrypt and never stored in clear text.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Errors for authentication operations.
var (
	ErrInvalidAuthContext = errors.New("invalid auth context")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
)

// LoginContext identifies the authenticated subject a transaction runs as.
// The zero value is not a valid context; use AuthDisabled or Authority.Login.
type LoginContext struct {
	Subject  string
	disabled bool
	valid    bool
}

// AuthDisabled is the login context used when authentication is turned off.
var AuthDisabled = LoginContext{Subject: "", disabled: true, valid: true}

// Valid reports whether this context came from AuthDisabled or a successful
// login.
func (lc LoginContext) Valid() bool {
	return lc.valid
}

// IsAuthDisabled reports whether this context bypasses authentication.
func (lc LoginContext) IsAuthDisabled() bool {
	return lc.disabled
}

// Authority verifies credentials and issues login contexts.
type Authority struct {
	mu      sync.RWMutex
	enabled bool
	users   map[string]string // username -> bcrypt hash
}

// NewAuthority creates an Authority. When enabled is false, Login always
// returns AuthDisabled and registered users are ignored.
func NewAuthority(enabled bool) *Authority {
	return &Authority{
		enabled: enabled,
		users:   make(map[string]string),
	}
}

// Enabled reports whether authentication is enforced.
func (a *Authority) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.enabled
}

// AddUser registers a user with a bcrypt-hashed password.
func (a *Authority) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.users[username]; exists {
		return ErrUserExists
	}
	a.users[username] = string(hash)
	return nil
}

// Login verifies credentials and returns a LoginContext for the user.
func (a *Authority) Login(username, password string) (LoginContext, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.enabled {
		return AuthDisabled, nil
	}

	hash, ok := a.users[username]
	if !ok {
		// Compare against a dummy hash so missing users take as long as
		// wrong passwords.
		bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"),
			[]byte(password))
		return LoginContext{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return LoginContext{}, ErrInvalidCredentials
	}
	return LoginContext{Subject: username, valid: true}, nil
}
