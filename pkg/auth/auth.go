package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing join token")
	ErrInvalidToken = errors.New("invalid join token")
)

// JoinToken admits workers to one cluster. Only the bcrypt hash is kept; the
// plain token is handed to the workers at launch.
type JoinToken struct {
	hash []byte

	mu       sync.Mutex
	accepted string
}

// NewJoinToken generates a random token and returns it with its verifier
func NewJoinToken() (string, *JoinToken, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash token: %w", err)
	}
	return token, &JoinToken{hash: hash}, nil
}

// Validate checks token against the hash. After the first match the token is
// compared in constant time instead of re-running bcrypt on every heartbeat.
func (t *JoinToken) Validate(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accepted != "" {
		if SecureCompare(t.accepted, token) {
			return nil
		}
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(t.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	t.accepted = token
	return nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
