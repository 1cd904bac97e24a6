package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when no usable token is available. The
// connection manager surfaces it as a distinct connect failure so the UI can
// prompt for login instead of showing a transport error.
var ErrUnauthenticated = errors.New("unauthenticated")

// TokenSource yields the bearer token presented on the transport dial.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// FileTokenSource reads the token from a file in the session directory.
// The auth flow that writes the file is external to this daemon.
type FileTokenSource struct {
	path string
}

// NewFileTokenSource creates a token source backed by the given file.
func NewFileTokenSource(path string) *FileTokenSource {
	return &FileTokenSource{path: path}
}

// Token reads and validates the stored token. A missing, empty, or locally
// expired token yields ErrUnauthenticated.
func (s *FileTokenSource) Token(_ context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: no token at %s", ErrUnauthenticated, s.path)
		}
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%w: token file is empty", ErrUnauthenticated)
	}
	if err := checkExpiry(token); err != nil {
		return "", err
	}
	return token, nil
}

// checkExpiry inspects a JWT's exp claim without verifying its signature;
// verification is the server's job, this only avoids dialing with a token
// that is already dead. Opaque non-JWT tokens pass through untouched.
func checkExpiry(token string) error {
	if strings.Count(token, ".") != 2 {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if time.Now().After(exp.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrUnauthenticated, exp.Time.UTC().Format(time.RFC3339))
	}
	return nil
}

// StaticTokenSource returns a TokenSource that always yields the given
// token, or ErrUnauthenticated if it is empty.
func StaticTokenSource(token string) TokenSource {
	return staticSource(token)
}

type staticSource string

func (s staticSource) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", ErrUnauthenticated
	}
	return string(s), nil
}
