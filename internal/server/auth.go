package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AuthConfig holds the shared API credential. TokenHash is a bcrypt hash of
// the token and wins over Token when both are set. With neither set the API
// is open, which is only meant for local development.
type AuthConfig struct {
	Token     string
	TokenHash string
}

type tokenGate struct {
	token []byte
	hash  []byte
}

func newTokenGate(cfg AuthConfig) (tokenGate, error) {
	if hash := strings.TrimSpace(cfg.TokenHash); hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return tokenGate{}, fmt.Errorf("parse api token hash: %w", err)
		}
		return tokenGate{hash: []byte(hash)}, nil
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		return tokenGate{token: []byte(token)}, nil
	}
	return tokenGate{}, nil
}

func (g tokenGate) enabled() bool {
	return len(g.hash) > 0 || len(g.token) > 0
}

func (g tokenGate) verify(presented string) bool {
	if presented == "" {
		return false
	}
	if len(g.hash) > 0 {
		return bcrypt.CompareHashAndPassword(g.hash, []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare(g.token, []byte(presented)) == 1
}

var errMissingToken = errors.New("missing bearer token")

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errors.New("authorization header must be a bearer token")
	}
	return strings.TrimSpace(token), nil
}

// authMiddleware guards /api/ routes. Health, metrics and mounted handlers
// stay open.
func authMiddleware(gate tokenGate, next http.Handler) http.Handler {
	if !gate.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}
		token, err := bearerToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="reelhouse"`)
			writeMiddlewareError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !gate.verify(token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="reelhouse", error="invalid_token"`)
			writeMiddlewareError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
