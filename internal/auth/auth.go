// Package auth extracts and verifies signaling credentials.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prchen818/MicLink/internal/config"
)

// Principal is who a credential speaks for. Subject is empty when the
// credential is not bound to a particular user.
type Principal struct {
	Subject string
}

// Permits reports whether p may register as userID.
func (p Principal) Permits(userID string) bool {
	return p.Subject == "" || p.Subject == userID
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Server) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return noneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type noneVerifier struct{}

func (noneVerifier) Verify(string) (Principal, error) { return Principal{}, nil }

var ErrMissingCredentials = errors.New("missing credentials")

const (
	QueryParamAPIKey = "api_key"
	HeaderAPIKey     = "X-API-Key"
)

// CredentialFromRequest looks for a credential in the api_key query
// parameter, then the X-API-Key header, then an Authorization bearer token.
func CredentialFromRequest(r *http.Request) (string, error) {
	if v := strings.TrimSpace(r.URL.Query().Get(QueryParamAPIKey)); v != "" {
		return v, nil
	}
	if v := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); v != "" {
		return v, nil
	}
	if v := r.Header.Get("Authorization"); v != "" {
		scheme, token, ok := strings.Cut(strings.TrimSpace(v), " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token, nil
			}
		}
	}
	return "", ErrMissingCredentials
}

// Authenticate extracts and verifies the request's credential. With
// AuthModeNone every request passes.
func Authenticate(v Verifier, mode config.AuthMode, r *http.Request) (Principal, error) {
	if mode == config.AuthModeNone {
		return Principal{}, nil
	}
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return Principal{}, err
	}
	return v.Verify(cred)
}
