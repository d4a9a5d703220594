// Package auth validates inbound connection credentials and yields a stable
// user identity before any session resources are allocated.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/voicebridge/relay/pkg/gateway/config"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Authenticator struct {
	mode      config.AuthMode
	jwtSecret []byte
}

func New(cfg config.Config) *Authenticator {
	a := &Authenticator{mode: cfg.AuthMode}
	if cfg.JWTSecret != "" {
		a.jwtSecret = []byte(cfg.JWTSecret)
	}
	return a
}

// Authenticate resolves the inbound handshake's credential material to a user
// identity. The credential may arrive as an Authorization bearer header or a
// "token" query parameter. An absent credential maps to a fresh anonymous
// identity unless the auth mode requires one.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	token, ok := credentialFrom(r)
	if !ok {
		if a.mode == config.AuthModeRequired {
			return "", fmt.Errorf("missing credential: %w", ErrUnauthenticated)
		}
		return anonymousID(), nil
	}

	if a.mode == config.AuthModeDisabled {
		// Credentials are ignored entirely; every connection is anonymous.
		return anonymousID(), nil
	}

	if len(a.jwtSecret) > 0 {
		return a.verifyJWT(token)
	}
	return token, nil
}

func (a *Authenticator) verifyJWT(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", ErrUnauthenticated)
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return "", fmt.Errorf("token has no subject: %w", ErrUnauthenticated)
	}
	return sub, nil
}

// credentialFrom extracts the raw credential from the handshake request. The
// Authorization header wins over the token query parameter.
func credentialFrom(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		return "", false
	}
	return token, true
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func anonymousID() string {
	return "anonymous-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
