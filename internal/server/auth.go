package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/cipher982/zerg/internal/service"
)

// identity is the authenticated principal attached to request contexts.
type identity struct {
	OwnerID string
	Role    service.Role
}

type identityKey struct{}

func identityFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity)
	return id, ok
}

// devIdentity is used when auth is disabled (development only).
var devIdentity = identity{OwnerID: "dev", Role: service.RoleAdmin}

// jwtMiddleware validates the bearer token and attaches the identity.
func (s *Server) jwtMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := s.authenticate(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized: "+err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// authenticate resolves the request's identity from the Authorization
// header or, for WebSocket upgrades, the token query parameter.
func (s *Server) authenticate(r *http.Request) (identity, error) {
	if s.auth.Disabled {
		return devIdentity, nil
	}

	raw := ""
	if auth := r.Header.Get("Authorization"); auth != "" {
		raw = strings.TrimPrefix(auth, "Bearer ")
		if raw == auth {
			return identity{}, fmt.Errorf("malformed authorization header")
		}
	} else if token := r.URL.Query().Get("token"); token != "" {
		raw = token
	}

	if raw == "" {
		return identity{}, fmt.Errorf("missing token")
	}

	token, err := jwt.Parse([]byte(raw),
		jwt.WithKey(jwa.HS256, []byte(s.auth.JWTSecret)),
		jwt.WithValidate(true),
	)
	if err != nil {
		return identity{}, fmt.Errorf("invalid token")
	}

	id := identity{OwnerID: token.Subject(), Role: service.RoleUser}
	if role, ok := token.Get("role"); ok {
		if roleStr, ok := role.(string); ok && service.Role(roleStr) == service.RoleAdmin {
			id.Role = service.RoleAdmin
		}
	}
	if id.OwnerID == "" {
		return identity{}, fmt.Errorf("token has no subject")
	}

	return id, nil
}

// googleJWKSURL serves the certificates that sign Pub/Sub push OIDC
// tokens.
const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const googleIssuer = "https://accounts.google.com"

// validatePubSubOIDC verifies the Pub/Sub push bearer token: Google
// issuer, RS256 signature against Google's JWKS, and the configured
// audience.
func (s *Server) validatePubSubOIDC(ctx context.Context, r *http.Request) error {
	auth := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(auth, "Bearer ")
	if raw == "" || raw == auth {
		return fmt.Errorf("missing bearer token")
	}

	keySet, err := jwk.Fetch(ctx, googleJWKSURL)
	if err != nil {
		return fmt.Errorf("fetch google jwks: %w", err)
	}

	_, err = jwt.Parse([]byte(raw),
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
		jwt.WithIssuer(googleIssuer),
		jwt.WithAudience(s.pubsubAudience),
	)
	if err != nil {
		return fmt.Errorf("invalid oidc token: %w", err)
	}

	return nil
}
