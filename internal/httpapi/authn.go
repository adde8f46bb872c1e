package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"hushfeed.org/internal/actor"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// ErrInvalidToken covers every token verification failure; callers get no
// detail about which check failed.
var ErrInvalidToken = errors.New("invalid token")

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
}

// tokenClaims carries the caller identity. Exactly one of Did or Svc is set.
type tokenClaims struct {
	Did string `json:"did,omitempty"`
	Svc string `json:"svc,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens minted by the PDS front end.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret []byte) *Authenticator {
	if len(secret) == 0 {
		return nil
	}
	return &Authenticator{secret: secret}
}

// Authenticate parses and verifies the token, returning the actor it names.
func (a *Authenticator) Authenticate(token string) (actor.Actor, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return actor.Actor{}, ErrInvalidToken
	}
	switch {
	case claims.Did != "":
		return actor.User(claims.Did), nil
	case claims.Svc != "":
		return actor.Service(claims.Svc), nil
	}
	return actor.Actor{}, ErrInvalidToken
}

// MintToken issues a signed token for the given actor; used by tests and the
// local development tooling.
func (a *Authenticator) MintToken(act actor.Actor, ttl time.Duration) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	switch act.Type {
	case actor.TypeUser:
		claims.Did = act.DID
	case actor.TypeService:
		claims.Svc = act.Name
	default:
		return "", errors.New("actor type is required")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// withAuth rejects requests without a valid bearer token and places the
// authenticated actor on the context. Skipped entirely when no secret is
// configured (local development).
func (api *API) withAuth(next http.Handler) http.Handler {
	if api.authn == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		act, err := api.authn.Authenticate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(actor.ContextWithActor(r.Context(), act)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
