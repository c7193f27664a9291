package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type contextKey string

const UsernameContextKey = contextKey("username")

var ErrNoIdentity = errors.New("no identity supplied")

// IdentityProvider resolves the authenticated username of a request.
type IdentityProvider interface {
	Username(r *http.Request) (string, error)
}

// Claims is the token payload issued by the login service.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username,omitempty"`
}

// JWTProvider accepts HS256 tokens from the Authorization header, the token
// query parameter or the token cookie. Browsers cannot set headers on a
// websocket handshake, hence the fallbacks.
type JWTProvider struct {
	Secret []byte
}

func (p JWTProvider) Username(r *http.Request) (string, error) {
	tokenString, err := bearerToken(r)
	if err != nil {
		return "", err
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.Secret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}

	if claims.Username != "" {
		return claims.Username, nil
	}
	if claims.Subject != "" {
		return claims.Subject, nil
	}
	return "", errors.New("token carries no username")
}

func bearerToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return "", errors.New("authorization header format must be Bearer {token}")
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return "", ErrNoIdentity
}

// HeaderProvider trusts a header set by an authenticating reverse proxy.
type HeaderProvider struct {
	Header string
}

func (p HeaderProvider) Username(r *http.Request) (string, error) {
	username := strings.TrimSpace(r.Header.Get(p.Header))
	if username == "" {
		return "", ErrNoIdentity
	}
	return username, nil
}

// Identity rejects requests without a resolvable username and stores it in
// the request context otherwise.
func Identity(provider IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, err := provider.Username(r)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"path":  r.URL.Path,
					"error": err,
				}).Debug("Rejected unauthenticated request")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "authentication required"})
				return
			}

			ctx := WithUsername(r.Context(), username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, UsernameContextKey, username)
}

// Username returns the identity bound by Identity, or "".
func Username(ctx context.Context) string {
	username, _ := ctx.Value(UsernameContextKey).(string)
	return username
}
