// Package auth validates the bearer tokens the approval dashboard uses
// to call the HTTP surface, grounded on
// gateway/middleware/auth.go's Authenticator: HMAC-signed JWTs and a
// bypass list for unauthenticated paths. Any valid token is accepted;
// there is no per-scope authorization.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Config configures the Authenticator.
type Config struct {
	Enabled       bool
	HMACSecret    string
	Issuer        string
	Audience      string
	OptionalPaths []string
	ClockSkew     time.Duration
}

type contextKey string

const contextKeySubject contextKey = "tradectl.auth.subject"

// Authenticator validates bearer tokens on incoming requests.
type Authenticator struct {
	cfg    Config
	log    *slog.Logger
	secret []byte
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(cfg Config, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, log: log, secret: []byte(strings.TrimSpace(cfg.HMACSecret))}
}

// Middleware enforces bearer-token authentication unless the request
// path is in OptionalPaths or the Authenticator is disabled.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || a.isOptional(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := a.parseToken(tokenString)
		if err != nil {
			a.log.Warn("auth: token validation failed", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		subject, _ := claims.GetSubject()
		ctx := context.WithValue(r.Context(), contextKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Subject returns the authenticated principal from a request context,
// or "" if the request was unauthenticated.
func Subject(ctx context.Context) string {
	v, _ := ctx.Value(contextKeySubject).(string)
	return v
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithIssuer(a.cfg.Issuer), jwt.WithAudience(a.cfg.Audience))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// IssueToken mints an HMAC-signed session token for the dashboard login
// flow. Nothing in this repository calls it yet.
func IssueToken(cfg Config, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"iss": cfg.Issuer,
		"aud": cfg.Audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.HMACSecret))
}
