package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin is the role required for privileged control actions.
const RoleAdmin = "admin"

// AdminClaims are the JWT claims expected on privileged requests.
type AdminClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// AdminAuth validates HS256 bearer tokens.
type AdminAuth struct {
	secret []byte
}

// NewAdminAuth returns a validator for secret. An empty secret rejects every
// token.
func NewAdminAuth(secret string) *AdminAuth {
	return &AdminAuth{secret: []byte(secret)}
}

// IssueAdminToken signs an admin token for subject that expires after ttl.
func IssueAdminToken(secret, subject string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("api: admin secret not configured")
	}
	if subject == "" {
		return "", errors.New("api: subject required")
	}
	now := time.Now()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: RoleAdmin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Validate parses tokenStr and checks the signature, expiry and role.
func (a *AdminAuth) Validate(tokenStr string) (*AdminClaims, error) {
	if a == nil || len(a.secret) == 0 {
		return nil, errors.New("validator uninitialized")
	}
	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Role != RoleAdmin {
		return nil, errors.New("admin role required")
	}
	return claims, nil
}

type actorKey struct{}

// actorFrom returns the authenticated subject, or fallback when the request
// was not authenticated.
func actorFrom(ctx context.Context, fallback string) string {
	if s, ok := ctx.Value(actorKey{}).(string); ok && s != "" {
		return s
	}
	return fallback
}

// RequireAdmin rejects requests without a valid admin bearer token. It fails
// closed when no secret is configured.
func (a *AdminAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := a.authenticate(w, r)
		if !ok {
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *AdminAuth) authenticate(w http.ResponseWriter, r *http.Request) (*AdminClaims, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeProblem(w, r, http.StatusUnauthorized, CodeUnauthorized, "missing Authorization header")
		return nil, false
	}
	scheme, tokenStr, found := strings.Cut(header, " ")
	if !found || scheme != "Bearer" {
		writeProblem(w, r, http.StatusUnauthorized, CodeUnauthorized, "expected 'Bearer <token>'")
		return nil, false
	}
	if a == nil || len(a.secret) == 0 {
		writeProblem(w, r, http.StatusUnauthorized, CodeUnauthorized, "authentication not configured")
		return nil, false
	}
	claims, err := a.Validate(tokenStr)
	if err != nil {
		writeProblem(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid or expired token")
		return nil, false
	}
	if claims.Subject == "" {
		writeProblem(w, r, http.StatusUnauthorized, CodeUnauthorized, "token subject is required")
		return nil, false
	}
	return claims, true
}
