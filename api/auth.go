/*
auth.go - Bearer token authentication

PURPOSE:
  Every /api route runs behind Authenticator.Middleware. The token's
  subject becomes the caller id and its role claim the caller role; the
  handlers never look either up. Only HS256 tokens are accepted.

CLAIMS:
  sub   caller id (subscriber, provider, admin or hr user id)
  role  subscriber | provider | admin | hr
  iss   checked when Authenticator.Issuer is set
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/warp/session-ledger/booking"
)

var ErrUnauthenticated = errors.New("missing or invalid bearer token")

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Authenticator struct {
	Secret []byte
	Issuer string
	Now    func() time.Time
}

func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{Secret: []byte(secret), Issuer: issuer}
}

// IssueToken signs a token for subject with the given role.
func (a *Authenticator) IssueToken(subject string, role booking.Role, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse validates a raw token and returns the caller it names.
func (a *Authenticator) Parse(raw string) (booking.Caller, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.Issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return booking.Caller{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	caller := booking.Caller{ID: claims.Subject, Role: booking.Role(claims.Role)}
	if caller.ID == "" || !caller.Role.Valid() {
		return booking.Caller{}, fmt.Errorf("%w: subject and a known role are required", ErrUnauthenticated)
	}
	return caller, nil
}

// Middleware rejects requests without a valid bearer token and stores the caller in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", nil)
			return
		}
		caller, err := a.Parse(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

type callerKey struct{}

func WithCaller(ctx context.Context, c booking.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (booking.Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(booking.Caller)
	return c, ok && c.ID != ""
}
