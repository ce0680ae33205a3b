/*
auth.go - Branch login and session tokens

PURPOSE:
  Every branch shares one password. Logging in issues an HS256 token that
  carries the branch code; every data route reads the branch from it, so a
  session only ever sees one branch.

PASSWORDS:
  A configured value starting with "$2" is a bcrypt hash. Anything else is
  compared as plain text in constant time. A branch without a configured
  password admits any password and logs a warning.

SEE ALSO:
  - server.go: where RequireBranch wraps the data routes
*/
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnknownBranch  = errors.New("unknown branch")
	ErrBadCredentials = errors.New("invalid branch password")
	ErrUnauthorized   = errors.New("missing or invalid token")
)

// BranchClaims are the claims of a session token.
type BranchClaims struct {
	Branch string `json:"branch"`
	jwt.RegisteredClaims
}

// Authenticator checks branch passwords and issues tokens.
type Authenticator struct {
	secret    []byte
	ttl       time.Duration
	branches  map[string]string
	passwords map[string]string
	log       *zap.Logger
	now       func() time.Time
}

// NewAuthenticator creates an Authenticator. branches maps code to display
// name; passwords maps code to a bcrypt hash or plain secret.
func NewAuthenticator(secret string, ttl time.Duration, branches, passwords map[string]string, log *zap.Logger) *Authenticator {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{
		secret:    []byte(secret),
		ttl:       ttl,
		branches:  branches,
		passwords: passwords,
		log:       log,
		now:       time.Now,
	}
}

// Login checks password for branch and returns a signed token.
func (a *Authenticator) Login(branch, password string) (string, time.Time, error) {
	if _, ok := a.branches[branch]; !ok {
		return "", time.Time{}, errors.Wrapf(ErrUnknownBranch, "%q", branch)
	}
	if !a.checkPassword(branch, password) {
		a.log.Warn("branch login rejected", zap.String("branch", branch))
		return "", time.Time{}, ErrBadCredentials
	}

	now := a.now()
	expires := now.Add(a.ttl)
	claims := BranchClaims{
		Branch: branch,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   branch,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return token, expires, nil
}

func (a *Authenticator) checkPassword(branch, password string) bool {
	want, ok := a.passwords[branch]
	if !ok || want == "" {
		a.log.Warn("branch has no password configured, admitting", zap.String("branch", branch))
		return true
	}
	if strings.HasPrefix(want, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1
}

// Verify parses a token and returns its branch.
func (a *Authenticator) Verify(raw string) (string, error) {
	claims := &BranchClaims{}
	parser := jwt.Parser{ValidMethods: []string{jwt.SigningMethodHS256.Alg()}}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", errors.Wrap(ErrUnauthorized, err.Error())
	}
	if _, ok := a.branches[claims.Branch]; !ok {
		return "", errors.Wrapf(ErrUnauthorized, "unknown branch %q", claims.Branch)
	}
	return claims.Branch, nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type ctxKey struct{}

// RequireBranch rejects requests without a valid bearer token and stores the
// token's branch in the request context.
func (a *Authenticator) RequireBranch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required", ErrUnauthorized)
			return
		}
		branch, err := a.Verify(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Authentication required", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, branch)))
	})
}

// BranchFrom returns the branch stored by RequireBranch.
func BranchFrom(ctx context.Context) string {
	b, _ := ctx.Value(ctxKey{}).(string)
	return b
}
