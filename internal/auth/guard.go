// Package auth gates admin mutations behind HTTP Basic credentials, with
// short-lived bearer tokens as an alternative once a signing secret is set.
package auth

import (
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"Freshka/pkg/kit"
)

const challenge = `Basic realm="admin", charset="UTF-8"`

// Credentials is the single admin identity. Password is compared exactly;
// PasswordHash, when set, is a bcrypt hash and takes precedence.
type Credentials struct {
	User         string
	Password     string
	PasswordHash string
}

// Guard checks admin credentials. With no user or secret configured every
// request is refused.
type Guard struct {
	creds  Credentials
	tokens *TokenMaker
}

func NewGuard(creds Credentials, tokens *TokenMaker) *Guard {
	return &Guard{creds: creds, tokens: tokens}
}

func (g *Guard) Configured() bool {
	return g != nil && g.creds.User != "" && (g.creds.Password != "" || g.creds.PasswordHash != "")
}

// CheckBasic validates the request's Basic credentials.
func (g *Guard) CheckBasic(r *http.Request) bool {
	if !g.Configured() {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(g.creds.User)) != 1 {
		return false
	}
	if g.creds.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(g.creds.PasswordHash), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(g.creds.Password)) == 1
}

func (g *Guard) checkBearer(r *http.Request) bool {
	if g == nil || g.tokens == nil {
		return false
	}
	tok, ok := kit.BearerToken(r)
	if !ok {
		return false
	}
	claims, err := g.tokens.Parse(tok)
	return err == nil && claims.Role == RoleAdmin
}

// Require lets the request through with valid Basic credentials or an admin
// bearer token, and answers 401 with a Basic challenge otherwise.
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.CheckBasic(r) || g.checkBearer(r) {
			next.ServeHTTP(w, r)
			return
		}
		Challenge(w)
	})
}

// Challenge writes the plain-text 401 carrying the Basic challenge.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
