package web

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/myelo/internal/config"
)

// AdminSession is the session id of the bypass token.
const AdminSession = "admin"

const sessionKey = "session"

type credential struct {
	token   string
	session string
}

// Authenticator maps static bearer tokens to session ids.
type Authenticator struct {
	creds []credential
}

// NewAuthenticator builds an Authenticator from the auth config.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{}
	seen := map[string]bool{}
	add := func(token, session string) error {
		if token == "" {
			return nil
		}
		if seen[token] {
			return fmt.Errorf("web: duplicate token for %s", session)
		}
		seen[token] = true
		a.creds = append(a.creds, credential{token: token, session: session})
		return nil
	}
	if err := add(cfg.BypassToken, AdminSession); err != nil {
		return nil, err
	}
	for _, t := range cfg.Tokens {
		if t.User == "" {
			return nil, fmt.Errorf("web: token without user")
		}
		if err := add(t.Token, t.User); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Session returns the session id for token.
func (a *Authenticator) Session(token string) (string, bool) {
	session, ok := "", false
	for _, c := range a.creds {
		if subtle.ConstantTimeCompare([]byte(c.token), []byte(token)) == 1 {
			session, ok = c.session, true
		}
	}
	return session, ok
}

// require rejects requests without a known bearer token and stores the
// session id on the context.
func (a *Authenticator) require() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		session, ok := a.Session(strings.TrimSpace(token))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(sessionKey, session)
		c.Next()
	}
}

func sessionOf(c *gin.Context) string {
	return c.GetString(sessionKey)
}
