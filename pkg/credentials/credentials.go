// Package credentials supplies the access token and username used to
// authenticate against the job platform, and signals when they change.
package credentials

import (
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Storage keys observed by change notifications.
const (
	KeyAccessToken = "accessToken"
	KeyUsername    = "username"
)

// Source reads the current credentials. A value is reported present only when
// it is non-empty after trimming.
type Source interface {
	AccessToken() (string, bool)
	Username() (string, bool)
}

// Change describes one credential value changing in storage. An empty
// NewValue means the value was removed.
type Change struct {
	Key      string `json:"key"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// Material reports whether the change alters the value after trimming.
func (c Change) Material() bool {
	return strings.TrimSpace(c.OldValue) != strings.TrimSpace(c.NewValue)
}

func present(v string) (string, bool) {
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Static is a Source with values fixed in memory. Its values can be replaced
// with Set, which is safe for concurrent use.
type Static struct {
	mu       sync.RWMutex
	token    string
	username string
}

// NewStatic returns a Static source.
func NewStatic(token, username string) *Static {
	return &Static{token: token, username: username}
}

// AccessToken implements Source.
func (s *Static) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return present(s.token)
}

// Username implements Source.
func (s *Static) Username() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return present(s.username)
}

// Set replaces both values and returns the resulting changes.
func (s *Static) Set(token, username string) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changes []Change
	if token != s.token {
		changes = append(changes, Change{Key: KeyAccessToken, OldValue: s.token, NewValue: token})
	}
	if username != s.username {
		changes = append(changes, Change{Key: KeyUsername, OldValue: s.username, NewValue: username})
	}
	s.token, s.username = token, username
	return changes
}

type tokenSubject struct {
	Source
}

// WithTokenSubject wraps src so that, when no username is stored, the username
// is taken from the access token's claims. The token signature is not
// verified; the broker does that.
func WithTokenSubject(src Source) Source {
	return tokenSubject{Source: src}
}

func (t tokenSubject) Username() (string, bool) {
	if name, ok := t.Source.Username(); ok {
		return name, true
	}
	token, ok := t.Source.AccessToken()
	if !ok {
		return "", false
	}
	return SubjectFromToken(token)
}

// SubjectFromToken returns the preferred_username, username or sub claim of
// a JWT, in that order of preference.
func SubjectFromToken(token string) (string, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	for _, claim := range []string{"preferred_username", "username"} {
		if v, ok := claims[claim].(string); ok {
			if name, ok := present(v); ok {
				return name, true
			}
		}
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", false
	}
	return present(sub)
}
