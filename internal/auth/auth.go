// Package auth defines the credential verifier contract consumed by the
// connection engine. The engine treats verification as opaque: credentials
// go in, a Principal comes out or the attempt fails.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidUsername    = errors.New("invalid username")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,32}$`)

func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// Principal is the authenticated identity bound to a connection.
type Principal struct {
	Username string
	Token    string
	IssuedAt time.Time
}

// Verifier turns credentials into a Principal. Implementations decide what a
// credential means; the engine only reacts to success or failure.
type Verifier interface {
	Verify(ctx context.Context, username, password string) (Principal, error)
}

// StaticVerifier authenticates against a fixed user table. Tokens are issued
// per login and accepted for re-authentication while the entry lives.
type StaticVerifier struct {
	mu     sync.Mutex
	users  map[string]string
	tokens map[string]string
}

func NewStaticVerifier(users map[string]string) *StaticVerifier {
	copied := make(map[string]string, len(users))
	for u, p := range users {
		copied[u] = p
	}
	return &StaticVerifier{users: copied, tokens: make(map[string]string)}
}

func (v *StaticVerifier) Verify(ctx context.Context, username, password string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, err
	}
	if !ValidUsername(username) {
		return Principal{}, ErrInvalidUsername
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	want, ok := v.users[username]
	if tok, tokOK := v.tokens[username]; tokOK && subtle.ConstantTimeCompare([]byte(tok), []byte(password)) == 1 {
		return v.issueLocked(username), nil
	}
	if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	return v.issueLocked(username), nil
}

func (v *StaticVerifier) issueLocked(username string) Principal {
	token := NewToken()
	v.tokens[username] = token
	return Principal{Username: username, Token: token, IssuedAt: time.Now()}
}

// NewToken issues an opaque 128-bit session token as 32 hex characters.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
