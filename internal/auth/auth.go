// Package auth authenticates the execution context's claimed caller
// before the authorization engine trusts it. Callers present dwk_
// bearer keys; an authenticator resolves a key to the delegatee address
// it was issued for.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Authenticator resolves a bearer key to its caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, key string) (*CallerContext, error)
}

// CallerContext is the authenticated identity behind a request: the
// delegatee address the key was issued for. The engine treats this as
// its one trusted input and re-verifies everything else.
type CallerContext struct {
	KeyID     string
	Delegatee common.Address
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// keyPrefixLen is how many leading key characters index the key table.
const keyPrefixLen = 8

// ExtractBearerKey pulls a dwk_ key from an Authorization header.
func ExtractBearerKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrUnauthenticated
	}
	key := strings.TrimPrefix(header, "Bearer ")
	key = strings.TrimPrefix(key, "bearer ")
	if !strings.HasPrefix(key, "dwk_") || len(key) < keyPrefixLen {
		return "", ErrUnauthenticated
	}
	return key, nil
}
