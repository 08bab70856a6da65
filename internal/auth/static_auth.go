package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// StaticAuthenticator is a development-only authenticator resolving
// keys from a fixed in-memory table.
type StaticAuthenticator struct {
	keys map[string]common.Address
}

// NewStaticAuthenticator builds an authenticator over a fixed
// key-to-delegatee table.
func NewStaticAuthenticator(keys map[string]common.Address) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, key string) (*CallerContext, error) {
	addr, ok := a.keys[key]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &CallerContext{KeyID: "static-" + key[:keyPrefixLen], Delegatee: addr}, nil
}
