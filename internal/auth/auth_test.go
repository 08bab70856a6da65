package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var delegatee = common.HexToAddress("0x3000000000000000000000000000000000000003")

func TestExtractBearerKey(t *testing.T) {
	newReq := func(header string) *http.Request {
		r, _ := http.NewRequest(http.MethodPost, "/v1/authorize", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		return r
	}

	if _, err := ExtractBearerKey(newReq("")); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("missing header: got %v", err)
	}
	if _, err := ExtractBearerKey(newReq("Bearer tok_wrongprefix")); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("wrong prefix: got %v", err)
	}
	if _, err := ExtractBearerKey(newReq("Bearer dwk")); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("too short: got %v", err)
	}
	key, err := ExtractBearerKey(newReq("Bearer dwk_abcdef123456"))
	if err != nil || key != "dwk_abcdef123456" {
		t.Errorf("got %q, %v", key, err)
	}
}

// countingKeyStore serves one key row and counts lookups.
type countingKeyStore struct {
	row     *keyRow
	err     error
	lookups int
}

func (s *countingKeyStore) LookupByPrefix(_ context.Context, prefix string) (*keyRow, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	if s.row == nil {
		return nil, ErrUnauthenticated
	}
	return s.row, nil
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestPostgresAuthenticator(t *testing.T) {
	const key = "dwk_agent_key_0001"
	store := &countingKeyStore{row: &keyRow{
		KeyID:            "key-1",
		KeyHash:          hashKey(t, key),
		DelegateeAddress: delegatee.Hex(),
	}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	caller, err := a.Authenticate(context.Background(), key)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if caller.Delegatee != delegatee || caller.KeyID != "key-1" {
		t.Fatalf("caller = %+v", caller)
	}

	// Second call is served from cache.
	if _, err := a.Authenticate(context.Background(), key); err != nil {
		t.Fatal(err)
	}
	if store.lookups != 1 {
		t.Errorf("lookups = %d, want 1 (cache hit expected)", store.lookups)
	}
}

func TestPostgresAuthenticatorRejectsWrongKey(t *testing.T) {
	store := &countingKeyStore{row: &keyRow{
		KeyID:            "key-1",
		KeyHash:          hashKey(t, "dwk_the_real_key"),
		DelegateeAddress: delegatee.Hex(),
	}}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), "dwk_some_other_key"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestPostgresAuthenticatorUnknownPrefix(t *testing.T) {
	store := &countingKeyStore{err: ErrUnauthenticated}
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	if _, err := a.Authenticate(context.Background(), "dwk_unknown_key"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator(map[string]common.Address{
		"dwk_dev_key_1": delegatee,
	})
	caller, err := a.Authenticate(context.Background(), "dwk_dev_key_1")
	if err != nil {
		t.Fatal(err)
	}
	if caller.Delegatee != delegatee {
		t.Fatalf("caller = %+v", caller)
	}
	if _, err := a.Authenticate(context.Background(), "dwk_other_key"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestAuthCacheStaleWhileRevalidate(t *testing.T) {
	c := NewAuthCache(10 * time.Millisecond)
	caller := &CallerContext{KeyID: "key-1", Delegatee: delegatee}
	c.Set("dwk_k", caller)

	if got := c.Get("dwk_k"); !got.Hit || got.NeedsRefresh {
		t.Fatalf("fresh entry: %+v", got)
	}

	time.Sleep(20 * time.Millisecond)
	first := c.Get("dwk_k")
	if !first.Hit || !first.NeedsRefresh {
		t.Fatalf("stale entry should hit and request refresh: %+v", first)
	}
	// Only one caller wins the refresh.
	if second := c.Get("dwk_k"); second.NeedsRefresh {
		t.Fatalf("second stale read must not also refresh: %+v", second)
	}

	c.Delete("dwk_k")
	if got := c.Get("dwk_k"); got.Hit {
		t.Fatal("entry survived delete")
	}
}
