package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/padstrap/padstrap/pkg/stores"
)

// memCredentials is an in-memory credential store.
type memCredentials struct {
	mu    sync.Mutex
	creds map[string][]byte
}

func newMemCredentials() *memCredentials {
	return &memCredentials{creds: make(map[string][]byte)}
}

func (m *memCredentials) PutCredential(_ context.Context, name string, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[name] = ciphertext
	return nil
}

func (m *memCredentials) GetCredential(_ context.Context, name string) (*stores.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.creds[name]
	if !ok {
		return nil, nil
	}
	return &stores.Credential{Name: name, Ciphertext: ct, UpdatedAt: time.Now().UTC()}, nil
}

func (m *memCredentials) DeleteCredential(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, name)
	return nil
}

func (m *memCredentials) raw(name string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[name]
}

func newTestTokenManager(t *testing.T, store stores.CredentialStore, tokenURL string) *TokenManager {
	t.Helper()

	conf := &oauth2.Config{
		ClientID: "padstrap-cli",
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
	tm, err := NewTokenManager(store, filepath.Join(t.TempDir(), "identity.age"), conf, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create token manager: %v", err)
	}
	return tm
}

func TestSetSessionEncryptsRefreshTokenAtRest(t *testing.T) {
	store := newMemCredentials()
	tm := newTestTokenManager(t, store, "https://token.example.com/token")

	ctx := context.Background()
	err := tm.SetSession(ctx, &oauth2.Token{
		AccessToken:  "plain-access",
		RefreshToken: "plain-refresh-token-value",
		Expiry:       time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("set session failed: %v", err)
	}

	ct := store.raw(refreshTokenName)
	if ct == nil {
		t.Fatal("refresh token not persisted")
	}
	if bytes.Contains(ct, []byte("plain-refresh-token-value")) {
		t.Error("refresh token stored in plaintext")
	}

	// The access token stays in memory; it must not be in the store at all.
	for name, v := range store.creds {
		if bytes.Contains(v, []byte("plain-access")) {
			t.Errorf("access token found in persisted credential %q", name)
		}
	}

	got, err := tm.loadRefreshToken(ctx)
	if err != nil {
		t.Fatalf("load refresh token failed: %v", err)
	}
	if got != "plain-refresh-token-value" {
		t.Errorf("decrypted refresh token %q does not round-trip", got)
	}
}

func TestAccessTokenServedFromMemory(t *testing.T) {
	tm := newTestTokenManager(t, newMemCredentials(), "https://token.example.com/token")

	ctx := context.Background()
	if err := tm.SetSession(ctx, &oauth2.Token{
		AccessToken: "in-memory-access",
		Expiry:      time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("set session failed: %v", err)
	}

	got, err := tm.AccessToken(ctx)
	if err != nil {
		t.Fatalf("access token failed: %v", err)
	}
	if got != "in-memory-access" {
		t.Errorf("expected in-memory token, got %q", got)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad refresh request: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "refresh_token" {
			t.Errorf("expected refresh_token grant, got %q", got)
		}
		if got := r.Form.Get("refresh_token"); got != "stored-refresh" {
			t.Errorf("unexpected refresh token %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "refreshed-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer ts.Close()

	tm := newTestTokenManager(t, newMemCredentials(), ts.URL)

	ctx := context.Background()
	if err := tm.SetSession(ctx, &oauth2.Token{
		AccessToken:  "nearly-expired",
		RefreshToken: "stored-refresh",
		Expiry:       time.Now().Add(5 * time.Second),
	}); err != nil {
		t.Fatalf("set session failed: %v", err)
	}

	got, err := tm.AccessToken(ctx)
	if err != nil {
		t.Fatalf("access token failed: %v", err)
	}
	if got != "refreshed-access" {
		t.Errorf("expected refreshed token, got %q", got)
	}
}

func TestAccessTokenWithoutSessionRequiresLogin(t *testing.T) {
	tm := newTestTokenManager(t, newMemCredentials(), "https://token.example.com/token")

	_, err := tm.AccessToken(context.Background())
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}
}

func TestAccessTokenFailedRefreshRequiresLogin(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer ts.Close()

	tm := newTestTokenManager(t, newMemCredentials(), ts.URL)

	ctx := context.Background()
	if err := tm.SetSession(ctx, &oauth2.Token{
		RefreshToken: "revoked-refresh",
	}); err != nil {
		t.Fatalf("set session failed: %v", err)
	}

	_, err := tm.AccessToken(ctx)
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("expected ErrLoginRequired, got %v", err)
	}
}

func TestClearDropsBothTokens(t *testing.T) {
	store := newMemCredentials()
	tm := newTestTokenManager(t, store, "https://token.example.com/token")

	ctx := context.Background()
	if err := tm.SetSession(ctx, &oauth2.Token{
		AccessToken:  "live-access",
		RefreshToken: "stored-refresh",
	}); err != nil {
		t.Fatalf("set session failed: %v", err)
	}

	if err := tm.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	has, err := tm.HasRefreshToken(ctx)
	if err != nil {
		t.Fatalf("has refresh token failed: %v", err)
	}
	if has {
		t.Error("refresh token survived clear")
	}
	if _, err := tm.AccessToken(ctx); !errors.Is(err, ErrLoginRequired) {
		t.Errorf("expected ErrLoginRequired after clear, got %v", err)
	}
}

func TestIdentityFileIsReused(t *testing.T) {
	store := newMemCredentials()
	path := filepath.Join(t.TempDir(), "identity.age")
	conf := &oauth2.Config{ClientID: "padstrap-cli"}

	first, err := NewTokenManager(store, path, conf, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create first manager: %v", err)
	}

	ctx := context.Background()
	if err := first.SetSession(ctx, &oauth2.Token{RefreshToken: "persisted-refresh"}); err != nil {
		t.Fatalf("set session failed: %v", err)
	}

	// A second manager over the same identity file must decrypt what the
	// first one wrote.
	second, err := NewTokenManager(store, path, conf, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create second manager: %v", err)
	}
	got, err := second.loadRefreshToken(ctx)
	if err != nil {
		t.Fatalf("load refresh token failed: %v", err)
	}
	if got != "persisted-refresh" {
		t.Errorf("decrypted %q, expected %q", got, "persisted-refresh")
	}
}
