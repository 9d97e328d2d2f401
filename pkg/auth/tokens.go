package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/padstrap/padstrap/pkg/stores"
)

// refreshTokenName keys the encrypted refresh token in the credential store.
const refreshTokenName = "oauth_refresh_token"

// expirySkew is how close to expiry an access token may get before it is
// refreshed proactively instead of used.
const expirySkew = 30 * time.Second

// TokenManager owns the credential lifecycle. The short-lived access token
// is held in memory only and never persisted; the long-lived refresh token
// is persisted age-encrypted in the credential store.
type TokenManager struct {
	store    stores.CredentialStore
	identity *age.X25519Identity
	conf     *oauth2.Config
	log      zerolog.Logger

	mu     sync.Mutex
	access *oauth2.Token
}

// NewTokenManager creates a token manager using the age identity at
// identityPath, generating one if none exists.
func NewTokenManager(store stores.CredentialStore, identityPath string, conf *oauth2.Config, logger zerolog.Logger) (*TokenManager, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	identity, err := loadOrCreateIdentity(identityPath)
	if err != nil {
		return nil, err
	}
	return &TokenManager{
		store:    store,
		identity: identity,
		conf:     conf,
		log:      logger,
	}, nil
}

// SetSession installs a freshly obtained token set: the access token in
// memory, the refresh token encrypted at rest.
func (m *TokenManager) SetSession(ctx context.Context, tok *oauth2.Token) error {
	if tok.RefreshToken != "" {
		ciphertext, err := m.encrypt([]byte(tok.RefreshToken))
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		if err := m.store.PutCredential(ctx, refreshTokenName, ciphertext); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.access = tok
	m.mu.Unlock()
	return nil
}

// AccessToken returns a usable access token, refreshing proactively when the
// in-memory one is missing or within the expiry skew. A failed refresh
// returns ErrLoginRequired; it is never silently swallowed.
func (m *TokenManager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	access := m.access
	m.mu.Unlock()

	if access != nil && access.AccessToken != "" &&
		(access.Expiry.IsZero() || time.Until(access.Expiry) > expirySkew) {
		return access.AccessToken, nil
	}

	refreshToken, err := m.loadRefreshToken(ctx)
	if err != nil {
		return "", err
	}

	src := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.log.Warn().Str("reason", sanitizeExchangeErr(err)).Msg("Refresh failed, login required")
		return "", fmt.Errorf("%w: refresh failed", ErrLoginRequired)
	}

	if err := m.SetSession(ctx, tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Clear drops the in-memory access token and deletes the persisted refresh
// token.
func (m *TokenManager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.access = nil
	m.mu.Unlock()
	return m.store.DeleteCredential(ctx, refreshTokenName)
}

// HasRefreshToken reports whether a persisted refresh token exists.
func (m *TokenManager) HasRefreshToken(ctx context.Context) (bool, error) {
	cred, err := m.store.GetCredential(ctx, refreshTokenName)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

// loadRefreshToken decrypts the persisted refresh token.
func (m *TokenManager) loadRefreshToken(ctx context.Context) (string, error) {
	cred, err := m.store.GetCredential(ctx, refreshTokenName)
	if err != nil {
		return "", err
	}
	if cred == nil {
		return "", ErrLoginRequired
	}

	plaintext, err := m.decrypt(cred.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return string(plaintext), nil
}

func (m *TokenManager) encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, m.identity.Recipient())
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *TokenManager) decrypt(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), m.identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// loadOrCreateIdentity reads the age identity at path, generating and
// persisting a new one (0600) when absent.
func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	if path == "" {
		return nil, fmt.Errorf("identity path is required")
	}

	data, err := os.ReadFile(path)
	if err == nil {
		identity, perr := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if perr != nil {
			return nil, fmt.Errorf("failed to parse identity file: %w", perr)
		}
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write identity file: %w", err)
	}
	return identity, nil
}
