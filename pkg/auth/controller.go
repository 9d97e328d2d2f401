// Package auth implements the OAuth2 PKCE login flow with a loopback
// redirect listener, plus the token lifecycle: the access token lives in
// memory only, the refresh token is persisted encrypted at rest.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/padstrap/padstrap/pkg/telemetry"
)

// DefaultLoginTimeout bounds the wait for the authorization redirect.
const DefaultLoginTimeout = 120 * time.Second

// DefaultGracePeriod is how long after a foreground return the controller
// keeps waiting before treating the flow as abandoned. The browser surface
// gives no reliable dismissal signal.
const DefaultGracePeriod = 3 * time.Second

// FlowState represents the login flow's current state.
type FlowState string

const (
	// StateIdle indicates no login is in progress.
	StateIdle FlowState = "idle"

	// StateAwaitingRedirect indicates the browser is open and the loopback
	// listener is waiting for the authorization redirect.
	StateAwaitingRedirect FlowState = "awaiting_redirect"

	// StateExchangingCode indicates the code is being exchanged for tokens.
	StateExchangingCode FlowState = "exchanging_code"

	// StateAuthenticated indicates the flow completed.
	StateAuthenticated FlowState = "authenticated"

	// StateFailed indicates the flow failed.
	StateFailed FlowState = "failed"
)

// Validate checks if the flow state is valid.
func (s FlowState) Validate() error {
	switch s {
	case StateIdle, StateAwaitingRedirect, StateExchangingCode, StateAuthenticated, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid flow state: %s", s)
	}
}

// BrowserOpener opens the external browser surface at a URL.
type BrowserOpener interface {
	Open(ctx context.Context, url string) error
}

// ExecOpener opens URLs with the system handler.
type ExecOpener struct{}

// Open implements BrowserOpener via xdg-open.
func (ExecOpener) Open(ctx context.Context, url string) error {
	return exec.CommandContext(ctx, "xdg-open", url).Start()
}

// Config contains the controller configuration.
type Config struct {
	ClientID     string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	LoginTimeout time.Duration
	GracePeriod  time.Duration
	Opener       BrowserOpener
	Logger       zerolog.Logger
	Metrics      *telemetry.Metrics
}

// Controller drives the PKCE login state machine. Exactly one AuthSession
// (verifier, challenge, state nonce, loopback port) exists per login
// attempt; it is discarded on completion, timeout, or mismatch.
type Controller struct {
	cfg     Config
	log     zerolog.Logger
	metrics *telemetry.Metrics

	mu         sync.Mutex
	state      FlowState
	foreground chan struct{}
}

// redirect is the single captured authorization redirect.
type redirect struct {
	code  string
	state string
}

// NewController creates a login flow controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("auth and token endpoints are required")
	}
	if cfg.Opener == nil {
		cfg.Opener = ExecOpener{}
	}
	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		state:   StateIdle,
	}, nil
}

// State returns the current flow state.
func (c *Controller) State() FlowState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NotifyForeground signals that the agent returned to the foreground. If a
// login is awaiting its redirect, a grace timer starts; a flow still without
// a code when it expires is treated as user cancellation.
func (c *Controller) NotifyForeground() {
	c.mu.Lock()
	fg := c.foreground
	c.mu.Unlock()
	if fg != nil {
		select {
		case fg <- struct{}{}:
		default:
		}
	}
}

// BeginLogin runs one full login attempt: generate the PKCE pair and state
// nonce, listen on an ephemeral loopback port, open the browser to the
// authorization URL, capture exactly one redirect, validate its state, and
// exchange the code. Returns the resulting token set on success.
func (c *Controller) BeginLogin(ctx context.Context) (*oauth2.Token, error) {
	verifier := oauth2.GenerateVerifier()
	state, err := newStateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state nonce: %w", err)
	}

	// Loopback only. A wildcard bind would let other devices on the network
	// race for the authorization code.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind loopback listener: %w", err)
	}

	conf := &oauth2.Config{
		ClientID: c.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.cfg.AuthURL,
			TokenURL: c.cfg.TokenURL,
		},
		RedirectURL: fmt.Sprintf("http://127.0.0.1:%d/", ln.Addr().(*net.TCPAddr).Port),
		Scopes:      c.cfg.Scopes,
	}

	captured := make(chan redirect, 1)
	var once sync.Once

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		delivered := false
		once.Do(func() {
			captured <- redirect{code: q.Get("code"), state: q.Get("state")}
			delivered = true
		})
		if !delivered {
			http.Error(w, "login already completed", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><p>Login received. You can close this tab and return to padstrap.</p></body></html>")
	})}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error().Err(err).Msg("Redirect listener failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fg := make(chan struct{}, 1)
	c.setState(StateAwaitingRedirect, fg)
	defer c.clearSession()

	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	if err := c.cfg.Opener.Open(ctx, authURL); err != nil {
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}
	c.log.Info().Int("port", ln.Addr().(*net.TCPAddr).Port).Msg("Awaiting authorization redirect")

	red, err := c.awaitRedirect(ctx, captured, fg)
	if err != nil {
		return nil, err
	}

	// State validation gates the exchange. A mismatch means the redirect was
	// not produced by this session's authorization request.
	if red.state == "" || subtle.ConstantTimeCompare([]byte(red.state), []byte(state)) != 1 {
		c.metrics.AuthOutcome("state_mismatch")
		c.log.Error().Msg("Redirect state does not match session state")
		return nil, ErrStateMismatch
	}
	if red.code == "" {
		c.metrics.AuthOutcome("state_mismatch")
		return nil, ErrStateMismatch
	}

	c.setState(StateExchangingCode, nil)

	tok, err := conf.Exchange(ctx, red.code, oauth2.VerifierOption(verifier))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.metrics.AuthOutcome("exchange_failed")
		return nil, &ExchangeError{Reason: sanitizeExchangeErr(err)}
	}

	c.metrics.AuthOutcome("authenticated")
	c.setState(StateAuthenticated, nil)
	return tok, nil
}

// awaitRedirect waits for the single redirect, bounded by the login window,
// cancellation, and the post-foreground grace period.
func (c *Controller) awaitRedirect(ctx context.Context, captured <-chan redirect, fg <-chan struct{}) (redirect, error) {
	timer := time.NewTimer(c.cfg.LoginTimeout)
	defer timer.Stop()

	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	for {
		select {
		case red := <-captured:
			return red, nil

		case <-timer.C:
			c.metrics.AuthOutcome("timeout")
			return redirect{}, ErrLoginTimeout

		case <-fg:
			// Foreground return without a code: give the redirect a short
			// grace window, then treat the flow as abandoned.
			if grace == nil {
				grace = time.NewTimer(c.cfg.GracePeriod)
				graceC = grace.C
			}

		case <-graceC:
			c.metrics.AuthOutcome("cancelled")
			c.log.Info().Msg("No redirect after foreground return, treating login as cancelled")
			return redirect{}, ErrLoginCancelled

		case <-ctx.Done():
			return redirect{}, ctx.Err()
		}
	}
}

// sanitizeExchangeErr extracts a scrubbed summary from a token endpoint
// failure.
func sanitizeExchangeErr(err error) string {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		summary := fmt.Sprintf("%s: %s", rerr.Response.Status, Sanitize(string(rerr.Body)))
		return summary
	}
	return Sanitize(err.Error())
}

func (c *Controller) setState(s FlowState, fg chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	if s == StateAwaitingRedirect {
		c.foreground = fg
	} else {
		c.foreground = nil
	}
}

// clearSession returns the controller to idle unless the flow authenticated.
func (c *Controller) clearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.foreground = nil
	if c.state != StateAuthenticated {
		c.state = StateIdle
	}
}

// newStateNonce generates a random state parameter.
func newStateNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
