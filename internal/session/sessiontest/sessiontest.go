// Package sessiontest wires a session.Manager to in-memory browsing contexts
// so that packages above the session layer can be tested without Chrome.
package sessiontest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/browser/browsertest"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/locator"
	"github.com/xkilldash9x/socialdriver/internal/session"
)

const (
	Host     = "x.com"
	Handle   = "me"
	HomeURL  = "https://x.com/home"
	LoginURL = "https://x.com/i/flow/login"
)

// Fixture bundles the collaborators of a test session.
type Fixture struct {
	Config   *config.Config
	Logger   *zap.Logger
	Provider *browsertest.Provider
	Resolver *locator.Resolver
	Manager  *session.Manager
}

// Config returns the default configuration with waits shortened for tests.
func Config() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Locator.RenderWait = 0
	cfg.Locator.QueryTimeout = time.Second
	cfg.Browser.InteractionTimeout = time.Second
	cfg.Confirmation.DelayedWait = time.Millisecond
	cfg.Confirmation.StrategyTimeout = 2 * time.Second
	cfg.Batch.InterActionDelay = 0
	cfg.Batch.Jitter = 0
	return cfg
}

// Credentials returns a structurally complete credential set for Handle.
func Credentials() schemas.Credentials {
	return schemas.Credentials{Handle: Handle, Cookies: map[string]string{"auth_token": "token", "ct0": "csrf"}}
}

// New builds a fixture. Every page the provider hands out serves an
// authenticated home timeline and is then passed to setup.
func New(t testing.TB, cfg *config.Config, setup func(p *browsertest.Page)) *Fixture {
	t.Helper()
	if cfg == nil {
		cfg = Config()
	}
	logger := zaptest.NewLogger(t)
	resolver, err := locator.FromConfig(cfg, logger)
	require.NoError(t, err)

	provider := browsertest.NewProvider(func(p *browsertest.Page) {
		p.Serve(HomeURL, browsertest.NewDocument("Home\nWhat is happening?!"))
		if setup != nil {
			setup(p)
		}
	})
	return &Fixture{
		Config:   cfg,
		Logger:   logger,
		Provider: provider,
		Resolver: resolver,
		Manager:  session.NewManager(provider, resolver, cfg, logger),
	}
}

// Authenticate returns an Authenticated session and its page.
func (f *Fixture) Authenticate(t testing.TB) (*session.Session, *browsertest.Page) {
	t.Helper()
	s, err := f.Manager.Authenticate(context.Background(), Credentials())
	require.NoError(t, err)
	require.True(t, s.Authenticated())
	page, ok := s.Page().(*browsertest.Page)
	require.True(t, ok)
	return s, page
}

// RedirectProbes makes every reachability destination land on the login flow.
func RedirectProbes(p *browsertest.Page) {
	for _, u := range []string{HomeURL, "https://x.com/settings/account", "https://x.com/"} {
		p.Redirect(u, LoginURL)
	}
	p.Serve(LoginURL, browsertest.NewDocument("Sign in to X"))
}
