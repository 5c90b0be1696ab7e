// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/action"
	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/fallback"
	"github.com/xkilldash9x/socialdriver/internal/locator"
	"github.com/xkilldash9x/socialdriver/internal/observability"
)

// Manager establishes, verifies and replaces sessions. It is the only
// component that talks to the browsing-context provider.
type Manager struct {
	provider browser.Provider
	resolver *locator.Resolver
	platform config.PlatformConfig
	probes   []config.ProbeConfig
	logger   *zap.Logger
}

func NewManager(provider browser.Provider, resolver *locator.Resolver, cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		provider: provider,
		resolver: resolver,
		platform: cfg.Platform,
		probes:   cfg.Session.Probes,
		logger:   logger.Named("session"),
	}
}

// Establish validates creds structurally, acquires a browsing context and
// injects the credential cookies for every domain alias of the platform.
// The returned session is Authenticating.
func (m *Manager) Establish(ctx context.Context, creds schemas.Credentials) (*Session, error) {
	if missing := creds.Missing(m.platform.RequiredCookies); len(missing) > 0 {
		return nil, action.Errorf(action.KindCredential, nil, "credential set is missing %s", strings.Join(missing, ", "))
	}

	page, err := m.provider.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire browsing context: %w", err)
	}

	s := &Session{id: uuid.NewString(), state: Unauthenticated, creds: creds, page: page}
	if err := m.inject(ctx, s); err != nil {
		if relErr := m.provider.Release(context.WithoutCancel(ctx), page); relErr != nil {
			m.logger.Warn("Failed to release browsing context after injection error.", zap.Error(relErr))
		}
		return nil, err
	}
	return s, nil
}

// inject writes the credential cookies into the session's context and moves
// it to Authenticating.
func (m *Manager) inject(ctx context.Context, s *Session) error {
	names := make([]string, 0, len(s.creds.Cookies))
	for name := range s.creds.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	cookies := make([]browser.Cookie, 0, len(names)*len(m.platform.Domains))
	for _, domain := range m.platform.Domains {
		domain = "." + strings.TrimPrefix(domain, ".")
		for _, name := range names {
			cookies = append(cookies, browser.Cookie{
				Name:     name,
				Value:    s.creds.Cookies[name],
				Domain:   domain,
				Secure:   true,
				HTTPOnly: true,
			})
		}
	}

	if err := s.Page().SetCookies(ctx, cookies); err != nil {
		return fmt.Errorf("failed to inject credentials: %w", err)
	}
	s.setState(Authenticating)
	m.logger.Debug("Credentials injected.",
		observability.SessionID(s.ID()),
		observability.Account(s.Handle()),
		zap.Int("cookies", len(cookies)),
		zap.Strings("domains", m.platform.Domains))
	return nil
}

// ProbeReachability navigates the configured destinations in order and
// reports whether one of them loaded without landing on a login path.
// Navigation errors are negative results for that destination, never returned.
func (m *Manager) ProbeReachability(ctx context.Context, s *Session) bool {
	_, ok := m.probe(ctx, s)
	return ok
}

func (m *Manager) probe(ctx context.Context, s *Session) (fallback.Trace, bool) {
	page := s.Page()
	if page == nil {
		return nil, false
	}
	vars := action.Vars{Host: m.platform.Host, Self: s.Handle()}
	logger := m.logger.With(observability.SessionID(s.ID()))

	steps := make([]fallback.Step[string], len(m.probes))
	for i, p := range m.probes {
		p := p
		steps[i] = fallback.Step[string]{
			Name: p.Name,
			Try: func(ctx context.Context) (string, bool, error) {
				target := action.ExpandURL(p.URL, vars)
				if err := page.Navigate(ctx, target, p.Timeout); err != nil {
					if errors.Is(err, browser.ErrTimeout) {
						logger.Info("Probe destination timed out, trying the next one.", zap.String("probe", p.Name), zap.Duration("timeout", p.Timeout))
					} else {
						logger.Debug("Probe navigation failed.", zap.String("probe", p.Name), zap.Error(err))
					}
					return "", false, err
				}
				final, err := page.URL(ctx)
				if err != nil {
					return "", false, err
				}
				if action.IsLoginURL(final, m.platform.LoginPathMarkers) {
					logger.Debug("Probe redirected to a login path.", zap.String("probe", p.Name), zap.String("url", final))
					return "", false, nil
				}
				return final, true, nil
			},
		}
	}

	final, trace, err := fallback.Run(ctx, steps, fallback.Always)
	if err != nil {
		logger.Warn("Reachability probes exhausted.", zap.Stringer("attempts", trace), zap.Error(err))
		return trace, false
	}
	logger.Debug("Reachability probe accepted.", zap.String("url", final))
	return trace, true
}

// InferAuthenticated checks the current page for a login wall. It requires
// that the URL is not a login path and that either the account switcher
// resolves or the rendered text shows no login prompt.
func (m *Manager) InferAuthenticated(ctx context.Context, s *Session) bool {
	page := s.Page()
	if page == nil {
		return false
	}
	logger := m.logger.With(observability.SessionID(s.ID()))

	current, err := page.URL(ctx)
	if err != nil || action.IsLoginURL(current, m.platform.LoginPathMarkers) {
		return false
	}

	_, err = m.resolver.Resolve(ctx, page, config.AffordanceAccountSwitcher)
	if err == nil {
		return true
	}
	logger.Debug("Account switcher not resolved, falling back to text inspection.", zap.Error(err))

	text, err := page.Text(ctx)
	if err != nil {
		logger.Debug("Could not read page text.", zap.Error(err))
		return false
	}
	lower := strings.ToLower(text)
	for _, prompt := range m.platform.LoginPrompts {
		if prompt != "" && strings.Contains(lower, strings.ToLower(prompt)) {
			logger.Info("Login prompt rendered on an authenticated destination.", zap.String("prompt", prompt))
			return false
		}
	}
	return true
}

// Authenticate establishes a session and verifies it. When verification
// fails the Failed session is returned together with the error so the
// caller can re-authenticate or close it.
func (m *Manager) Authenticate(ctx context.Context, creds schemas.Credentials) (*Session, error) {
	s, err := m.Establish(ctx, creds)
	if err != nil {
		return nil, err
	}
	return s, m.verify(ctx, s)
}

// verify runs probe and inference and settles the session state.
func (m *Manager) verify(ctx context.Context, s *Session) error {
	trace, ok := m.probe(ctx, s)
	if !ok {
		s.setState(Failed)
		if err := ctx.Err(); err != nil {
			return action.Errorf(action.KindAuthentication, err, "reachability probes interrupted")
		}
		return action.Errorf(action.KindAuthentication, nil, "no reachability probe reached an authenticated destination (%s)", trace)
	}
	if !m.InferAuthenticated(ctx, s) {
		s.setState(Failed)
		return action.Errorf(action.KindAuthentication, nil, "destination rendered a login wall")
	}
	s.setState(Authenticated)
	m.logger.Info("Session authenticated.",
		observability.SessionID(s.ID()),
		observability.Account(s.Handle()),
		zap.Int("generation", s.Generation()))
	return nil
}

// Reauthenticate retires old, rotates its browsing context through the
// provider and runs establishment and verification again from scratch.
// The replacement is returned even when verification fails.
func (m *Manager) Reauthenticate(ctx context.Context, old *Session) (*Session, error) {
	m.logger.Info("Re-authenticating session.", observability.SessionID(old.ID()), zap.Stringer("state", old.State()))

	stale := old.detach()
	old.setState(Failed)

	var (
		page browser.Page
		err  error
	)
	if stale != nil {
		page, err = m.provider.Rotate(ctx, stale)
	} else {
		page, err = m.provider.Acquire(ctx)
	}
	if err != nil {
		return nil, action.Errorf(action.KindAuthentication, err, "could not replace browsing context")
	}

	old.mu.RLock()
	s := &Session{
		id:         uuid.NewString(),
		generation: old.generation + 1,
		state:      Unauthenticated,
		creds:      old.creds,
		page:       page,
	}
	old.mu.RUnlock()

	if err := m.inject(ctx, s); err != nil {
		s.setState(Failed)
		return s, action.Errorf(action.KindAuthentication, err, "re-establishment failed")
	}
	return s, m.verify(ctx, s)
}

// Invalidate marks s Failed so that the next caller re-authenticates it.
func (m *Manager) Invalidate(s *Session, cause error) {
	s.setState(Failed)
	m.logger.Warn("Session invalidated.", observability.SessionID(s.ID()), zap.Error(cause))
}

// Close releases the session's browsing context. It is safe to call more than once.
func (m *Manager) Close(ctx context.Context, s *Session) error {
	page := s.detach()
	if page == nil {
		return nil
	}
	if err := m.provider.Release(ctx, page); err != nil {
		return fmt.Errorf("failed to release browsing context: %w", err)
	}
	m.logger.Debug("Session closed.", observability.SessionID(s.ID()))
	return nil
}
