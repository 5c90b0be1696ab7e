// Package confirm decides whether a dispatched action took effect by running
// an ordered list of independent verification strategies.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/action"
	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/dispatch"
	"github.com/xkilldash9x/socialdriver/internal/fallback"
	"github.com/xkilldash9x/socialdriver/internal/locator"
	"github.com/xkilldash9x/socialdriver/internal/observability"
	"github.com/xkilldash9x/socialdriver/internal/session"
)

// Strategy names, in evaluation order.
const (
	StrategyImmediate      = "immediate-recheck"
	StrategyDelayed        = "delayed-recheck"
	StrategyReload         = "reload-recheck"
	StrategyPageScan       = "page-scan"
	StrategyCrossReference = "cross-reference"
)

// ReasonAlreadyInTargetState is the reason recorded when dispatch found the
// target already in the requested state.
const ReasonAlreadyInTargetState = "already in target state"

// ErrInconclusive marks a strategy that could not produce evidence either way.
var ErrInconclusive = errors.New("inconclusive")

// Verdict is the outcome of one confirmation.
type Verdict struct {
	Verdict schemas.Verdict
	// Strategy is the strategy that confirmed; empty otherwise.
	Strategy string
	Evidence string
	Reason   string
	Trace    fallback.Trace
}

// strategy is one verification step with its own wait policy. timeout bounds
// the wait and the check together.
type strategy struct {
	name    string
	timeout time.Duration
	check   func(ctx context.Context) (string, bool, error)
}

// Option configures a Machine.
type Option func(*Machine)

// WithSleep replaces the wait used by the delayed recheck.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Machine) { m.sleep = fn }
}

// Machine runs the confirmation strategies. It keeps no per-action state.
type Machine struct {
	catalog           *action.Catalog
	resolver          *locator.Resolver
	cfg               config.ConfirmationConfig
	navigationTimeout time.Duration
	sleep             func(ctx context.Context, d time.Duration) error
	logger            *zap.Logger
}

func NewMachine(catalog *action.Catalog, resolver *locator.Resolver, cfg *config.Config, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		catalog:           catalog,
		resolver:          resolver,
		cfg:               cfg.Confirmation,
		navigationTimeout: cfg.Network.NavigationTimeout,
		sleep:             sleep,
		logger:            logger.Named("confirm"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Confirm classifies res as Confirmed or Unconfirmed. It never returns
// Failed; dispatch errors are classified by the caller.
func (m *Machine) Confirm(ctx context.Context, s *session.Session, res *dispatch.Result) Verdict {
	req := res.Request
	logger := m.logger.With(observability.SessionID(s.ID()), observability.Request(req))

	if res.AlreadyInTargetState {
		return Verdict{Verdict: schemas.VerdictConfirmed, Evidence: res.MatchedField, Reason: ReasonAlreadyInTargetState}
	}

	profile, err := m.catalog.Profile(req.Type)
	if err != nil {
		return unconfirmed(fmt.Sprintf("no profile to confirm against: %v", err), nil)
	}
	patterns, err := profile.Patterns(req)
	if err != nil {
		return unconfirmed(fmt.Sprintf("positive patterns: %v", err), nil)
	}
	page := s.Page()
	if page == nil {
		return unconfirmed("session has no browsing context", nil)
	}

	affordance := profile.ConfirmAffordance()
	recheck := func(ctx context.Context) (string, bool, error) {
		match, err := m.resolver.Resolve(ctx, page, affordance)
		if errors.Is(err, locator.ErrNotResolved) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		field, ok := patterns.Match(match.Snapshot)
		return field, ok, nil
	}

	strategies := []strategy{
		{
			name:    StrategyImmediate,
			timeout: m.cfg.StrategyTimeout,
			check:   recheck,
		},
		{
			name:    StrategyDelayed,
			timeout: m.cfg.DelayedWait + m.cfg.StrategyTimeout,
			check: func(ctx context.Context) (string, bool, error) {
				if err := m.sleep(ctx, m.cfg.DelayedWait); err != nil {
					return "", false, err
				}
				return recheck(ctx)
			},
		},
		{
			name:    StrategyReload,
			timeout: m.cfg.ReloadTimeout + m.cfg.StrategyTimeout,
			check: func(ctx context.Context) (string, bool, error) {
				if err := page.Reload(ctx, m.cfg.ReloadTimeout); err != nil {
					if errors.Is(err, browser.ErrTimeout) {
						return "", false, fmt.Errorf("%w: reload timed out: %v", ErrInconclusive, err)
					}
					return "", false, err
				}
				return recheck(ctx)
			},
		},
		{
			name:    StrategyPageScan,
			timeout: m.cfg.StrategyTimeout,
			check: func(ctx context.Context) (string, bool, error) {
				// Any text on the page may quote the payload.
				if profile.PayloadDerived() {
					return "", false, fmt.Errorf("%w: positive patterns come from the payload", ErrInconclusive)
				}
				match, err := m.resolver.Scan(ctx, page, func(snap browser.Snapshot) bool {
					_, ok := patterns.Match(snap)
					return ok
				})
				if errors.Is(err, locator.ErrNotResolved) {
					return "", false, nil
				}
				if err != nil {
					return "", false, err
				}
				field, _ := patterns.Match(match.Snapshot)
				return field, true, nil
			},
		},
		{
			name:    StrategyCrossReference,
			timeout: m.cfg.CrossReferenceTimeout,
			check: func(ctx context.Context) (string, bool, error) {
				return m.crossReference(ctx, page, profile, s.Handle(), req)
			},
		},
	}

	steps := make([]fallback.Step[string], len(strategies))
	for i, st := range strategies {
		steps[i] = m.bound(st, logger)
	}

	evidence, trace, err := fallback.Run(ctx, steps, fallback.Always)
	if err != nil {
		if ctx.Err() != nil {
			return unconfirmed(fmt.Sprintf("confirmation interrupted after %s: %v", trace, ctx.Err()), trace)
		}
		v := unconfirmed("no strategy confirmed the action: "+trace.String(), trace)
		logger.Info("Action unconfirmed.", zap.String("reason", v.Reason))
		return v
	}

	confirmedBy := trace[len(trace)-1].Name
	logger.Info("Action confirmed.", zap.String("strategy", confirmedBy), zap.String("evidence", evidence))
	return Verdict{
		Verdict:  schemas.VerdictConfirmed,
		Strategy: confirmedBy,
		Evidence: evidence,
		Reason:   fmt.Sprintf("confirmed by %s: observed %q", confirmedBy, evidence),
		Trace:    trace,
	}
}

// bound runs st under its own timeout. A strategy that runs out of time is
// inconclusive; its error never stops the chain.
func (m *Machine) bound(st strategy, logger *zap.Logger) fallback.Step[string] {
	return fallback.Step[string]{
		Name: st.name,
		Try: func(ctx context.Context) (string, bool, error) {
			sctx, cancel := context.WithTimeout(ctx, st.timeout)
			defer cancel()

			evidence, ok, err := st.check(sctx)
			if err != nil {
				if ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInconclusive) {
					err = fmt.Errorf("%w: exceeded %s: %v", ErrInconclusive, st.timeout, err)
				}
				logger.Debug("Confirmation strategy failed, treating as no match.", zap.String("strategy", st.name), zap.Error(err))
			}
			return evidence, ok, err
		},
	}
}

func (m *Machine) crossReference(ctx context.Context, page browser.Page, profile *action.Profile, self string, req schemas.ActionRequest) (string, bool, error) {
	listing, q, ok := profile.CrossReferenceFor(m.catalog.Vars(self), req)
	if !ok {
		return "", false, fmt.Errorf("%w: no listing view for %s", ErrInconclusive, req.Type)
	}
	if err := page.Navigate(ctx, listing, m.navigationTimeout); err != nil {
		return "", false, fmt.Errorf("loading %s: %w", listing, err)
	}
	landed, err := page.URL(ctx)
	if err != nil {
		return "", false, err
	}
	if m.catalog.IsLoginURL(landed) {
		return "", false, fmt.Errorf("%w: listing redirected to login at %s", ErrInconclusive, landed)
	}

	candidates, err := page.Query(ctx, q)
	if err != nil {
		return "", false, err
	}
	for _, el := range candidates {
		snap, err := el.Describe(ctx)
		if err != nil || !snap.Attached {
			continue
		}
		return fmt.Sprintf("%s listed at %s", req.Target, listing), true, nil
	}
	return "", false, nil
}

func unconfirmed(reason string, trace fallback.Trace) Verdict {
	return Verdict{Verdict: schemas.VerdictUnconfirmed, Reason: reason, Trace: trace}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
