// Package dispatch performs a single account action against the browsing
// context of a session.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/action"
	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/fallback"
	"github.com/xkilldash9x/socialdriver/internal/locator"
	"github.com/xkilldash9x/socialdriver/internal/observability"
	"github.com/xkilldash9x/socialdriver/internal/session"
)

const renderPollInterval = 250 * time.Millisecond

// Interaction tier names, in the order they are tried.
const (
	TierDirect      = "direct"
	TierScript      = "script"
	TierScrollForce = "scroll-force"
)

// Result describes a completed dispatch. It carries no element handles.
type Result struct {
	Request schemas.ActionRequest
	// URL is where the dispatcher landed after navigating to the target.
	URL string
	// Control names the locator strategy that resolved the primary control.
	Control string
	// InitialText is the control's observable text before any interaction.
	InitialText string
	// AlreadyInTargetState is set when InitialText already matched a positive
	// pattern; no interaction was performed.
	AlreadyInTargetState bool
	MatchedField         string
	Tier                 string
	DialogHandled        bool
}

// Dispatcher navigates, resolves and interacts. It is safe for use by
// several workers as long as each passes its own session.
type Dispatcher struct {
	catalog            *action.Catalog
	resolver           *locator.Resolver
	navigationTimeout  time.Duration
	interactionTimeout time.Duration
	renderWait         time.Duration
	logger             *zap.Logger
}

func NewDispatcher(catalog *action.Catalog, resolver *locator.Resolver, cfg *config.Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		catalog:            catalog,
		resolver:           resolver,
		navigationTimeout:  cfg.Network.NavigationTimeout,
		interactionTimeout: cfg.Browser.InteractionTimeout,
		renderWait:         cfg.Locator.RenderWait,
		logger:             logger.Named("dispatcher"),
	}
}

// Dispatch performs req on s.
//
// Errors are *action.Error values: AuthenticationFailed when the target
// redirects to a login path or the session has no context, NavigationFailed,
// ControlNotFound, InteractionFailed and InvalidRequest.
func (d *Dispatcher) Dispatch(ctx context.Context, s *session.Session, req schemas.ActionRequest) (*Result, error) {
	logger := d.logger.With(observability.SessionID(s.ID()), observability.Request(req))

	// 1. Validate the request before touching the page.
	if req.Type.RequiresPayload() && strings.TrimSpace(req.Payload) == "" {
		return nil, action.Errorf(action.KindInteraction, nil, "%s requires a payload", req.Type)
	}
	if err := req.Validate(); err != nil {
		return nil, action.Errorf(action.KindInvalidRequest, err, "rejected %s", req)
	}
	profile, err := d.catalog.Profile(req.Type)
	if err != nil {
		return nil, err
	}
	patterns, err := profile.Patterns(req)
	if err != nil {
		return nil, action.Errorf(action.KindInvalidRequest, err, "positive patterns")
	}

	page := s.Page()
	if page == nil {
		return nil, action.Errorf(action.KindAuthentication, browser.ErrPageClosed, "session %s has no browsing context", s.ID())
	}

	// 2. Navigate to the canonical target location.
	target := profile.URL(d.catalog.Vars(s.Handle()), req)
	if err := page.Navigate(ctx, target, d.navigationTimeout); err != nil {
		return nil, action.Errorf(action.KindNavigation, err, "loading %s", target)
	}
	landed, err := page.URL(ctx)
	if err != nil {
		return nil, action.Errorf(action.KindNavigation, err, "reading location after loading %s", target)
	}
	if d.catalog.IsLoginURL(landed) {
		return nil, action.Errorf(action.KindAuthentication, nil, "%s redirected to login at %s", target, landed)
	}

	// 3. Resolve the primary control and capture its baseline.
	control, err := d.await(ctx, page, profile.Control)
	if err != nil {
		return nil, action.Errorf(action.KindControlNotFound, err, "affordance %q", profile.Control)
	}
	res := &Result{
		Request:     req,
		URL:         landed,
		Control:     control.Strategy,
		InitialText: baseline(control.Snapshot),
	}

	// 4. Nothing to do if the control already shows the target state. Payload
	// actions have no such state: every comment or message is a new write.
	if field, ok := patterns.Match(control.Snapshot); ok && !profile.HasPayloadFlow() {
		res.AlreadyInTargetState = true
		res.MatchedField = field
		logger.Info("Target already in the requested state, skipping interaction.", zap.String("observed", field))
		return res, nil
	}

	// 5. Interact with the primary control.
	tier, err := d.interact(ctx, control.Element)
	if err != nil {
		return nil, err
	}
	res.Tier = tier

	// 6. Payload actions open a composer that has to be filled and submitted.
	if profile.HasPayloadFlow() {
		tier, err := d.submitPayload(ctx, page, profile, req)
		if err != nil {
			return nil, err
		}
		res.Tier = tier
	}

	// 7. Interstitial dialogs are platform and account dependent.
	res.DialogHandled = d.handleDialog(ctx, page, logger)

	logger.Debug("Dispatch completed.",
		zap.String("control_strategy", res.Control),
		zap.String("initial_text", res.InitialText),
		zap.String("tier", res.Tier),
		zap.Bool("dialog_handled", res.DialogHandled))
	return res, nil
}

func baseline(snap browser.Snapshot) string {
	if fields := snap.Fields(); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// await resolves affordance, re-trying until renderWait has passed.
func (d *Dispatcher) await(ctx context.Context, page browser.Page, affordance string) (locator.Match, error) {
	deadline := time.Now().Add(d.renderWait)
	for {
		m, err := d.resolver.Resolve(ctx, page, affordance)
		if err == nil {
			return m, nil
		}
		if errors.Is(err, locator.ErrUnknownAffordance) || ctx.Err() != nil || !time.Now().Before(deadline) {
			return locator.Match{}, err
		}
		select {
		case <-ctx.Done():
			return locator.Match{}, ctx.Err()
		case <-time.After(renderPollInterval):
		}
	}
}

// interact clicks el, escalating through the tiers only on interaction faults.
func (d *Dispatcher) interact(ctx context.Context, el browser.Element) (string, error) {
	tier := func(name string, fn func(context.Context) error) fallback.Step[string] {
		return fallback.Step[string]{
			Name: name,
			Try: func(ctx context.Context) (string, bool, error) {
				ictx, cancel := context.WithTimeout(ctx, d.interactionTimeout)
				defer cancel()
				if err := fn(ictx); err != nil {
					return "", false, err
				}
				return name, true, nil
			},
		}
	}
	steps := []fallback.Step[string]{
		tier(TierDirect, el.Click),
		tier(TierScript, el.ScriptClick),
		tier(TierScrollForce, func(ctx context.Context) error {
			if err := el.ScrollIntoView(ctx); err != nil {
				return err
			}
			return el.ForceClick(ctx)
		}),
	}

	used, trace, err := fallback.Run(ctx, steps, browser.IsInteractionFault)
	switch {
	case err == nil:
		return used, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(err, fallback.ErrExhausted):
		return "", action.Errorf(action.KindInteraction, err, "all interaction tiers failed (%s)", trace)
	default:
		return "", action.Errorf(action.KindInteraction, err, "interaction aborted (%s)", trace)
	}
}

func (d *Dispatcher) submitPayload(ctx context.Context, page browser.Page, profile *action.Profile, req schemas.ActionRequest) (string, error) {
	input, err := d.await(ctx, page, profile.Input)
	if err != nil {
		return "", action.Errorf(action.KindControlNotFound, err, "affordance %q", profile.Input)
	}
	tctx, cancel := context.WithTimeout(ctx, d.interactionTimeout)
	err = input.Element.Type(tctx, req.Payload)
	cancel()
	if err != nil {
		return "", action.Errorf(action.KindInteraction, err, "typing into %q", profile.Input)
	}

	submit, err := d.await(ctx, page, profile.Submit)
	if err != nil {
		return "", action.Errorf(action.KindControlNotFound, err, "affordance %q", profile.Submit)
	}
	return d.interact(ctx, submit.Element)
}

// handleDialog confirms an interstitial dialog when one is showing. Failures
// are logged and reported as false.
func (d *Dispatcher) handleDialog(ctx context.Context, page browser.Page, logger *zap.Logger) bool {
	if !d.resolver.Has(config.AffordanceDialog) {
		return false
	}
	if _, err := d.resolver.Resolve(ctx, page, config.AffordanceDialog); err != nil {
		return false
	}
	confirm, err := d.resolver.Resolve(ctx, page, config.AffordanceDialogConfirm)
	if err != nil {
		logger.Warn("Dialog detected but no confirm control resolved.", zap.Error(err))
		return false
	}
	if _, err := d.interact(ctx, confirm.Element); err != nil {
		logger.Warn("Could not confirm dialog.", zap.Error(err))
		return false
	}
	logger.Debug("Interstitial dialog confirmed.", zap.String("strategy", confirm.Strategy))
	return true
}
