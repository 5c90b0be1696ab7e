package confirm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/action"
	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/browser/browsertest"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/dispatch"
	"github.com/xkilldash9x/socialdriver/internal/session"
	"github.com/xkilldash9x/socialdriver/internal/session/sessiontest"
)

const (
	aliceURL     = "https://x.com/alice"
	followingURL = "https://x.com/me/following"
)

var allStrategies = []string{StrategyImmediate, StrategyDelayed, StrategyReload, StrategyPageScan, StrategyCrossReference}

func followControl() browser.Query {
	return browser.CSS(config.DefaultLocators()["follow_control"][0].Expr)
}

// builtin returns the first built-in strategy query of affordance.
func builtin(t *testing.T, affordance string) browser.Query {
	t.Helper()
	st := config.DefaultLocators()[affordance][0]
	by, err := browser.ParseBy(st.By)
	require.NoError(t, err)
	return browser.Query{By: by, Expr: st.Expr}
}

func listingEntry() browser.Query {
	return browser.CSS(`[data-testid="cellInnerDiv"] a[href="/alice" i]`)
}

type harness struct {
	dispatcher *dispatch.Dispatcher
	machine    *Machine
	session    *session.Session
	page       *browsertest.Page
}

func newHarness(t *testing.T, setup func(p *browsertest.Page), opts ...Option) *harness {
	t.Helper()
	f := sessiontest.New(t, nil, setup)
	catalog, err := action.NewCatalog(f.Config)
	require.NoError(t, err)
	s, page := f.Authenticate(t)
	return &harness{
		dispatcher: dispatch.NewDispatcher(catalog, f.Resolver, f.Config, f.Logger),
		machine:    NewMachine(catalog, f.Resolver, f.Config, f.Logger, opts...),
		session:    s,
		page:       page,
	}
}

// run dispatches req and confirms the result.
func (h *harness) run(t *testing.T, req schemas.ActionRequest) Verdict {
	t.Helper()
	res, err := h.dispatcher.Dispatch(context.Background(), h.session, req)
	require.NoError(t, err)
	return h.machine.Confirm(context.Background(), h.session, res)
}

var followAlice = schemas.ActionRequest{Type: schemas.ActionFollow, Target: "alice"}

func TestConfirm_AlreadyInTargetState(t *testing.T) {
	control := browsertest.NewElement("Following")
	h := newHarness(t, func(p *browsertest.Page) {
		p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), control))
	})

	v := h.run(t, followAlice)
	assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
	assert.Equal(t, ReasonAlreadyInTargetState, v.Reason)
	assert.Empty(t, v.Trace, "no strategy runs for a target already in the positive state")
	assert.Zero(t, control.Interactions())
	assert.Zero(t, h.page.Reloads())
}

func TestConfirm_ImmediateRecheck(t *testing.T) {
	control := browsertest.NewElement("Follow")
	control.OnClick = func(e *browsertest.Element) { e.SetText("Following") }
	h := newHarness(t, func(p *browsertest.Page) {
		p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), control))
		p.Serve(followingURL, browsertest.NewDocument("").Add(listingEntry(), browsertest.NewElement("Alice")))
	})

	v := h.run(t, followAlice)
	assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
	assert.Equal(t, StrategyImmediate, v.Strategy)
	assert.Equal(t, "Following", v.Evidence)

	// Later strategies are never evaluated once one confirmed.
	assert.Equal(t, []string{StrategyImmediate}, v.Trace.Names())
	assert.Zero(t, h.page.Reloads())
	assert.NotContains(t, h.page.Navigations(), followingURL)
}

func TestConfirm_DelayedRecheck(t *testing.T) {
	control := browsertest.NewElement("Follow")
	var waited time.Duration
	h := newHarness(t,
		func(p *browsertest.Page) {
			p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), control))
		},
		WithSleep(func(_ context.Context, d time.Duration) error {
			waited = d
			control.SetText("Following")
			return nil
		}),
	)

	v := h.run(t, followAlice)
	assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
	assert.Equal(t, StrategyDelayed, v.Strategy)
	assert.Equal(t, time.Millisecond, waited)
	assert.Equal(t, []string{StrategyImmediate, StrategyDelayed}, v.Trace.Names())
	assert.Zero(t, h.page.Reloads())
}

func TestConfirm_ReloadRecheck(t *testing.T) {
	// The client keeps rendering "Follow" while the server state changed.
	var page *browsertest.Page
	control := browsertest.NewElement("Follow")
	control.OnClick = func(*browsertest.Element) {
		page.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), browsertest.NewElement("Following")))
	}
	h := newHarness(t, func(p *browsertest.Page) {
		page = p
		p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), control))
	})

	v := h.run(t, followAlice)
	assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
	assert.Equal(t, StrategyReload, v.Strategy)
	assert.Equal(t, 1, h.page.Reloads())
	assert.Equal(t, 20*time.Second, h.page.LastTimeout())
}

func TestConfirm_CrossReference(t *testing.T) {
	h := newHarness(t, func(p *browsertest.Page) {
		p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), browsertest.NewElement("Follow")))
		p.Serve(followingURL, browsertest.NewDocument("Following").Add(listingEntry(), browsertest.NewElement("Alice @alice")))
	})

	v := h.run(t, followAlice)
	require.Equal(t, schemas.VerdictConfirmed, v.Verdict, v.Reason)
	assert.Equal(t, StrategyCrossReference, v.Strategy)
	assert.Equal(t, allStrategies, v.Trace.Names())
	assert.Equal(t, followingURL, h.page.Navigations()[len(h.page.Navigations())-1])
}

func TestConfirm_Unconfirmed(t *testing.T) {
	h := newHarness(t, func(p *browsertest.Page) {
		p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), browsertest.NewElement("Follow")))
		p.Serve(followingURL, browsertest.NewDocument("You aren't following anyone"))
	})

	v := h.run(t, followAlice)
	assert.Equal(t, schemas.VerdictUnconfirmed, v.Verdict)
	assert.Empty(t, v.Strategy)
	assert.Equal(t, allStrategies, v.Trace.Names())
	for _, name := range allStrategies {
		assert.Contains(t, v.Reason, name)
	}
}

func TestConfirm_ReloadTimeoutIsInconclusive(t *testing.T) {
	t.Run("PageScanStillConfirms", func(t *testing.T) {
		var doc *browsertest.Document
		control := browsertest.NewElement("Follow")
		control.OnClick = func(*browsertest.Element) {
			doc.Add(browser.TextScan, browsertest.NewElement("Alice"), browsertest.NewElement("Following"))
		}
		h := newHarness(t, func(p *browsertest.Page) {
			doc = browsertest.NewDocument("Alice").Add(followControl(), control)
			p.Serve(aliceURL, doc)
			p.FailReload(fmt.Errorf("reload: %w", browser.ErrTimeout))
		})

		v := h.run(t, followAlice)
		assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
		assert.Equal(t, StrategyPageScan, v.Strategy)
		require.Len(t, v.Trace, 4)
		assert.ErrorIs(t, v.Trace[2].Err, ErrInconclusive)
	})

	t.Run("CrossReferenceStillConfirms", func(t *testing.T) {
		h := newHarness(t, func(p *browsertest.Page) {
			p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), browsertest.NewElement("Follow")))
			p.Serve(followingURL, browsertest.NewDocument("").Add(listingEntry(), browsertest.NewElement("Alice")))
			p.FailReload(fmt.Errorf("reload: %w", browser.ErrTimeout))
		})

		v := h.run(t, followAlice)
		assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
		assert.Equal(t, StrategyCrossReference, v.Strategy)
	})
}

func TestConfirm_StrategyErrorsAreNonMatches(t *testing.T) {
	h := newHarness(t, func(p *browsertest.Page) {
		p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), browsertest.NewElement("Follow")))
		p.Serve(followingURL, browsertest.NewDocument("").Add(listingEntry(), browsertest.NewElement("Alice")))
		p.FailReload(errors.New("net::ERR_ABORTED"))
		p.FailQuery(browser.TextScan, errors.New("document detached"))
	})

	v := h.run(t, followAlice)
	assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
	assert.Equal(t, StrategyCrossReference, v.Strategy)
	assert.Error(t, v.Trace[2].Err)
	assert.Error(t, v.Trace[3].Err)
}

func TestConfirm_NoCrossReferenceConfigured(t *testing.T) {
	h := newHarness(t, func(p *browsertest.Page) {
		p.Serve("https://x.com/bob", browsertest.NewDocument("Bob").
			Add(browser.CSS(config.DefaultLocators()["message_control"][0].Expr), browsertest.NewElement("Message")).
			Add(browser.CSS(config.DefaultLocators()["message_input"][0].Expr), browsertest.NewElement("")).
			Add(browser.CSS(config.DefaultLocators()["message_submit"][0].Expr), browsertest.NewElement("Send")))
	})

	v := h.run(t, schemas.ActionRequest{Type: schemas.ActionSendMessage, Target: "bob", Payload: "hi bob"})
	assert.Equal(t, schemas.VerdictUnconfirmed, v.Verdict)
	require.Len(t, v.Trace, 5)
	assert.ErrorIs(t, v.Trace[3].Err, ErrInconclusive, "page scan does not apply to payload text")
	assert.ErrorIs(t, v.Trace[4].Err, ErrInconclusive)
}

// messageThread serves bob's profile with a composer whose send control is send.
func messageThread(t *testing.T, send *browsertest.Element, doc **browsertest.Document, extra ...func(*browsertest.Document)) func(p *browsertest.Page) {
	return func(p *browsertest.Page) {
		d := browsertest.NewDocument("Bob").
			Add(builtin(t, "message_control"), browsertest.NewElement("").WithLabel("Message").WithTestID("sendDMFromProfile")).
			Add(builtin(t, "message_input"), browsertest.NewElement("")).
			Add(builtin(t, "message_submit"), send)
		for _, fn := range extra {
			fn(d)
		}
		*doc = d
		p.Serve("https://x.com/bob", d)
	}
}

func TestConfirm_PayloadQuotedElsewhereIsUnconfirmed(t *testing.T) {
	// The send never lands; the thread's newest entry is an older message and
	// unrelated page text contains the payload.
	send := browsertest.NewElement("Send")
	var doc *browsertest.Document
	h := newHarness(t, messageThread(t, send, &doc, func(d *browsertest.Document) {
		d.Add(builtin(t, "message_status"), browsertest.NewElement("hi there, long time"))
		d.Add(browser.TextScan, browsertest.NewElement("Bob writes things about thistles"), browsertest.NewElement("hi"))
	}))

	v := h.run(t, schemas.ActionRequest{Type: schemas.ActionSendMessage, Target: "bob", Payload: "hi"})
	assert.Equal(t, schemas.VerdictUnconfirmed, v.Verdict, v.Reason)
	assert.Empty(t, v.Strategy)
	assert.Equal(t, 1, send.Interactions())
	require.Len(t, v.Trace, 5)
	assert.ErrorIs(t, v.Trace[3].Err, ErrInconclusive)
}

func TestConfirm_PayloadEqualToControlCopy(t *testing.T) {
	send := browsertest.NewElement("Send")
	var doc *browsertest.Document
	send.OnClick = func(*browsertest.Element) {
		doc.Add(builtin(t, "message_status"), browsertest.NewElement("Message"))
	}
	h := newHarness(t, messageThread(t, send, &doc))

	v := h.run(t, schemas.ActionRequest{Type: schemas.ActionSendMessage, Target: "bob", Payload: "Message"})
	assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
	assert.Equal(t, StrategyImmediate, v.Strategy)
	assert.NotEqual(t, ReasonAlreadyInTargetState, v.Reason)
	assert.Equal(t, 1, send.Interactions())
}

func TestConfirm_PayloadStatus(t *testing.T) {
	var doc *browsertest.Document
	send := browsertest.NewElement("Send")
	send.OnClick = func(*browsertest.Element) {
		doc.Add(builtin(t, "message_status"), browsertest.NewElement("hi bob"))
	}
	h := newHarness(t, func(p *browsertest.Page) {
		doc = browsertest.NewDocument("Bob").
			Add(browser.CSS(config.DefaultLocators()["message_control"][0].Expr), browsertest.NewElement("Message")).
			Add(browser.CSS(config.DefaultLocators()["message_input"][0].Expr), browsertest.NewElement("")).
			Add(browser.CSS(config.DefaultLocators()["message_submit"][0].Expr), send)
		p.Serve("https://x.com/bob", doc)
	})

	v := h.run(t, schemas.ActionRequest{Type: schemas.ActionSendMessage, Target: "bob", Payload: "hi bob"})
	assert.Equal(t, schemas.VerdictConfirmed, v.Verdict)
	assert.Equal(t, StrategyImmediate, v.Strategy)
}

func TestConfirm_Interrupted(t *testing.T) {
	h := newHarness(t, func(p *browsertest.Page) {
		p.Serve(aliceURL, browsertest.NewDocument("Alice").Add(followControl(), browsertest.NewElement("Follow")))
	})
	res, err := h.dispatcher.Dispatch(context.Background(), h.session, followAlice)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := h.machine.Confirm(ctx, h.session, res)
	assert.Equal(t, schemas.VerdictUnconfirmed, v.Verdict)
	assert.Contains(t, v.Reason, "interrupted")
}
