package batch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/action"
	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/browser/browsertest"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/confirm"
	"github.com/xkilldash9x/socialdriver/internal/dispatch"
	"github.com/xkilldash9x/socialdriver/internal/ledger"
	"github.com/xkilldash9x/socialdriver/internal/mocks"
	"github.com/xkilldash9x/socialdriver/internal/session"
	"github.com/xkilldash9x/socialdriver/internal/session/sessiontest"
)

func follow(target string) schemas.ActionRequest {
	return schemas.ActionRequest{Type: schemas.ActionFollow, Target: target}
}

func followControl() browser.Query {
	return browser.CSS(config.DefaultLocators()["follow_control"][0].Expr)
}

// serveFollowable serves a profile whose follow control flips to "Following" when clicked.
func serveFollowable(p *browsertest.Page, handle string) *browsertest.Element {
	control := browsertest.NewElement("Follow")
	control.OnClick = func(e *browsertest.Element) { e.SetText("Following") }
	p.Serve("https://x.com/"+handle, browsertest.NewDocument(handle).Add(followControl(), control))
	return control
}

// realRunner wires the runner to the real session manager, dispatcher and
// confirmation machine over in-memory pages.
func realRunner(t *testing.T, f *sessiontest.Fixture, l *ledger.Ledger, opts ...Option) *Runner {
	t.Helper()
	catalog, err := action.NewCatalog(f.Config)
	require.NoError(t, err)
	return NewRunner(
		f.Manager,
		dispatch.NewDispatcher(catalog, f.Resolver, f.Config, f.Logger),
		confirm.NewMachine(catalog, f.Resolver, f.Config, f.Logger),
		l, f.Logger, opts...)
}

func authenticated(t *testing.T) (*sessiontest.Fixture, *session.Session) {
	t.Helper()
	f := sessiontest.New(t, nil, nil)
	s, _ := f.Authenticate(t)
	return f, s
}

func TestRun_AbortsWhenReauthenticationFails(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()

	f := sessiontest.New(t, nil, func(p *browsertest.Page) {
		sessiontest.RedirectProbes(p)
		serveFollowable(p, "alice")
	})
	s, err := f.Manager.Authenticate(ctx, sessiontest.Credentials())
	require.ErrorIs(t, err, action.ErrAuthenticationFailed)

	report, err := realRunner(t, f, ledger.New()).Run(ctx, s, []schemas.ActionRequest{follow("alice"), follow("bob")}, 0)
	require.ErrorIs(t, err, action.ErrAuthenticationFailed)
	assert.True(t, report.Aborted)
	assert.Contains(t, report.AbortReason, "AuthenticationFailed")
	assert.Empty(t, report.Outcomes, "nothing is dispatched without an authenticated session")
	assert.Equal(t, 1, f.Provider.Rotated(), "exactly one re-authentication attempt")

	for _, page := range f.Provider.Pages() {
		assert.NotContains(t, page.Navigations(), "https://x.com/alice")
	}
}

func TestRun_ControlNotFoundDoesNotStopBatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := sessiontest.New(t, nil, func(p *browsertest.Page) {
		serveFollowable(p, "alice")
		p.Serve("https://x.com/bob", browsertest.NewDocument("This account doesn't exist"))
		serveFollowable(p, "carol")
	})
	s, _ := f.Authenticate(t)
	targets := []schemas.ActionRequest{follow("alice"), follow("bob"), follow("carol")}

	report, err := realRunner(t, f, ledger.New()).Run(context.Background(), s, targets, 0)
	require.NoError(t, err)
	assert.False(t, report.Aborted)

	require.Len(t, report.Outcomes, 3)
	for i, o := range report.Outcomes {
		assert.Equal(t, targets[i], o.Request, "outcomes are recorded in input order")
	}
	assert.Equal(t, 2, report.SuccessCount)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "bob", report.Failures[0].Request.Target)
	assert.Equal(t, schemas.VerdictFailed, report.Failures[0].Verdict)
	assert.True(t, strings.HasPrefix(report.Failures[0].Reason, "ControlNotFound"), report.Failures[0].Reason)
}

func TestRun_IdempotentAcrossRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	controls := map[string]*browsertest.Element{}
	f := sessiontest.New(t, nil, func(p *browsertest.Page) {
		controls["alice"] = serveFollowable(p, "alice")
		controls["carol"] = serveFollowable(p, "carol")
	})
	s, page := f.Authenticate(t)
	l := ledger.New()
	runner := realRunner(t, f, l)
	targets := []schemas.ActionRequest{follow("alice"), follow("carol")}

	first, err := runner.Run(context.Background(), s, targets, 0)
	require.NoError(t, err)
	require.Equal(t, 2, first.SuccessCount)
	navigations := len(page.Navigations())

	second, err := runner.Run(context.Background(), first.Session, targets, 0)
	require.NoError(t, err)
	assert.Empty(t, second.Outcomes)
	assert.Equal(t, targets, second.Skipped)
	assert.Len(t, page.Navigations(), navigations, "second run performs no dispatch")
	for name, el := range controls {
		assert.Equal(t, 1, el.Interactions(), name)
	}
	assert.Equal(t, 2, l.Len())
}

func TestRun_ReauthenticatesAfterLoginRedirect(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := sessiontest.New(t, nil, func(p *browsertest.Page) {
		p.Redirect("https://x.com/alice", sessiontest.LoginURL)
		serveFollowable(p, "bob")
	})
	s, _ := f.Authenticate(t)

	report, err := realRunner(t, f, ledger.New()).Run(context.Background(), s, []schemas.ActionRequest{follow("alice"), follow("bob")}, 0)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)

	assert.Equal(t, schemas.VerdictFailed, report.Outcomes[0].Verdict)
	assert.Contains(t, report.Outcomes[0].Reason, "AuthenticationFailed")
	assert.Equal(t, schemas.VerdictConfirmed, report.Outcomes[1].Verdict)

	assert.Equal(t, session.Failed, s.State())
	assert.NotSame(t, s, report.Session)
	assert.Equal(t, 1, report.Session.Generation())
	assert.Equal(t, report.Session.ID(), report.Outcomes[1].SessionID)
	assert.Equal(t, 1, f.Provider.Rotated())
}

func TestRun_SkipsConfirmedWithinRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, s := authenticated(t)

	d := new(mocks.MockDispatcher)
	c := new(mocks.MockConfirmer)
	d.On("Dispatch", mock.Anything, s, mock.Anything).Return(&dispatch.Result{}, nil)
	c.On("Confirm", mock.Anything, s, mock.Anything).Return(confirm.Verdict{Verdict: schemas.VerdictConfirmed, Strategy: confirm.StrategyImmediate})

	runner := NewRunner(new(mocks.MockAuthenticator), d, c, ledger.New(), zaptest.NewLogger(t))
	report, err := runner.Run(context.Background(), s, []schemas.ActionRequest{follow("alice"), follow("@Alice"), follow("bob")}, 0)
	require.NoError(t, err)

	d.AssertNumberOfCalls(t, "Dispatch", 2)
	assert.Equal(t, []schemas.ActionRequest{follow("@Alice")}, report.Skipped)
	assert.Equal(t, confirm.StrategyImmediate, report.Outcomes[0].Strategy)
}

func TestRun_ReauthenticationErrorIsClassified(t *testing.T) {
	defer goleak.VerifyNone(t)
	f, s := authenticated(t)
	f.Manager.Invalidate(s, errors.New("test"))

	auth := new(mocks.MockAuthenticator)
	auth.On("Reauthenticate", mock.Anything, s).Return(nil, errors.New("browser pool exhausted"))
	d := new(mocks.MockDispatcher)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	runner := NewRunner(auth, d, new(mocks.MockConfirmer), ledger.New(), f.Logger, WithMetrics(metrics))

	report, err := runner.Run(context.Background(), s, []schemas.ActionRequest{follow("alice")}, 0)
	require.ErrorIs(t, err, action.ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "browser pool exhausted")
	assert.True(t, report.Aborted)
	assert.Same(t, s, report.Session)
	d.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
	auth.AssertExpectations(t)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.aborts))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.reauth.WithLabelValues("failure")))
}

func TestRun_Pacing(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, s := authenticated(t)

	newMocks := func() (*mocks.MockDispatcher, *mocks.MockConfirmer) {
		d := new(mocks.MockDispatcher)
		c := new(mocks.MockConfirmer)
		d.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).Return(&dispatch.Result{}, nil)
		c.On("Confirm", mock.Anything, mock.Anything, mock.Anything).Return(confirm.Verdict{Verdict: schemas.VerdictUnconfirmed, Reason: "no strategy confirmed the action"})
		return d, c
	}

	t.Run("DelayBetweenDispatches", func(t *testing.T) {
		var waits []time.Duration
		d, c := newMocks()
		l := ledger.New()
		l.Record(schemas.ActionOutcome{Request: follow("skipme"), Verdict: schemas.VerdictConfirmed})
		runner := NewRunner(nil, d, c, l, zaptest.NewLogger(t), WithSleep(func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		}))

		targets := []schemas.ActionRequest{follow("a"), follow("skipme"), follow("b"), follow("c")}
		_, err := runner.Run(context.Background(), s, targets, 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second}, waits)
	})

	t.Run("JitterWithinBounds", func(t *testing.T) {
		var waits []time.Duration
		d, c := newMocks()
		runner := NewRunner(nil, d, c, ledger.New(), zaptest.NewLogger(t),
			WithJitter(5*time.Second),
			WithSleep(func(_ context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			}))

		targets := []schemas.ActionRequest{follow("a"), follow("b"), follow("c"), follow("d")}
		_, err := runner.Run(context.Background(), s, targets, time.Second)
		require.NoError(t, err)
		require.Len(t, waits, 3)
		for _, w := range waits {
			assert.GreaterOrEqual(t, w, time.Second)
			assert.LessOrEqual(t, w, 6*time.Second)
		}
	})

	t.Run("CancelStopsBeforeNextTarget", func(t *testing.T) {
		d, c := newMocks()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runner := NewRunner(nil, d, c, ledger.New(), zaptest.NewLogger(t), WithSleep(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		}))

		report, err := runner.Run(ctx, s, []schemas.ActionRequest{follow("a"), follow("b")}, time.Minute)
		require.ErrorIs(t, err, context.Canceled)
		assert.True(t, report.Aborted)
		assert.Len(t, report.Outcomes, 1)
		d.AssertNumberOfCalls(t, "Dispatch", 1)
	})

	t.Run("RealSleepHonorsContext", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		start := time.Now()
		err := sleep(ctx, time.Hour)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
		assert.NoError(t, sleep(context.Background(), 0))
	})
}

func TestRun_PanicBecomesFailedOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, s := authenticated(t)

	d := new(mocks.MockDispatcher)
	c := new(mocks.MockConfirmer)
	d.On("Dispatch", mock.Anything, mock.Anything, follow("a")).Run(func(mock.Arguments) { panic("boom") })
	d.On("Dispatch", mock.Anything, mock.Anything, follow("b")).Return(&dispatch.Result{}, nil)
	c.On("Confirm", mock.Anything, mock.Anything, mock.Anything).Return(confirm.Verdict{Verdict: schemas.VerdictConfirmed})

	runner := NewRunner(nil, d, c, ledger.New(), zaptest.NewLogger(t))
	report, err := runner.Run(context.Background(), s, []schemas.ActionRequest{follow("a"), follow("b")}, 0)
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, schemas.VerdictFailed, report.Outcomes[0].Verdict)
	assert.Equal(t, "panic: boom", report.Outcomes[0].Reason)
	assert.Equal(t, schemas.VerdictConfirmed, report.Outcomes[1].Verdict)
}

func TestRun_Metrics(t *testing.T) {
	defer goleak.VerifyNone(t)
	_, s := authenticated(t)

	d := new(mocks.MockDispatcher)
	c := new(mocks.MockConfirmer)
	d.On("Dispatch", mock.Anything, mock.Anything, follow("a")).Return(&dispatch.Result{}, nil)
	d.On("Dispatch", mock.Anything, mock.Anything, follow("b")).Return(nil, action.Errorf(action.KindControlNotFound, nil, "affordance %q", "follow_control"))
	c.On("Confirm", mock.Anything, mock.Anything, mock.Anything).Return(confirm.Verdict{Verdict: schemas.VerdictConfirmed})

	l := ledger.New()
	l.Record(schemas.ActionOutcome{Request: follow("c"), Verdict: schemas.VerdictConfirmed})
	metrics := NewMetrics(prometheus.NewRegistry())
	runner := NewRunner(nil, d, c, l, zaptest.NewLogger(t), WithMetrics(metrics))

	_, err := runner.Run(context.Background(), s, []schemas.ActionRequest{follow("a"), follow("b"), follow("c")}, 0)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("follow", "confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("follow", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.skipped.WithLabelValues("follow")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.duration))
}

func TestWithHourlyLimit(t *testing.T) {
	r := NewRunner(nil, nil, nil, ledger.New(), zaptest.NewLogger(t), WithHourlyLimit(60))
	require.NotNil(t, r.limiter)
	assert.Equal(t, rate.Every(time.Minute), r.limiter.Limit())
	assert.Equal(t, 1, r.limiter.Burst())

	r = NewRunner(nil, nil, nil, ledger.New(), zaptest.NewLogger(t), WithHourlyLimit(0))
	assert.Nil(t, r.limiter)
}
