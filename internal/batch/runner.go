// Package batch sequences action requests through dispatch, confirmation and
// the ledger for one session.
package batch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/action"
	"github.com/xkilldash9x/socialdriver/internal/confirm"
	"github.com/xkilldash9x/socialdriver/internal/dispatch"
	"github.com/xkilldash9x/socialdriver/internal/ledger"
	"github.com/xkilldash9x/socialdriver/internal/observability"
	"github.com/xkilldash9x/socialdriver/internal/session"
)

// Authenticator replaces sessions that are no longer authenticated.
type Authenticator interface {
	Reauthenticate(ctx context.Context, s *session.Session) (*session.Session, error)
	Invalidate(s *session.Session, cause error)
}

// Dispatcher performs one action.
type Dispatcher interface {
	Dispatch(ctx context.Context, s *session.Session, req schemas.ActionRequest) (*dispatch.Result, error)
}

// Confirmer classifies a completed dispatch.
type Confirmer interface {
	Confirm(ctx context.Context, s *session.Session, res *dispatch.Result) confirm.Verdict
}

// Report is the run report plus the session that was live when the run ended,
// which differs from the input session after a re-authentication.
type Report struct {
	schemas.RunReport
	Session *session.Session `json:"-"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithJitter adds a uniform random delay in [0, d] to every pacing wait.
func WithJitter(d time.Duration) Option {
	return func(r *Runner) { r.jitter = d }
}

// WithHourlyLimit caps dispatches per hour. Zero means unlimited.
func WithHourlyLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(n)), 1)
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithSleep replaces the pacing wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// Runner processes targets strictly in order, one at a time.
type Runner struct {
	auth       Authenticator
	dispatcher Dispatcher
	confirmer  Confirmer
	ledger     *ledger.Ledger
	logger     *zap.Logger

	jitter  time.Duration
	limiter *rate.Limiter
	metrics *Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRunner(auth Authenticator, d Dispatcher, c Confirmer, l *ledger.Ledger, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		auth:       auth,
		dispatcher: d,
		confirmer:  c,
		ledger:     l,
		logger:     logger.Named("batch"),
		sleep:      sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes targets against s. Per-target failures are recorded and never
// stop the run. The run aborts with an AuthenticationFailed error when s cannot
// be re-authenticated, and with the context error when ctx is done; in both
// cases the partial report is returned.
func (r *Runner) Run(ctx context.Context, s *session.Session, targets []schemas.ActionRequest, interActionDelay time.Duration) (*Report, error) {
	report := &Report{
		RunReport: schemas.RunReport{
			RunID:     uuid.NewString(),
			Account:   s.Handle(),
			StartedAt: time.Now(),
		},
		Session: s,
	}
	logger := r.logger.With(observability.RunID(report.RunID), observability.Account(report.Account))
	logger.Info("Batch run starting.", zap.Int("targets", len(targets)), zap.Duration("inter_action_delay", interActionDelay))

	abort := func(err error) (*Report, error) {
		report.Abort(err.Error())
		report.FinishedAt = time.Now()
		r.metrics.aborted()
		logger.Error("Batch run aborted.", zap.Error(err), zap.Int("processed", len(report.Outcomes)))
		return report, err
	}

	dispatched := 0
	for _, req := range targets {
		// Cancellation is only honored between targets.
		if err := ctx.Err(); err != nil {
			return abort(fmt.Errorf("run canceled: %w", err))
		}

		if r.ledger.HasConfirmed(req.Type, req.Target) {
			report.Skipped = append(report.Skipped, req)
			r.metrics.skip(req.Type)
			logger.Debug("Skipping target already confirmed.", observability.Request(req))
			continue
		}

		if dispatched > 0 {
			if err := r.pace(ctx, interActionDelay); err != nil {
				return abort(fmt.Errorf("run canceled: %w", err))
			}
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return abort(fmt.Errorf("run canceled while waiting for the hourly limit: %w", err))
			}
		}

		if !s.Authenticated() {
			fresh, err := r.auth.Reauthenticate(ctx, s)
			r.metrics.reauthenticated(err == nil)
			if fresh != nil {
				s = fresh
				report.Session = s
			}
			if err != nil {
				if action.KindOf(err) != action.KindAuthentication {
					err = action.Errorf(action.KindAuthentication, err, "re-authentication")
				}
				return abort(err)
			}
		}

		dispatched++
		o, err := r.attempt(ctx, s, req)
		r.ledger.Record(o)
		report.Add(o)
		r.metrics.observe(o)
		logger.Info("Target processed.", observability.SessionID(o.SessionID), observability.Request(req), observability.Outcome(o))

		if action.KindOf(err) == action.KindAuthentication {
			r.auth.Invalidate(s, err)
		}
	}

	report.FinishedAt = time.Now()
	logger.Info("Batch run finished.",
		zap.Int("succeeded", report.SuccessCount),
		zap.Int("failed", len(report.Failures)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// attempt dispatches and confirms one request. Every failure, including a
// panic in a collaborator, becomes a Failed outcome.
func (r *Runner) attempt(ctx context.Context, s *session.Session, req schemas.ActionRequest) (o schemas.ActionOutcome, err error) {
	start := time.Now()
	o = schemas.ActionOutcome{Request: req, SessionID: s.ID(), AttemptedAt: start}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Action attempt panicked",
				observability.Request(req),
				zap.Any("panicValue", rec),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", rec)
			o.Verdict = schemas.VerdictFailed
			o.Reason = err.Error()
			o.Strategy = ""
		}
		o.Duration = time.Since(start)
	}()

	res, err := r.dispatcher.Dispatch(ctx, s, req)
	if err != nil {
		o.Verdict = schemas.VerdictFailed
		o.Reason = err.Error()
		return o, err
	}
	v := r.confirmer.Confirm(ctx, s, res)
	o.Verdict = v.Verdict
	o.Reason = v.Reason
	o.Strategy = v.Strategy
	return o, nil
}

func (r *Runner) pace(ctx context.Context, delay time.Duration) error {
	d := delay
	if r.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(r.jitter) + 1))
	}
	return r.sleep(ctx, d)
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
