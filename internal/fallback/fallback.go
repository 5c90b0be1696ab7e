// Package fallback evaluates ordered lists of named strategies, stopping at
// the first one that produces a result.
//
// Locator chains, interaction tiers, confirmation strategies and reachability
// probes are all expressed as a []Step and run through Run, so each list is
// plain data and every call site shares one short-circuit implementation.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExhausted is returned by Run when no step matched.
var ErrExhausted = errors.New("all strategies exhausted")

// Step is one named strategy. Try reports ok=true when it produced a result.
// An error means the step failed; whether the next step runs is decided by the Policy.
type Step[T any] struct {
	Name string
	Try  func(ctx context.Context) (T, bool, error)
}

// Attempt records the evaluation of a single step.
type Attempt struct {
	Name    string
	Matched bool
	Err     error
	Elapsed time.Duration
}

func (a Attempt) String() string {
	switch {
	case a.Matched:
		return a.Name + "=matched"
	case a.Err != nil:
		return fmt.Sprintf("%s=error(%v)", a.Name, a.Err)
	default:
		return a.Name + "=no-match"
	}
}

// Trace is the ordered list of attempts made by one Run.
type Trace []Attempt

// Names returns the names of every attempted step in order.
func (t Trace) Names() []string {
	names := make([]string, len(t))
	for i, a := range t {
		names[i] = a.Name
	}
	return names
}

func (t Trace) String() string {
	parts := make([]string, len(t))
	for i, a := range t {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// Policy decides whether a step error allows the next step to run.
type Policy func(err error) bool

// Always continues past every error.
func Always(error) bool { return true }

// Run evaluates steps in order and returns the first match. Evaluation stops
// when a step errors and policy rejects the error, when ctx is done, or when
// the list is exhausted (ErrExhausted wrapping the last step error, if any).
func Run[T any](ctx context.Context, steps []Step[T], policy Policy) (T, Trace, error) {
	var zero T
	if policy == nil {
		policy = Always
	}
	trace := make(Trace, 0, len(steps))
	var lastErr error

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return zero, trace, err
		}

		start := time.Now()
		result, ok, err := step.Try(ctx)
		attempt := Attempt{Name: step.Name, Matched: ok && err == nil, Err: err, Elapsed: time.Since(start)}
		trace = append(trace, attempt)

		if attempt.Matched {
			return result, trace, nil
		}
		if err != nil {
			lastErr = err
			if !policy(err) {
				return zero, trace, fmt.Errorf("strategy %q: %w", step.Name, err)
			}
		}
	}

	if lastErr != nil {
		return zero, trace, fmt.Errorf("%w: last error: %w", ErrExhausted, lastErr)
	}
	return zero, trace, ErrExhausted
}
