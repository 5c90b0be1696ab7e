// Package locator resolves logical UI affordances ("the follow control") to
// live elements by trying an ordered chain of query strategies.
package locator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/config"
	"github.com/xkilldash9x/socialdriver/internal/fallback"
)

var (
	ErrUnknownAffordance = errors.New("no locator chain registered")
	ErrNotResolved       = errors.New("no strategy resolved an attached element")
)

const (
	defaultMaxTextLength = 80
	defaultQueryTimeout  = 3 * time.Second
	defaultScanLimit     = 50
)

// Strategy is one candidate way to find an affordance. Strategies are pure
// queries and are safe to evaluate and discard.
type Strategy struct {
	Name  string
	Query browser.Query
	// Text, when set, must match the candidate's text or aria-label.
	Text *regexp.Regexp
}

// Chain is ordered from most specific to most general.
type Chain []Strategy

// Match is a resolved element with the snapshot that qualified it.
type Match struct {
	Element  browser.Element
	Snapshot browser.Snapshot
	Strategy string
}

// Options tunes candidate acceptance.
type Options struct {
	// MaxTextLength rejects candidates with longer visible text; such matches
	// are usually containers rather than the control itself.
	MaxTextLength int
	QueryTimeout  time.Duration
	// ScanLimit caps how many document-scan candidates are described, in
	// document order.
	ScanLimit int
}

// Resolver evaluates registered chains against a page. Chains are
// re-evaluated from scratch on every call; nothing is cached.
type Resolver struct {
	mu     sync.RWMutex
	chains map[string]Chain
	opts   Options
	logger *zap.Logger
}

func NewResolver(opts Options, logger *zap.Logger) *Resolver {
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = defaultMaxTextLength
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.ScanLimit <= 0 {
		opts.ScanLimit = defaultScanLimit
	}
	return &Resolver{
		chains: make(map[string]Chain),
		opts:   opts,
		logger: logger.Named("locator"),
	}
}

// FromConfig builds a resolver with every chain in cfg.Locators registered.
func FromConfig(cfg *config.Config, logger *zap.Logger) (*Resolver, error) {
	r := NewResolver(Options{
		MaxTextLength: cfg.Locator.MaxTextLength,
		QueryTimeout:  cfg.Locator.QueryTimeout,
		ScanLimit:     cfg.Locator.ScanLimit,
	}, logger)

	names := make([]string, 0, len(cfg.Locators))
	for name := range cfg.Locators {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		chain, err := ChainFromConfig(cfg.Locators[name])
		if err != nil {
			return nil, fmt.Errorf("locators.%s: %w", name, err)
		}
		r.Register(name, chain)
	}
	return r, nil
}

// ChainFromConfig compiles configured strategies into a Chain.
func ChainFromConfig(strategies []config.LocatorStrategyConfig) (Chain, error) {
	chain := make(Chain, 0, len(strategies))
	for i, s := range strategies {
		by, err := browser.ParseBy(s.By)
		if err != nil {
			return nil, fmt.Errorf("strategy %d: %w", i, err)
		}
		st := Strategy{Name: s.Name, Query: browser.Query{By: by, Expr: s.Expr}}
		if st.Name == "" {
			st.Name = fmt.Sprintf("strategy-%d", i+1)
		}
		if s.Text != "" {
			if st.Text, err = regexp.Compile(s.Text); err != nil {
				return nil, fmt.Errorf("strategy %q text: %w", st.Name, err)
			}
		}
		chain = append(chain, st)
	}
	return chain, nil
}

// Register replaces the chain for affordance.
func (r *Resolver) Register(affordance string, chain Chain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chains[affordance] = append(Chain(nil), chain...)
}

// Has reports whether a chain is registered for affordance.
func (r *Resolver) Has(affordance string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chains[affordance]
	return ok
}

// Resolve returns the first attached element produced by the affordance's
// chain, evaluating strategies strictly in order and stopping at the first hit.
func (r *Resolver) Resolve(ctx context.Context, page browser.Page, affordance string) (Match, error) {
	r.mu.RLock()
	chain, ok := r.chains[affordance]
	r.mu.RUnlock()
	if !ok {
		return Match{}, fmt.Errorf("%w for %q", ErrUnknownAffordance, affordance)
	}

	steps := make([]fallback.Step[Match], len(chain))
	for i, st := range chain {
		st := st
		steps[i] = fallback.Step[Match]{
			Name: st.Name,
			Try: func(ctx context.Context) (Match, bool, error) {
				return r.first(ctx, page, st.Name, st.Query, func(s browser.Snapshot) bool {
					return st.Text == nil || st.Text.MatchString(s.Text) || st.Text.MatchString(s.Label)
				})
			},
		}
	}

	m, trace, err := fallback.Run(ctx, steps, fallback.Always)
	if err != nil {
		if ctx.Err() != nil {
			return Match{}, ctx.Err()
		}
		return Match{}, fmt.Errorf("%w for %q (%s)", ErrNotResolved, affordance, trace)
	}
	r.logger.Debug("Affordance resolved.",
		zap.String("affordance", affordance),
		zap.String("strategy", m.Strategy),
		zap.Int("attempts", len(trace)))
	return m, nil
}

// Scan searches the whole document for an element accepted by pred, within
// the same length ceiling as Resolve. Only the query runs under the query
// timeout; candidates are described under ctx, at most ScanLimit of them.
func (r *Resolver) Scan(ctx context.Context, page browser.Page, pred func(browser.Snapshot) bool) (Match, error) {
	const name = "document-scan"

	qctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	candidates, err := page.Query(qctx, browser.TextScan)
	cancel()
	if err != nil {
		return Match{}, err
	}
	if len(candidates) > r.opts.ScanLimit {
		r.logger.Debug("Document scan truncated.", zap.Int("candidates", len(candidates)), zap.Int("limit", r.opts.ScanLimit))
		candidates = candidates[:r.opts.ScanLimit]
	}

	m, ok, err := r.pick(ctx, name, browser.TextScan, candidates, pred)
	if err != nil {
		return Match{}, err
	}
	if !ok {
		return Match{}, fmt.Errorf("%w in document scan", ErrNotResolved)
	}
	return m, nil
}

// first runs q under the query timeout and returns the first acceptable candidate.
func (r *Resolver) first(ctx context.Context, page browser.Page, name string, q browser.Query, pred func(browser.Snapshot) bool) (Match, bool, error) {
	qctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	defer cancel()

	candidates, err := page.Query(qctx, q)
	if err != nil {
		return Match{}, false, err
	}
	return r.pick(qctx, name, q, candidates, pred)
}

func (r *Resolver) pick(ctx context.Context, name string, q browser.Query, candidates []browser.Element, pred func(browser.Snapshot) bool) (Match, bool, error) {
	for _, el := range candidates {
		snap, err := el.Describe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Match{}, false, fmt.Errorf("describing candidates of %s: %w", q, ctx.Err())
			}
			r.logger.Debug("Discarding candidate that could not be described.", zap.String("strategy", name), zap.Error(err))
			continue
		}
		if !r.acceptable(snap) || !pred(snap) {
			continue
		}
		return Match{Element: el, Snapshot: snap, Strategy: name}, true, nil
	}
	return Match{}, false, nil
}

func (r *Resolver) acceptable(snap browser.Snapshot) bool {
	return snap.Attached && utf8.RuneCountInString(snap.Text) <= r.opts.MaxTextLength
}
