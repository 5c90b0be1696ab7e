// Package browsertest provides in-memory browser.Page, browser.Element and
// browser.Provider implementations with scripted behavior and call counters.
package browsertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/socialdriver/internal/browser"
)

// -- Element --

// Element is a scripted DOM element. The zero value is not usable, use NewElement.
type Element struct {
	mu   sync.Mutex
	snap browser.Snapshot

	// Errors returned by the corresponding interaction, when set.
	ClickErr       error
	ScriptClickErr error
	ForceClickErr  error
	TypeErr        error
	DescribeErr    error

	// OnClick runs after any successful click tier.
	OnClick func(e *Element)
	// DescribeDelay simulates the round trip of one Describe call.
	DescribeDelay time.Duration

	clicks, scriptClicks, forceClicks, scrolls, describes int

	typed []string
}

var _ browser.Element = (*Element)(nil)

// NewElement returns an attached element with the given visible text.
func NewElement(text string) *Element {
	return &Element{snap: browser.Snapshot{Attached: true, Text: text}}
}

func (e *Element) WithLabel(label string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Label = label
	return e
}

func (e *Element) WithTestID(id string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.TestID = id
	return e
}

// SetText changes the visible text, as a re-render would.
func (e *Element) SetText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Text = text
}

// Detach marks the element as removed from the document.
func (e *Element) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Attached = false
}

func (e *Element) Describe(ctx context.Context) (browser.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return browser.Snapshot{}, err
	}
	if e.DescribeDelay > 0 {
		select {
		case <-ctx.Done():
			return browser.Snapshot{}, ctx.Err()
		case <-time.After(e.DescribeDelay):
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.describes++
	if e.DescribeErr != nil {
		return browser.Snapshot{}, e.DescribeErr
	}
	return e.snap, nil
}

func (e *Element) Click(ctx context.Context) error {
	return e.interact(ctx, &e.clicks, func() error { return e.ClickErr })
}

func (e *Element) ScriptClick(ctx context.Context) error {
	return e.interact(ctx, &e.scriptClicks, func() error { return e.ScriptClickErr })
}

func (e *Element) ForceClick(ctx context.Context) error {
	return e.interact(ctx, &e.forceClicks, func() error { return e.ForceClickErr })
}

func (e *Element) ScrollIntoView(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scrolls++
	if !e.snap.Attached {
		return browser.ErrStaleElement
	}
	return nil
}

func (e *Element) Type(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.TypeErr != nil {
		return e.TypeErr
	}
	e.typed = append(e.typed, text)
	return nil
}

func (e *Element) interact(ctx context.Context, counter *int, scripted func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	*counter++
	err := scripted()
	if err == nil && !e.snap.Attached {
		err = browser.ErrStaleElement
	}
	hook := e.OnClick
	e.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		hook(e)
	}
	return nil
}

// Interactions returns the number of click attempts over all tiers.
func (e *Element) Interactions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks + e.scriptClicks + e.forceClicks
}

// Counts returns click, script click, force click and scroll counts.
func (e *Element) Counts() (clicks, scriptClicks, forceClicks, scrolls int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks, e.scriptClicks, e.forceClicks, e.scrolls
}

func (e *Element) Describes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.describes
}

func (e *Element) Typed() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.typed...)
}

// -- Document --

// Document is the content served for one URL.
type Document struct {
	mu       sync.Mutex
	Text     string
	elements map[browser.Query][]*Element
}

func NewDocument(text string) *Document {
	return &Document{Text: text, elements: make(map[browser.Query][]*Element)}
}

// Add makes q return els, in order.
func (d *Document) Add(q browser.Query, els ...*Element) *Document {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.elements[q] = append(d.elements[q], els...)
	return d
}

// Remove makes q return nothing.
func (d *Document) Remove(q browser.Query) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.elements, q)
}

func (d *Document) query(q browser.Query) []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Element(nil), d.elements[q]...)
}

// -- Page --

var pageSeq atomic.Int64

// Page is a scripted browsing context.
type Page struct {
	mu sync.Mutex
	id string

	current    *Document
	currentURL string

	docs        map[string]*Document
	redirects   map[string]string
	navErrs     map[string]error
	queryErrs   map[browser.Query]error
	reloadErr   error
	textErr     error
	closed      bool
	cookies     []browser.Cookie
	navigated   []string
	reloads     int
	queries     int
	lastTimeout time.Duration
}

var _ browser.Page = (*Page)(nil)

func NewPage() *Page {
	return &Page{
		id:        fmt.Sprintf("page-%d", pageSeq.Add(1)),
		docs:      make(map[string]*Document),
		redirects: make(map[string]string),
		navErrs:   make(map[string]error),
		queryErrs: make(map[browser.Query]error),
	}
}

// Serve registers the document returned when url is loaded.
func (p *Page) Serve(url string, doc *Document) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[url] = doc
	return p
}

// Redirect makes navigation to from land on to.
func (p *Page) Redirect(from, to string) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.redirects[from] = to
	return p
}

// FailNavigation makes navigation to url return err.
func (p *Page) FailNavigation(url string, err error) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navErrs[url] = err
	return p
}

func (p *Page) FailReload(err error) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloadErr = err
	return p
}

func (p *Page) FailText(err error) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.textErr = err
	return p
}

func (p *Page) FailQuery(q browser.Query, err error) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryErrs[q] = err
	return p
}

func (p *Page) ID() string { return p.id }

func (p *Page) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrPageClosed
	}
	p.navigated = append(p.navigated, url)
	p.lastTimeout = timeout
	if err := p.navErrs[url]; err != nil {
		return err
	}
	final := url
	if to, ok := p.redirects[url]; ok {
		final = to
	}
	p.currentURL = final
	p.current = p.docs[final]
	return nil
}

func (p *Page) Reload(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrPageClosed
	}
	p.reloads++
	p.lastTimeout = timeout
	if p.reloadErr != nil {
		return p.reloadErr
	}
	p.current = p.docs[p.currentURL]
	return nil
}

func (p *Page) URL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentURL, nil
}

func (p *Page) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.textErr != nil {
		return "", p.textErr
	}
	if p.current == nil {
		return "", nil
	}
	return p.current.Text, nil
}

func (p *Page) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrPageClosed
	}
	p.cookies = append(p.cookies, cookies...)
	return nil
}

func (p *Page) Query(ctx context.Context, q browser.Query) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.queries++
	err := p.queryErrs[q]
	doc := p.current
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	found := doc.query(q)
	out := make([]browser.Element, len(found))
	for i, el := range found {
		out[i] = el
	}
	return out, nil
}

// Navigations returns every URL passed to Navigate, in order.
func (p *Page) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}

func (p *Page) Queries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries
}

func (p *Page) Cookies() []browser.Cookie {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...)
}

// LastTimeout returns the timeout passed to the last Navigate or Reload.
func (p *Page) LastTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTimeout
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// -- Provider --

// Provider hands out pages built by Factory. Every page it ever returned is
// kept in Pages for inspection.
type Provider struct {
	mu         sync.Mutex
	Factory    func() *Page
	AcquireErr error
	pages      []*Page
	released   int
	rotated    int
}

var _ browser.Provider = (*Provider)(nil)

// NewProvider returns a provider whose pages are configured by setup.
func NewProvider(setup func(p *Page)) *Provider {
	return &Provider{Factory: func() *Page {
		p := NewPage()
		if setup != nil {
			setup(p)
		}
		return p
	}}
}

func (pr *Provider) Acquire(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.AcquireErr != nil {
		return nil, pr.AcquireErr
	}
	p := pr.Factory()
	pr.pages = append(pr.pages, p)
	return p, nil
}

func (pr *Provider) Release(_ context.Context, page browser.Page) error {
	p, ok := page.(*Page)
	if !ok {
		return fmt.Errorf("foreign page %T", page)
	}
	p.close()
	pr.mu.Lock()
	pr.released++
	pr.mu.Unlock()
	return nil
}

func (pr *Provider) Rotate(ctx context.Context, page browser.Page) (browser.Page, error) {
	if page != nil {
		if err := pr.Release(ctx, page); err != nil {
			return nil, err
		}
	}
	pr.mu.Lock()
	pr.rotated++
	pr.mu.Unlock()
	return pr.Acquire(ctx)
}

// Pages returns every page handed out so far.
func (pr *Provider) Pages() []*Page {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return append([]*Page(nil), pr.pages...)
}

func (pr *Provider) Released() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.released
}

func (pr *Provider) Rotated() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.rotated
}
