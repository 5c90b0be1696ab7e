// internal/browser/page.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// cdpPage is a Page backed by a chromedp tab context.
type cdpPage struct {
	id     string
	ctx    context.Context // carries the chromedp target
	cancel context.CancelFunc
	proxy  string
	logger *zap.Logger
	closed atomic.Bool
}

var _ Page = (*cdpPage)(nil)

func (p *cdpPage) ID() string { return p.id }

// run executes actions against the tab, bounded by the operational ctx.
func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.closed.Load() {
		return ErrPageClosed
	}
	opCtx, cancel := CombineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

// Navigate loads url. A navigation that exceeds timeout fails with ErrTimeout.
func (p *cdpPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p.logger.Debug("Navigating.", zap.String("url", url), zap.Duration("timeout", timeout))
	return p.navigate(ctx, timeout, "navigation to "+url, chromedp.Navigate(url))
}

func (p *cdpPage) Reload(ctx context.Context, timeout time.Duration) error {
	p.logger.Debug("Reloading.", zap.Duration("timeout", timeout))
	return p.navigate(ctx, timeout, "reload", chromedp.Reload())
}

func (p *cdpPage) navigate(ctx context.Context, timeout time.Duration, what string, action chromedp.Action) error {
	navCtx, navCancel := context.WithTimeout(ctx, timeout)
	defer navCancel()

	if err := p.run(navCtx, action); err != nil {
		// Only our own deadline is a timeout; a canceled caller is reported as such.
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", what, ctx.Err())
		}
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%s timed out after %s: %w", what, timeout, ErrTimeout)
		}
		return fmt.Errorf("%s failed: %w", what, err)
	}
	return nil
}

func (p *cdpPage) URL(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("could not read location: %w", err)
	}
	return u, nil
}

func (p *cdpPage) Text(ctx context.Context) (string, error) {
	var text string
	script := `document.body ? document.body.innerText : ""`
	if err := p.run(ctx, chromedp.Evaluate(script, &text)); err != nil {
		return "", fmt.Errorf("could not read document text: %w", err)
	}
	return text, nil
}

func (p *cdpPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     "/",
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	if err := p.run(ctx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("failed to set %d cookies: %w", len(params), err)
	}
	return nil
}

// Query returns every node matching q without waiting for one to appear.
func (p *cdpPage) Query(ctx context.Context, q Query) ([]Element, error) {
	by := chromedp.ByQueryAll
	if q.By == ByXPath {
		by = chromedp.BySearch
	}

	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(q.Expr, &nodes, by, chromedp.AtLeast(0))); err != nil {
		return nil, fmt.Errorf("query %s failed: %w", q, err)
	}

	elements := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeType != cdp.NodeTypeElement {
			continue
		}
		elements = append(elements, &cdpElement{page: p, backendID: n.BackendNodeID})
	}
	return elements, nil
}

// -- Elements --

type cdpElement struct {
	page      *cdpPage
	backendID cdp.BackendNodeID
}

var _ Element = (*cdpElement)(nil)

const describeFn = `function() {
	return {
		attached: this.isConnected,
		text: (this.innerText || this.textContent || "").trim(),
		label: this.getAttribute("aria-label") || "",
		testId: this.getAttribute("data-testid") || ""
	};
}`

// hitTestFn returns the element center and whether a click there would land on it.
const hitTestFn = `function() {
	if (!this.isConnected) return {attached: false};
	const r = this.getBoundingClientRect();
	const x = r.left + r.width / 2, y = r.top + r.height / 2;
	if (r.width === 0 || r.height === 0) return {attached: true, hit: false, x: x, y: y};
	const top = document.elementFromPoint(x, y);
	return {attached: true, hit: !!top && (top === this || this.contains(top)), x: x, y: y};
}`

const scriptClickFn = `function() {
	if (!this.isConnected) return false;
	this.click();
	return true;
}`

func (e *cdpElement) Describe(ctx context.Context) (Snapshot, error) {
	var out struct {
		Attached bool   `json:"attached"`
		Text     string `json:"text"`
		Label    string `json:"label"`
		TestID   string `json:"testId"`
	}
	if err := e.call(ctx, describeFn, &out); err != nil {
		if errors.Is(err, ErrStaleElement) {
			return Snapshot{}, nil
		}
		return Snapshot{}, err
	}
	return Snapshot{Attached: out.Attached, Text: out.Text, Label: out.Label, TestID: out.TestID}, nil
}

func (e *cdpElement) Click(ctx context.Context) error {
	var hit struct {
		Attached bool    `json:"attached"`
		Hit      bool    `json:"hit"`
		X        float64 `json:"x"`
		Y        float64 `json:"y"`
	}
	if err := e.call(ctx, hitTestFn, &hit); err != nil {
		return err
	}
	if !hit.Attached {
		return ErrStaleElement
	}
	if !hit.Hit {
		return ErrOccluded
	}
	return e.page.run(ctx, mouseClick(hit.X, hit.Y))
}

func (e *cdpElement) ScriptClick(ctx context.Context) error {
	var clicked bool
	if err := e.call(ctx, scriptClickFn, &clicked); err != nil {
		return err
	}
	if !clicked {
		return ErrStaleElement
	}
	return nil
}

func (e *cdpElement) ScrollIntoView(ctx context.Context) error {
	return e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return classify(dom.ScrollIntoViewIfNeeded().WithBackendNodeID(e.backendID).Do(ctx))
	}))
}

func (e *cdpElement) ForceClick(ctx context.Context) error {
	var box *dom.BoxModel
	err := e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		box, err = dom.GetBoxModel().WithBackendNodeID(e.backendID).Do(ctx)
		return classify(err)
	}))
	if err != nil {
		return err
	}
	if box == nil || len(box.Content) < 8 {
		return fmt.Errorf("%w: %w", ErrOccluded, chromedp.ErrInvalidBoxModel)
	}

	x := (box.Content[0] + box.Content[2] + box.Content[4] + box.Content[6]) / 4
	y := (box.Content[1] + box.Content[3] + box.Content[5] + box.Content[7]) / 4
	return e.page.run(ctx, mouseClick(x, y))
}

func (e *cdpElement) Type(ctx context.Context, text string) error {
	return e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		if err := dom.Focus().WithBackendNodeID(e.backendID).Do(ctx); err != nil {
			return classify(err)
		}
		return input.InsertText(text).Do(ctx)
	}))
}

// call runs fn with the element bound to this and decodes its return value into out.
func (e *cdpElement) call(ctx context.Context, fn string, out any) error {
	return e.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(e.backendID).Do(ctx)
		if err != nil {
			return classify(err)
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()

		ret, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return classify(err)
		}
		if exc != nil {
			return fmt.Errorf("script exception: %s", exc.Text)
		}
		if out == nil || ret == nil || len(ret.Value) == 0 {
			return nil
		}
		return json.Unmarshal([]byte(ret.Value), out)
	}))
}

func mouseClick(x, y float64) chromedp.Action {
	return chromedp.Tasks{
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	}
}

// staleMarkers are protocol error fragments meaning the node is gone.
var staleMarkers = []string{
	"No node with given id",
	"Could not find node",
	"Node is detached",
	"No node found",
	"Cannot find context with specified id",
}

// classify maps CDP errors onto the interaction fault taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, chromedp.ErrInvalidBoxModel) {
		return fmt.Errorf("%w: %w", ErrOccluded, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "Could not compute box model") {
		return fmt.Errorf("%w: %w", ErrOccluded, err)
	}
	for _, marker := range staleMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %w", ErrStaleElement, err)
		}
	}
	return err
}
