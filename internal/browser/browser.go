// internal/browser/browser.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// By selects the query language of a Query.
type By int

const (
	ByCSS By = iota
	ByXPath
)

func (b By) String() string {
	if b == ByXPath {
		return "xpath"
	}
	return "css"
}

// ParseBy maps the configuration spelling ("", "css", "xpath") to a By.
func ParseBy(s string) (By, error) {
	switch s {
	case "", "css":
		return ByCSS, nil
	case "xpath":
		return ByXPath, nil
	}
	return ByCSS, fmt.Errorf("unknown query language %q", s)
}

// Query is a side-effect free element lookup.
type Query struct {
	By   By
	Expr string
}

func CSS(expr string) Query   { return Query{By: ByCSS, Expr: expr} }
func XPath(expr string) Query { return Query{By: ByXPath, Expr: expr} }

func (q Query) String() string { return q.By.String() + "(" + q.Expr + ")" }

// TextScan matches every element that has rendered text. It is the query used
// for document-wide lexical scans.
var TextScan = XPath(`//*[normalize-space(text()) != "" or @aria-label or @data-testid]`)

// Snapshot is the observable state of an element at one point in time.
type Snapshot struct {
	Attached bool
	Text     string
	Label    string // aria-label
	TestID   string // data-testid
}

// Fields returns the non-empty observable strings of the snapshot.
func (s Snapshot) Fields() []string {
	fields := make([]string, 0, 3)
	for _, f := range []string{s.Text, s.Label, s.TestID} {
		if f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Cookie is a credential cookie to inject into a browsing context.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Secure   bool
	HTTPOnly bool
}

// Element is a handle to a DOM node. Handles are only valid for the page
// navigation that produced them and must not be retained across calls.
type Element interface {
	Describe(ctx context.Context) (Snapshot, error)
	// Click dispatches a trusted pointer click at the element center. It fails
	// with ErrOccluded when another element receives the hit.
	Click(ctx context.Context) error
	// ScriptClick invokes the element's click() from page script.
	ScriptClick(ctx context.Context) error
	ScrollIntoView(ctx context.Context) error
	// ForceClick clicks the element's box center without hit testing.
	ForceClick(ctx context.Context) error
	Type(ctx context.Context, text string) error
}

// Page is one browsing context (a tab with its own cookie jar).
type Page interface {
	ID() string
	Navigate(ctx context.Context, url string, timeout time.Duration) error
	Reload(ctx context.Context, timeout time.Duration) error
	URL(ctx context.Context) (string, error)
	// Text returns the rendered text of the whole document.
	Text(ctx context.Context) (string, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Query(ctx context.Context, q Query) ([]Element, error)
}

// Provider hands out browsing contexts.
type Provider interface {
	Acquire(ctx context.Context) (Page, error)
	Release(ctx context.Context, page Page) error
	// Rotate tears page down completely and returns a fresh context, for
	// example bound to the next egress proxy.
	Rotate(ctx context.Context, page Page) (Page, error)
}

var (
	ErrTimeout      = errors.New("browser: operation timed out")
	ErrStaleElement = errors.New("browser: element is no longer attached")
	ErrOccluded     = errors.New("browser: element is covered or has no clickable area")
	ErrPageClosed   = errors.New("browser: page is closed")
)

// IsInteractionFault reports whether err is a fault that a different way of
// interacting with the same element might get around.
func IsInteractionFault(err error) bool {
	return errors.Is(err, ErrStaleElement) || errors.Is(err, ErrOccluded)
}
