// internal/action/profile.go
package action

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/xkilldash9x/socialdriver/api/schemas"
	"github.com/xkilldash9x/socialdriver/internal/browser"
	"github.com/xkilldash9x/socialdriver/internal/config"
)

// Vars are the per-session values substituted into profile templates.
type Vars struct {
	Host string
	Self string // handle of the authenticated identity
}

// CrossReference is an authoritative listing view that shows the effect of an action.
type CrossReference struct {
	URL   string
	Query browser.Query
}

// Profile describes how one action type is dispatched and recognized as done.
// Every string field except the affordance names is a template.
type Profile struct {
	Type           schemas.ActionType
	TargetURL      string
	Control        string
	ConfirmControl string
	Input          string
	Submit         string
	Positive       []string
	CrossReference *CrossReference
}

// URL returns the canonical location of req's target.
func (p *Profile) URL(v Vars, req schemas.ActionRequest) string {
	return expand(p.TargetURL, v, req, url.PathEscape)
}

// ConfirmAffordance is the affordance re-resolved by the recheck strategies.
func (p *Profile) ConfirmAffordance() string {
	if p.ConfirmControl != "" {
		return p.ConfirmControl
	}
	return p.Control
}

// HasPayloadFlow reports whether the action types a payload after the primary click.
func (p *Profile) HasPayloadFlow() bool {
	return p.Input != "" && p.Submit != ""
}

// PayloadDerived reports whether any positive pattern embeds the request
// payload, so that it matches user supplied text rather than platform copy.
func (p *Profile) PayloadDerived() bool {
	for _, tmpl := range p.Positive {
		if strings.Contains(tmpl, "{payload}") {
			return true
		}
	}
	return false
}

// Patterns compiles the positive lexical patterns for req.
func (p *Profile) Patterns(req schemas.ActionRequest) (Patterns, error) {
	req.Payload = strings.TrimSpace(req.Payload)
	compiled := make(Patterns, 0, len(p.Positive))
	for i, tmpl := range p.Positive {
		re, err := regexp.Compile(expand(tmpl, Vars{}, req, regexp.QuoteMeta))
		if err != nil {
			return nil, fmt.Errorf("%s positive pattern %d: %w", p.Type, i, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// CrossReferenceFor returns the listing URL and the query that finds req's
// target in it. ok is false when the profile has no cross reference.
func (p *Profile) CrossReferenceFor(v Vars, req schemas.ActionRequest) (string, browser.Query, bool) {
	if p.CrossReference == nil {
		return "", browser.Query{}, false
	}
	q := p.CrossReference.Query
	q.Expr = expand(q.Expr, v, req, selectorLiteral)
	return expand(p.CrossReference.URL, v, req, url.PathEscape), q, true
}

// Patterns is a compiled positive pattern set.
type Patterns []*regexp.Regexp

// MatchText reports whether any pattern matches s.
func (ps Patterns) MatchText(s string) bool {
	for _, re := range ps {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Match checks every observable field of snap and returns the first that matched.
func (ps Patterns) Match(snap browser.Snapshot) (string, bool) {
	for _, field := range snap.Fields() {
		if ps.MatchText(field) {
			return field, true
		}
	}
	return "", false
}

func (ps Patterns) String() string {
	parts := make([]string, len(ps))
	for i, re := range ps {
		parts[i] = re.String()
	}
	return strings.Join(parts, " | ")
}

func expand(tmpl string, v Vars, req schemas.ActionRequest, esc func(string) string) string {
	return strings.NewReplacer(
		"{host}", v.Host,
		"{self}", esc(schemas.NormalizeTarget(v.Self)),
		"{target}", esc(schemas.NormalizeTarget(req.Target)),
		"{payload}", esc(req.Payload),
	).Replace(tmpl)
}

// selectorLiteral makes s safe inside a quoted CSS or XPath string literal.
func selectorLiteral(s string) string {
	s = strings.NewReplacer(`"`, "", `'`, "", `\`, "").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// -- Catalog --

// Catalog holds the profile of every supported action type.
type Catalog struct {
	host         string
	loginMarkers []string
	profiles     map[schemas.ActionType]*Profile
}

// NewCatalog builds profiles from the actions section of cfg.
func NewCatalog(cfg *config.Config) (*Catalog, error) {
	c := &Catalog{
		host:         cfg.Platform.Host,
		loginMarkers: cfg.Platform.LoginPathMarkers,
		profiles:     make(map[schemas.ActionType]*Profile, len(cfg.Actions)),
	}
	for name, ac := range cfg.Actions {
		t, err := schemas.ParseActionType(name)
		if err != nil {
			return nil, fmt.Errorf("actions.%s: %w", name, err)
		}
		p := &Profile{
			Type:           t,
			TargetURL:      ac.TargetURL,
			Control:        ac.Control,
			ConfirmControl: ac.ConfirmControl,
			Input:          ac.Input,
			Submit:         ac.Submit,
			Positive:       ac.Positive,
		}
		if ac.CrossReference.URL != "" && ac.CrossReference.Expr != "" {
			by, err := browser.ParseBy(ac.CrossReference.By)
			if err != nil {
				return nil, fmt.Errorf("actions.%s.cross_reference: %w", name, err)
			}
			p.CrossReference = &CrossReference{URL: ac.CrossReference.URL, Query: browser.Query{By: by, Expr: ac.CrossReference.Expr}}
		}
		c.profiles[t] = p
	}
	return c, nil
}

// Profile returns the profile for t.
func (c *Catalog) Profile(t schemas.ActionType) (*Profile, error) {
	p, ok := c.profiles[t]
	if !ok {
		return nil, Errorf(KindInvalidRequest, nil, "no profile configured for action %q", t)
	}
	return p, nil
}

// Vars returns template variables for a session authenticated as self.
func (c *Catalog) Vars(self string) Vars {
	return Vars{Host: c.host, Self: self}
}

// IsLoginURL reports whether raw points at a login or verification path.
func (c *Catalog) IsLoginURL(raw string) bool {
	return IsLoginURL(raw, c.loginMarkers)
}

// IsLoginURL reports whether the path of raw equals, or is below, any of markers.
func IsLoginURL(raw string, markers []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSuffix(m, "/"))
		if m == "" {
			continue
		}
		if path == m || strings.HasPrefix(path, m+"/") {
			return true
		}
	}
	return false
}

// ExpandURL substitutes {host} and {self} in a session level URL template
// such as a reachability probe.
func ExpandURL(tmpl string, v Vars) string {
	return expand(tmpl, v, schemas.ActionRequest{}, url.PathEscape)
}
