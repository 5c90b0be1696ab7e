// api/schemas/actions.go
package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Action Schemas --

// ActionType identifies a state-changing account action.
type ActionType string

const (
	ActionFollow      ActionType = "follow"
	ActionLike        ActionType = "like"
	ActionComment     ActionType = "comment"
	ActionSendMessage ActionType = "send_message"
)

// ActionTypes lists every supported action type in a stable order.
var ActionTypes = []ActionType{ActionFollow, ActionLike, ActionComment, ActionSendMessage}

// Valid reports whether t is a supported action type.
func (t ActionType) Valid() bool {
	for _, known := range ActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RequiresPayload reports whether the action carries user supplied text.
func (t ActionType) RequiresPayload() bool {
	return t == ActionComment || t == ActionSendMessage
}

// ParseActionType converts user input (e.g. "Follow", "send-message") into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	switch normalized {
	case "message", "dm", "sendmessage":
		normalized = string(ActionSendMessage)
	}
	t := ActionType(normalized)
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q", s)
	}
	return t, nil
}

// ActionRequest is a single action against one target. It is immutable once dispatched.
type ActionRequest struct {
	Type    ActionType `json:"type" yaml:"type"`
	Target  string     `json:"target" yaml:"target"`
	Payload string     `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Validate checks the request for structural problems.
func (r ActionRequest) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("unknown action type %q", r.Type)
	}
	if NormalizeTarget(r.Target) == "" {
		return fmt.Errorf("%s request has an empty target", r.Type)
	}
	if r.Type.RequiresPayload() && strings.TrimSpace(r.Payload) == "" {
		return fmt.Errorf("%s request for %q requires a payload", r.Type, r.Target)
	}
	return nil
}

// Key returns the ledger key for the request.
func (r ActionRequest) Key() LedgerKey {
	return NewLedgerKey(r.Type, r.Target)
}

// String is used in logs and report reasons.
func (r ActionRequest) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.Target)
}

// LedgerKey identifies an (action type, target) pair for idempotency checks.
type LedgerKey struct {
	Type   ActionType
	Target string
}

// NewLedgerKey builds a key with a normalized target.
func NewLedgerKey(t ActionType, target string) LedgerKey {
	return LedgerKey{Type: t, Target: NormalizeTarget(target)}
}

func (k LedgerKey) String() string {
	return fmt.Sprintf("%s:%s", k.Type, k.Target)
}

// NormalizeTarget trims whitespace and a leading "@" and lower-cases the identifier.
// Handles are case-insensitive on the platform, content identifiers are numeric.
func NormalizeTarget(target string) string {
	t := strings.TrimSpace(target)
	t = strings.TrimPrefix(t, "@")
	return strings.ToLower(t)
}

// Verdict is the final classification of an attempted action.
type Verdict string

const (
	// VerdictConfirmed means a confirmation strategy positively matched a success signal.
	VerdictConfirmed Verdict = "confirmed"
	// VerdictUnconfirmed means dispatch completed but no strategy could confirm the effect.
	// The platform-side state is unknown.
	VerdictUnconfirmed Verdict = "unconfirmed"
	// VerdictFailed means dispatch itself raised an unrecoverable error.
	VerdictFailed Verdict = "failed"
)

// ActionOutcome is the recorded result of one attempted action.
type ActionOutcome struct {
	Request     ActionRequest `json:"request"`
	Verdict     Verdict       `json:"verdict"`
	Reason      string        `json:"reason,omitempty"`
	Strategy    string        `json:"strategy,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	AttemptedAt time.Time     `json:"attempted_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// Succeeded reports whether the outcome counts as a success for batch purposes.
func (o ActionOutcome) Succeeded() bool {
	return o.Verdict == VerdictConfirmed
}

// RunReport aggregates the outcomes of one batch run.
type RunReport struct {
	RunID        string          `json:"run_id"`
	Account      string          `json:"account,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
	Outcomes     []ActionOutcome `json:"outcomes"`
	SuccessCount int             `json:"success_count"`
	Failures     []ActionOutcome `json:"failures"`
	Skipped      []ActionRequest `json:"skipped,omitempty"`
	Aborted      bool            `json:"aborted"`
	AbortReason  string          `json:"abort_reason,omitempty"`
}

// Add appends an outcome and keeps the aggregate counters consistent.
func (r *RunReport) Add(o ActionOutcome) {
	r.Outcomes = append(r.Outcomes, o)
	if o.Succeeded() {
		r.SuccessCount++
		return
	}
	r.Failures = append(r.Failures, o)
}

// Abort marks the run as aborted with the given reason.
func (r *RunReport) Abort(reason string) {
	r.Aborted = true
	r.AbortReason = reason
}

// -- Credential Schemas --

// Credentials is the opaque credential set used to authenticate a session.
// Only its structural completeness is ever validated locally.
type Credentials struct {
	Handle  string            `json:"handle" yaml:"handle"`
	Cookies map[string]string `json:"cookies" yaml:"cookies"`
}

// Missing returns the required fields that are absent or empty.
func (c Credentials) Missing(requiredCookies []string) []string {
	var missing []string
	if strings.TrimSpace(c.Handle) == "" {
		missing = append(missing, "handle")
	}
	for _, name := range requiredCookies {
		if strings.TrimSpace(c.Cookies[name]) == "" {
			missing = append(missing, "cookies."+name)
		}
	}
	if len(c.Cookies) == 0 && len(requiredCookies) == 0 {
		missing = append(missing, "cookies")
	}
	return missing
}

// String never prints cookie values.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{handle=%s, cookies=%d}", c.Handle, len(c.Cookies))
}
